package oxia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oxia-db/oxia/common/constant"
	"github.com/oxia-db/oxia/common/hash"
	"github.com/oxia-db/oxia/common/proto"
	"github.com/oxia-db/oxia/common/rpc"
	grpcmd "google.golang.org/grpc/metadata"
)

var errPartitionUnassigned = errors.New("oxia: registry partition has no shard assignment")

// partitionWriter sends raw batched writes to the shard that owns the
// registry partition. The sync client has no multi-key write, so
// transactions go straight to the leader over the data-plane RPC.
//
// Shard assignments are streamed from the service address and re-resolved
// on every update, so a leader failover is picked up without reconnecting.
type partitionWriter struct {
	namespace      string
	serviceAddress string
	partitionHash  uint32
	requestTimeout time.Duration
	clientPool     rpc.ClientPool

	mu      sync.RWMutex
	shardID int64
	leader  string
	ready   chan struct{}
	once    sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func newPartitionWriter(ctx context.Context, cfg Config) (*partitionWriter, error) {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = rpc.DefaultRpcTimeout
	}

	w := &partitionWriter{
		namespace:      cfg.Namespace,
		serviceAddress: cfg.ServiceAddress,
		partitionHash:  hash.Xxh332(cfg.PartitionKey),
		requestTimeout: timeout,
		clientPool:     rpc.NewClientPool(nil, nil),
		shardID:        -1,
		ready:          make(chan struct{}),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	go w.watchAssignments()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-w.ready:
		return w, nil
	case <-waitCtx.Done():
		_ = w.Close()
		return nil, fmt.Errorf("oxia: waiting for shard assignments: %w", waitCtx.Err())
	}
}

func (w *partitionWriter) Close() error {
	if w == nil {
		return nil
	}
	w.cancel()
	return w.clientPool.Close()
}

// write sends request to the partition's current leader.
func (w *partitionWriter) write(ctx context.Context, request *proto.WriteRequest) (*proto.WriteResponse, error) {
	w.mu.RLock()
	shardID, leader := w.shardID, w.leader
	w.mu.RUnlock()
	if shardID < 0 {
		return nil, errPartitionUnassigned
	}

	client, err := w.clientPool.GetClientRpc(leader)
	if err != nil {
		return nil, err
	}

	request.Shard = &shardID
	ctx = grpcmd.AppendToOutgoingContext(ctx,
		constant.MetadataNamespace, w.namespace,
		constant.MetadataShardId, fmt.Sprintf("%d", shardID),
	)
	return client.Write(ctx, request)
}

func (w *partitionWriter) watchAssignments() {
	const retryDelay = 200 * time.Millisecond
	for {
		err := w.streamAssignments()
		if w.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		select {
		case <-time.After(retryDelay):
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *partitionWriter) streamAssignments() error {
	client, err := w.clientPool.GetClientRpc(w.serviceAddress)
	if err != nil {
		return err
	}
	stream, err := client.GetShardAssignments(w.ctx, &proto.ShardAssignmentsRequest{Namespace: w.namespace})
	if err != nil {
		return err
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		assignments, ok := resp.Namespaces[w.namespace]
		if !ok {
			continue
		}
		if assignments.ShardKeyRouter != proto.ShardKeyRouter_XXHASH3 {
			return fmt.Errorf("oxia: unsupported shard key router %v", assignments.ShardKeyRouter)
		}
		if err := w.apply(assignments.Assignments); err != nil {
			return err
		}
	}
}

// apply records the shard whose hash range covers the partition key.
func (w *partitionWriter) apply(assignments []*proto.ShardAssignment) error {
	for _, a := range assignments {
		rng, ok := a.ShardBoundaries.(*proto.ShardAssignment_Int32HashRange)
		if !ok {
			return errors.New("oxia: unknown shard boundary type")
		}
		if !ownsHash(rng.Int32HashRange.MinHashInclusive, rng.Int32HashRange.MaxHashInclusive, w.partitionHash) {
			continue
		}

		w.mu.Lock()
		w.shardID = a.Shard
		w.leader = a.Leader
		w.mu.Unlock()
		w.once.Do(func() { close(w.ready) })
		return nil
	}
	return errPartitionUnassigned
}

func ownsHash(lo, hi, h uint32) bool {
	return lo <= h && h <= hi
}
