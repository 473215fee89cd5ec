// Package oxia implements the MetadataStore interface on Oxia.
//
// The zonegrid registry is small (one row per process, instance and pending
// scene) and needs multi-key transactions, so every key is routed through a
// single partition key. All registry rows then share one shard and any
// transaction is shard-local.
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "zonegrid",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// Key layout:
//
// Oxia compares keys segment by segment on '/', so a range scan over a
// "dir/" prefix only returns direct children. Registry listings need every
// descendant (instances live four levels below their prefix), so the store
// rewrites '/' to the 0x1f unit separator on the way in and back on the way
// out. Callers always see plain '/'-separated keys.
//
// Ephemeral keys:
//
// PutEphemeral binds a key to the client session. The reaper lease uses
// this so a crashed reaper releases the lease when its session times out.
//
// Notifications:
//
// Notifications streams every change in the namespace; brokers watch the
// instance prefix to flush their wait queues early.
package oxia
