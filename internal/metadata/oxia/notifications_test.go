package oxia

import (
	"context"
	"errors"
	"testing"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/fishmmo/zonegrid/internal/metadata"
)

type fakeNotifications struct {
	ch       chan *oxiaclient.Notification
	closed   bool
	closeErr error
}

func newFakeNotifications() *fakeNotifications {
	return &fakeNotifications{ch: make(chan *oxiaclient.Notification, 16)}
}

func (f *fakeNotifications) Ch() <-chan *oxiaclient.Notification { return f.ch }

func (f *fakeNotifications) Close() error {
	f.closed = true
	return f.closeErr
}

var _ metadata.NotificationStream = (*notificationStream)(nil)

func TestConvertNotification(t *testing.T) {
	instanceKey := "/zonegrid/v1/instances/w1/Forest/srv-1/00000000000000000003"

	tests := []struct {
		name  string
		input *oxiaclient.Notification
		want  metadata.Notification
	}{
		{
			name:  "created",
			input: &oxiaclient.Notification{Type: oxiaclient.KeyCreated, Key: encodeKey(instanceKey), VersionId: 0},
			want:  metadata.Notification{Key: instanceKey, Version: 1},
		},
		{
			name:  "modified",
			input: &oxiaclient.Notification{Type: oxiaclient.KeyModified, Key: encodeKey(instanceKey), VersionId: 6},
			want:  metadata.Notification{Key: instanceKey, Version: 7},
		},
		{
			name:  "deleted",
			input: &oxiaclient.Notification{Type: oxiaclient.KeyDeleted, Key: encodeKey(instanceKey), VersionId: -1},
			want:  metadata.Notification{Key: instanceKey, Deleted: true},
		},
		{
			name:  "range deleted",
			input: &oxiaclient.Notification{Type: oxiaclient.KeyRangeRangeDeleted, Key: encodeKey("/zonegrid/v1/requests/w1/")},
			want:  metadata.Notification{Key: "/zonegrid/v1/requests/w1/", Deleted: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := convertNotification(tt.input); got != tt.want {
				t.Errorf("convertNotification = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNotificationStreamNext(t *testing.T) {
	fake := newFakeNotifications()
	stream := &notificationStream{notifications: fake, ctx: context.Background()}
	defer stream.Close()

	key := "/zonegrid/v1/servers/srv-1"
	go func() {
		time.Sleep(10 * time.Millisecond)
		fake.ch <- &oxiaclient.Notification{Type: oxiaclient.KeyCreated, Key: encodeKey(key), VersionId: 0}
	}()

	n, err := stream.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if n.Key != key || n.Version != 1 || n.Deleted {
		t.Errorf("unexpected notification %+v", n)
	}
}

func TestNotificationStreamOrdering(t *testing.T) {
	fake := newFakeNotifications()
	stream := &notificationStream{notifications: fake, ctx: context.Background()}
	defer stream.Close()

	const count = 50
	go func() {
		for i := 0; i < count; i++ {
			fake.ch <- &oxiaclient.Notification{
				Type:      oxiaclient.KeyModified,
				Key:       encodeKey("/zonegrid/v1/requests/w1/Forest"),
				VersionId: int64(i),
			}
		}
	}()

	for i := 0; i < count; i++ {
		n, err := stream.Next(context.Background())
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if n.Version != metadata.Version(i+1) {
			t.Fatalf("notification %d has version %d", i, n.Version)
		}
	}
}

func TestNotificationStreamCancellation(t *testing.T) {
	t.Run("call context", func(t *testing.T) {
		stream := &notificationStream{notifications: newFakeNotifications(), ctx: context.Background()}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := stream.Next(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})

	t.Run("stream context", func(t *testing.T) {
		streamCtx, cancel := context.WithCancel(context.Background())
		stream := &notificationStream{notifications: newFakeNotifications(), ctx: streamCtx}
		cancel()
		if _, err := stream.Next(context.Background()); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})

	t.Run("deadline", func(t *testing.T) {
		stream := &notificationStream{notifications: newFakeNotifications(), ctx: context.Background()}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if _, err := stream.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want context.DeadlineExceeded", err)
		}
	})
}

func TestNotificationStreamChannelClosed(t *testing.T) {
	fake := newFakeNotifications()
	stream := &notificationStream{notifications: fake, ctx: context.Background()}
	close(fake.ch)

	if _, err := stream.Next(context.Background()); !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("err = %v, want ErrStoreClosed", err)
	}
}

func TestNotificationStreamClose(t *testing.T) {
	fake := newFakeNotifications()
	stream := &notificationStream{notifications: fake, ctx: context.Background()}
	if err := stream.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if !fake.closed {
		t.Error("underlying notifications should be closed")
	}

	failing := newFakeNotifications()
	failing.closeErr = errors.New("close failed")
	stream = &notificationStream{notifications: failing, ctx: context.Background()}
	if err := stream.Close(); err == nil || err.Error() != "close failed" {
		t.Errorf("Close error = %v", err)
	}
}
