package oxia

import (
	"context"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/fishmmo/zonegrid/internal/metadata"
)

// notificationStream implements metadata.NotificationStream for Oxia.
type notificationStream struct {
	notifications oxiaclient.Notifications
	ctx           context.Context
}

// Next blocks until the next notification is available or either context
// is cancelled.
func (s *notificationStream) Next(ctx context.Context) (metadata.Notification, error) {
	select {
	case <-ctx.Done():
		return metadata.Notification{}, ctx.Err()
	case <-s.ctx.Done():
		return metadata.Notification{}, s.ctx.Err()
	case n, ok := <-s.notifications.Ch():
		if !ok {
			return metadata.Notification{}, metadata.ErrStoreClosed
		}
		return convertNotification(n), nil
	}
}

// Close releases resources associated with the stream.
func (s *notificationStream) Close() error {
	return s.notifications.Close()
}

// convertNotification maps an Oxia notification onto the registry's view:
// keys are decoded back to '/' form and versions shifted to the 1-based
// scheme. Deletions carry version 0.
func convertNotification(n *oxiaclient.Notification) metadata.Notification {
	result := metadata.Notification{Key: decodeKey(n.Key)}

	switch n.Type {
	case oxiaclient.KeyDeleted, oxiaclient.KeyRangeRangeDeleted:
		result.Deleted = true
	default:
		result.Version = oxiaToMetadataVersion(n.VersionId)
	}

	return result
}
