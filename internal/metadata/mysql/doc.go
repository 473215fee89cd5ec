// Package mysql implements the MetadataStore interface on a single MySQL
// (or compatible) table.
//
// Every row holds one registry key, its value and a version. Versions come
// from a one-row sequence table that each write transaction bumps first,
// so writers serialize on that row and a key's version never repeats even
// across delete and re-create.
//
//	store, err := mysql.New(ctx, mysql.Config{
//	    DSN:   "zonegrid:secret@tcp(db:3306)/zonegrid",
//	    Table: "zonegrid_kv",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// Ephemeral keys carry the owning store's session ID and an expiry in
// database time. A keepalive loop pushes the expiry forward while the store
// is open and sweeps rows whose owner stopped renewing. Expired rows are
// invisible to reads before the sweep removes them.
//
// MySQL has no change feed the store can subscribe to, so Notifications
// returns metadata.ErrNotificationsUnsupported and callers poll.
package mysql
