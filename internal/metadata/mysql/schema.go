package mysql

import (
	"context"
	"fmt"
	"regexp"

	"github.com/pkg/errors"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,59}$`)

// nowMs is the database clock in unix milliseconds. Expiry always uses
// database time so clock skew between processes does not matter.
const nowMs = "CAST(UNIX_TIMESTAMP(NOW(3)) * 1000 AS SIGNED)"

// statements holds the SQL for one table pair, rendered once at startup.
type statements struct {
	createKV  string
	createSeq string
	seedSeq   string

	nextVersion string
	selectRow   string
	lockRow     string
	upsertRow   string
	upsertEphem string
	deleteRow   string
	listFrom    string
	listRange   string

	renewSession string
	sweepExpired string
	dropSession  string
}

func newStatements(table string) (statements, error) {
	if !tableNamePattern.MatchString(table) {
		return statements{}, errors.Errorf("mysql: invalid table name %q", table)
	}
	kv := "`" + table + "`"
	seq := "`" + table + "_seq`"
	live := "(expires_at IS NULL OR expires_at > " + nowMs + ")"

	return statements{
		createKV: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  k VARBINARY(512) NOT NULL,
  v LONGBLOB NOT NULL,
  version BIGINT NOT NULL,
  session VARCHAR(64) NULL,
  expires_at BIGINT NULL,
  PRIMARY KEY (k),
  KEY idx_session (session)
) ENGINE=InnoDB`, kv),
		createSeq: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id TINYINT NOT NULL,
  v BIGINT NOT NULL,
  PRIMARY KEY (id)
) ENGINE=InnoDB`, seq),
		seedSeq: fmt.Sprintf("INSERT IGNORE INTO %s (id, v) VALUES (1, 0)", seq),

		nextVersion: fmt.Sprintf("UPDATE %s SET v = LAST_INSERT_ID(v + 1) WHERE id = 1", seq),
		selectRow:   fmt.Sprintf("SELECT v, version FROM %s WHERE k = ? AND %s", kv, live),
		lockRow:     fmt.Sprintf("SELECT v, version FROM %s WHERE k = ? AND %s FOR UPDATE", kv, live),
		upsertRow: fmt.Sprintf(`INSERT INTO %s (k, v, version, session, expires_at) VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE v = VALUES(v), version = VALUES(version), session = VALUES(session), expires_at = VALUES(expires_at)`, kv),
		upsertEphem: fmt.Sprintf(`INSERT INTO %s (k, v, version, session, expires_at) VALUES (?, ?, ?, ?, %s + ?)
ON DUPLICATE KEY UPDATE v = VALUES(v), version = VALUES(version), session = VALUES(session), expires_at = VALUES(expires_at)`, kv, nowMs),
		deleteRow: fmt.Sprintf("DELETE FROM %s WHERE k = ?", kv),
		listFrom:  fmt.Sprintf("SELECT k, v, version FROM %s WHERE k >= ? AND %s ORDER BY k", kv, live),
		listRange: fmt.Sprintf("SELECT k, v, version FROM %s WHERE k >= ? AND k < ? AND %s ORDER BY k", kv, live),

		renewSession: fmt.Sprintf("UPDATE %s SET expires_at = %s + ? WHERE session = ?", kv, nowMs),
		sweepExpired: fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= %s", kv, nowMs),
		dropSession:  fmt.Sprintf("DELETE FROM %s WHERE session = ?", kv),
	}, nil
}

// ensureSchema creates the tables if they are missing.
func ensureSchema(ctx context.Context, db execer, st statements) error {
	for _, q := range []string{st.createKV, st.createSeq, st.seedSeq} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "mysql: create schema")
		}
	}
	return nil
}
