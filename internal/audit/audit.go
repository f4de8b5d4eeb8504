package audit

// #region imports
import (
	"database/sql"
	"fmt"
	"time"
)

// #endregion

// #region entry

// Entry is a single row in the audit_log table. Every parameter mutation in
// the core records one, whoever made it.
type Entry struct {
	Domain    string // "adaptive" | "selfopt" | "rollback"
	Subject   string // parameter name or file id
	Action    string // "adjust" | "apply" | "reject" | "rollback" | "skip"
	OldValue  string
	NewValue  string
	Reason    string
	Actor     string // "system" | "operator" | model identifier
	CreatedAt time.Time
}

// #endregion entry

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	domain     TEXT NOT NULL,
	subject    TEXT NOT NULL,
	action     TEXT NOT NULL,
	old_value  TEXT,
	new_value  TEXT,
	reason     TEXT,
	actor      TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_subject
ON audit_log(domain, subject);
`

// EnsureSchema creates the audit table if missing. Callers share the
// snapshot store's database handle.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

// #endregion schema

// #region log

// Log writes an audit entry.
func Log(db *sql.DB, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO audit_log (domain, subject, action, old_value, new_value, reason, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Domain,
		entry.Subject,
		entry.Action,
		nullIfEmpty(entry.OldValue),
		nullIfEmpty(entry.NewValue),
		nullIfEmpty(entry.Reason),
		entry.Actor,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log audit entry: %w", err)
	}
	return nil
}

// #endregion log

// #region recent

// Recent returns the newest n entries, newest first. domain filters when
// non-empty.
func Recent(db *sql.DB, domain string, n int) ([]Entry, error) {
	query := `SELECT domain, subject, action, old_value, new_value, reason, actor, created_at
		 FROM audit_log`
	args := []any{}
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY rowid DESC LIMIT ?`
	args = append(args, n)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var oldV, newV, reason sql.NullString
		var createdStr string
		if err := rows.Scan(&e.Domain, &e.Subject, &e.Action, &oldV, &newV, &reason, &e.Actor, &createdStr); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.OldValue = oldV.String
		e.NewValue = newV.String
		e.Reason = reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// #endregion recent

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
