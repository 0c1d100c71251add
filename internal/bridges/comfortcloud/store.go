package comfortcloud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// settingAppVersion is the settings key holding the renegotiated app version.
const settingAppVersion = "app_version"

// commandTimeLayout has fixed-width fractions so stored timestamps sort as text.
const commandTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// CommandLog records control commands and their outcomes.
type CommandLog interface {
	RecordCommand(ctx context.Context, cmd *PendingCommand) error
	ResolveCommand(ctx context.Context, cmd *PendingCommand) error
}

// CommandFilter controls which commands ListCommands returns.
type CommandFilter struct {
	Status CommandStatus // optional
	Limit  int           // default 50, max 200
	Offset int
}

// CommandPage is one page of command history.
type CommandPage struct {
	Commands []PendingCommand `json:"commands"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// SQLiteStore persists settings and the command log.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an already migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// LoadAppVersion returns the persisted app version, if any.
func (s *SQLiteStore) LoadAppVersion(ctx context.Context) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingAppVersion).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading app version: %w", err)
	}
	return v, true, nil
}

// SaveAppVersion stores the app version.
func (s *SQLiteStore) SaveAppVersion(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		settingAppVersion, version, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving app version: %w", err)
	}
	return nil
}

// RecordCommand inserts a pending command.
func (s *SQLiteStore) RecordCommand(ctx context.Context, cmd *PendingCommand) error {
	requested, err := json.Marshal(cmd.RequestedValue)
	if err != nil {
		return fmt.Errorf("marshalling requested value: %w", err)
	}
	payload, err := json.Marshal(cmd.VendorPayload)
	if err != nil {
		return fmt.Errorf("marshalling vendor payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO command_log (id, field, requested_value, vendor_payload, status, issued_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cmd.ID, string(cmd.Field), string(requested), string(payload), string(cmd.Status),
		cmd.IssuedAt.UTC().Format(commandTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// ResolveCommand stores the final status of a command.
func (s *SQLiteStore) ResolveCommand(ctx context.Context, cmd *PendingCommand) error {
	var resolvedAt any
	if !cmd.ResolvedAt.IsZero() {
		resolvedAt = cmd.ResolvedAt.UTC().Format(commandTimeLayout)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE command_log SET status = ?, resolved_at = ?, error = ? WHERE id = ?`,
		string(cmd.Status), resolvedAt, nullableString(cmd.Error), cmd.ID,
	)
	if err != nil {
		return fmt.Errorf("updating command: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating command %s: not found", cmd.ID)
	}
	return nil
}

// ListCommands returns commands newest first.
func (s *SQLiteStore) ListCommands(ctx context.Context, filter CommandFilter) (*CommandPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	where := ""
	var args []any
	if filter.Status != "" {
		where = "WHERE status = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM command_log " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting commands: %w", err)
	}

	query := "SELECT id, field, requested_value, vendor_payload, status, issued_at, resolved_at, error FROM command_log " +
		where + " ORDER BY issued_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	cmds := []PendingCommand{}
	for rows.Next() {
		var (
			cmd                     PendingCommand
			field, status, issuedAt string
			requested, payload      string
			resolvedAt, errText     sql.NullString
		)
		if err := rows.Scan(&cmd.ID, &field, &requested, &payload, &status, &issuedAt, &resolvedAt, &errText); err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		cmd.Field = Field(field)
		cmd.Status = CommandStatus(status)
		if json.Unmarshal([]byte(requested), &cmd.RequestedValue) != nil {
			cmd.RequestedValue = requested
		}
		//nolint:errcheck // a corrupt payload leaves the zero value
		json.Unmarshal([]byte(payload), &cmd.VendorPayload)

		if cmd.IssuedAt, err = time.Parse(commandTimeLayout, issuedAt); err != nil {
			return nil, fmt.Errorf("parsing command timestamp %q: %w", issuedAt, err)
		}
		if resolvedAt.Valid {
			if t, err := time.Parse(commandTimeLayout, resolvedAt.String); err == nil {
				cmd.ResolvedAt = t
			}
		}
		if errText.Valid {
			cmd.Error = errText.String
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}

	return &CommandPage{Commands: cmds, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
