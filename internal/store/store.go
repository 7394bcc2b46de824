// Package store persists the durable sync state: user accounts with
// their Google credentials and dedicated calendar id, and the mapping
// from (desired event, user) to the remote event it produced.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit caps the WAL file at 64 MiB.
const walJournalSizeLimit = 67108864

// Account is one linked user: the Telegram chat that owns the link, the
// stored OAuth2 refresh token, and the lazily created calendar.
type Account struct {
	UserID       string // Modeus attendee id
	ChatID       int64
	RefreshToken string
	CalendarID   string // empty until the calendar is first created
	UpdatedAt    int64  // unix seconds
}

// Linked reports whether the account has a credential to sync with.
func (a *Account) Linked() bool {
	return a != nil && a.RefreshToken != ""
}

// Mapping links one desired event to the remote event written for one
// user. The (EventID, UserID) pair is the composite key.
type Mapping struct {
	EventID       string
	UserID        string
	RemoteEventID string
	WrittenAt     int64 // unix seconds of the last successful write
}

// LinkAttempt is a pending OAuth2 authorization code dropped off by the
// bot layer, waiting for the next run to exchange it.
type LinkAttempt struct {
	ChatID    int64
	UserID    string
	AuthCode  string
	CreatedAt int64
}

// Store is the SQLite-backed mapping store. All reads may run
// concurrently; writes during a sync run go through a MutationQueue and
// are applied sequentially by the flush phase.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	mappingStmts mappingStatements
	accountStmts accountStatements
	linkStmts    linkStatements
}

type mappingStatements struct {
	find, listForUser, upsert, delete, deleteAll *sql.Stmt
}

type accountStatements struct {
	find, listLinked, saveCalendarID, saveRefreshToken *sql.Stmt
}

type linkStatements struct {
	list, save, delete *sql.Stmt
}

// Open creates a Store at dbPath, applying migrations and preparing all
// repeated statements. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening mapping store", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// The mutation flush is strictly sequential; a single connection
	// also keeps ":memory:" databases coherent in tests.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	logger.Info("mapping store ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("store: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// --- SQL query constants ---

const (
	sqlFindMapping = `SELECT event_id, user_id, remote_event_id, written_at
		FROM event_mappings WHERE event_id = ? AND user_id = ?`

	sqlListMappingsForUser = `SELECT event_id, user_id, remote_event_id, written_at
		FROM event_mappings WHERE user_id = ?`

	sqlUpsertMapping = `INSERT INTO event_mappings
		(event_id, user_id, remote_event_id, written_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(event_id, user_id) DO UPDATE SET
			remote_event_id = excluded.remote_event_id,
			written_at      = excluded.written_at`

	sqlDeleteMapping = `DELETE FROM event_mappings WHERE event_id = ? AND user_id = ?`

	sqlDeleteAllMappings = `DELETE FROM event_mappings`
)

const (
	sqlFindAccount = `SELECT user_id, chat_id, refresh_token,
		COALESCE(calendar_id, ''), updated_at
		FROM accounts WHERE user_id = ?`

	sqlListLinkedAccounts = `SELECT user_id, chat_id, refresh_token,
		COALESCE(calendar_id, ''), updated_at
		FROM accounts WHERE refresh_token != '' ORDER BY user_id`

	sqlSaveCalendarID = `UPDATE accounts
		SET calendar_id = ?, updated_at = ? WHERE user_id = ?`

	sqlSaveRefreshToken = `INSERT INTO accounts
		(user_id, chat_id, refresh_token, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			chat_id       = excluded.chat_id,
			refresh_token = excluded.refresh_token,
			updated_at    = excluded.updated_at`
)

const (
	sqlListLinkAttempts = `SELECT chat_id, user_id, auth_code, created_at
		FROM link_attempts ORDER BY created_at`

	sqlSaveLinkAttempt = `INSERT INTO link_attempts
		(chat_id, user_id, auth_code, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			user_id    = excluded.user_id,
			auth_code  = excluded.auth_code,
			created_at = excluded.created_at`

	sqlDeleteLinkAttempt = `DELETE FROM link_attempts WHERE chat_id = ?`
)

func (s *Store) prepareStatements(ctx context.Context) error {
	prep := func(query string, dst **sql.Stmt) error {
		stmt, err := s.db.PrepareContext(ctx, query)
		if err != nil {
			return err
		}

		*dst = stmt

		return nil
	}

	for _, p := range []struct {
		query string
		dst   **sql.Stmt
	}{
		{sqlFindMapping, &s.mappingStmts.find},
		{sqlListMappingsForUser, &s.mappingStmts.listForUser},
		{sqlUpsertMapping, &s.mappingStmts.upsert},
		{sqlDeleteMapping, &s.mappingStmts.delete},
		{sqlDeleteAllMappings, &s.mappingStmts.deleteAll},
		{sqlFindAccount, &s.accountStmts.find},
		{sqlListLinkedAccounts, &s.accountStmts.listLinked},
		{sqlSaveCalendarID, &s.accountStmts.saveCalendarID},
		{sqlSaveRefreshToken, &s.accountStmts.saveRefreshToken},
		{sqlListLinkAttempts, &s.linkStmts.list},
		{sqlSaveLinkAttempt, &s.linkStmts.save},
		{sqlDeleteLinkAttempt, &s.linkStmts.delete},
	} {
		if err := prep(p.query, p.dst); err != nil {
			return err
		}
	}

	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Mappings ---

// FindMapping returns the mapping for (eventID, userID), or nil if none.
func (s *Store) FindMapping(ctx context.Context, eventID, userID string) (*Mapping, error) {
	var m Mapping

	err := s.mappingStmts.find.QueryRowContext(ctx, eventID, userID).
		Scan(&m.EventID, &m.UserID, &m.RemoteEventID, &m.WrittenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: find mapping: %w", err)
	}

	return &m, nil
}

// ListMappingsForUser returns all mappings for one user.
func (s *Store) ListMappingsForUser(ctx context.Context, userID string) ([]Mapping, error) {
	rows, err := s.mappingStmts.listForUser.QueryContext(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list mappings: %w", err)
	}
	defer rows.Close()

	var out []Mapping

	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.EventID, &m.UserID, &m.RemoteEventID, &m.WrittenAt); err != nil {
			return nil, fmt.Errorf("store: scan mapping: %w", err)
		}

		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list mappings: %w", err)
	}

	return out, nil
}

// UpsertMapping inserts or refreshes a mapping. Idempotent: applying the
// same mapping twice leaves the same stored state.
func (s *Store) UpsertMapping(ctx context.Context, m Mapping) error {
	if _, err := s.mappingStmts.upsert.ExecContext(ctx, m.EventID, m.UserID, m.RemoteEventID, m.WrittenAt); err != nil {
		return fmt.Errorf("store: upsert mapping: %w", err)
	}

	return nil
}

// DeleteMapping removes the mapping for (eventID, userID). Deleting a
// missing mapping is a no-op.
func (s *Store) DeleteMapping(ctx context.Context, eventID, userID string) error {
	if _, err := s.mappingStmts.delete.ExecContext(ctx, eventID, userID); err != nil {
		return fmt.Errorf("store: delete mapping: %w", err)
	}

	return nil
}

// DeleteAllMappings purges the mapping table. Admin reset only.
func (s *Store) DeleteAllMappings(ctx context.Context) error {
	if _, err := s.mappingStmts.deleteAll.ExecContext(ctx); err != nil {
		return fmt.Errorf("store: delete all mappings: %w", err)
	}

	return nil
}

// --- Accounts ---

// FindAccount returns the account for userID, or nil if none.
func (s *Store) FindAccount(ctx context.Context, userID string) (*Account, error) {
	var a Account

	err := s.accountStmts.find.QueryRowContext(ctx, userID).
		Scan(&a.UserID, &a.ChatID, &a.RefreshToken, &a.CalendarID, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: find account: %w", err)
	}

	return &a, nil
}

// ListLinkedAccounts returns every account holding a refresh token,
// i.e. the users a sync run processes.
func (s *Store) ListLinkedAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.accountStmts.listLinked.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list linked accounts: %w", err)
	}
	defer rows.Close()

	var out []Account

	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.UserID, &a.ChatID, &a.RefreshToken, &a.CalendarID, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}

		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list linked accounts: %w", err)
	}

	return out, nil
}

// SaveCalendarID persists the user's dedicated calendar id. An empty
// calendarID stores NULL, returning the account to the "needs creation"
// state (admin reset).
func (s *Store) SaveCalendarID(ctx context.Context, userID, calendarID string) error {
	var id any
	if calendarID != "" {
		id = calendarID
	}

	if _, err := s.accountStmts.saveCalendarID.ExecContext(ctx, id, time.Now().Unix(), userID); err != nil {
		return fmt.Errorf("store: save calendar id: %w", err)
	}

	return nil
}

// SaveRefreshToken stores a newly obtained credential for a user,
// creating the account row on first link.
func (s *Store) SaveRefreshToken(ctx context.Context, userID string, chatID int64, refreshToken string) error {
	if _, err := s.accountStmts.saveRefreshToken.ExecContext(ctx, userID, chatID, refreshToken, time.Now().Unix()); err != nil {
		return fmt.Errorf("store: save refresh token: %w", err)
	}

	return nil
}

// --- Link attempts ---

// ListLinkAttempts returns pending authorization codes oldest-first.
func (s *Store) ListLinkAttempts(ctx context.Context) ([]LinkAttempt, error) {
	rows, err := s.linkStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list link attempts: %w", err)
	}
	defer rows.Close()

	var out []LinkAttempt

	for rows.Next() {
		var la LinkAttempt
		if err := rows.Scan(&la.ChatID, &la.UserID, &la.AuthCode, &la.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan link attempt: %w", err)
		}

		out = append(out, la)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list link attempts: %w", err)
	}

	return out, nil
}

// SaveLinkAttempt records an authorization code dropped off by the bot
// layer. A newer code for the same chat replaces the old one.
func (s *Store) SaveLinkAttempt(ctx context.Context, la LinkAttempt) error {
	if _, err := s.linkStmts.save.ExecContext(ctx, la.ChatID, la.UserID, la.AuthCode, la.CreatedAt); err != nil {
		return fmt.Errorf("store: save link attempt: %w", err)
	}

	return nil
}

// DeleteLinkAttempt removes a pending code once processed (or failed —
// codes are single-use either way).
func (s *Store) DeleteLinkAttempt(ctx context.Context, chatID int64) error {
	if _, err := s.linkStmts.delete.ExecContext(ctx, chatID); err != nil {
		return fmt.Errorf("store: delete link attempt: %w", err)
	}

	return nil
}
