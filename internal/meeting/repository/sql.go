package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vexly/botmanager/internal/common/tracing"
	"github.com/vexly/botmanager/internal/db"
	"github.com/vexly/botmanager/internal/db/dialect"
	"github.com/vexly/botmanager/internal/meeting/models"
	"github.com/vexly/botmanager/internal/meeting/status"
)

// SQLStore implements Store on SQLite or PostgreSQL through a db.Pool.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore creates the store and initializes the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	store := &SQLStore{pool: pool}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }

func (s *SQLStore) writer() *sqlx.DB { return s.pool.Writer() }
func (s *SQLStore) reader() *sqlx.DB { return s.pool.Reader() }

// initSchema creates the tables if they don't exist.
func (s *SQLStore) initSchema() error {
	_, err := s.writer().Exec(`
	CREATE TABLE IF NOT EXISTS meetings (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		platform_specific_id TEXT NOT NULL,
		status TEXT NOT NULL,
		bot_container_id TEXT,
		start_time TIMESTAMP,
		end_time TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		data TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_meetings_tuple ON meetings(user_id, platform, platform_specific_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_meetings_user_status ON meetings(user_id, status);

	CREATE TABLE IF NOT EXISTS meeting_sessions (
		meeting_id TEXT NOT NULL,
		session_uid TEXT NOT NULL UNIQUE,
		session_start_time TIMESTAMP NOT NULL,
		PRIMARY KEY (meeting_id, session_uid),
		FOREIGN KEY (meeting_id) REFERENCES meetings(id)
	);

	CREATE INDEX IF NOT EXISTS idx_meeting_sessions_meeting ON meeting_sessions(meeting_id, session_start_time);
	`)
	return err
}

const meetingColumns = `id, user_id, platform, platform_specific_id, status, bot_container_id, start_time, end_time, created_at, data`

// activeStatusClause returns a "status IN (...)" fragment plus its args.
func activeStatusClause() (string, []any) {
	placeholders := make([]string, len(status.ActiveSet))
	args := make([]any, len(status.ActiveSet))
	for i, st := range status.ActiveSet {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return "status IN (" + strings.Join(placeholders, ", ") + ")", args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (*models.Meeting, error) {
	m := &models.Meeting{}
	var containerID sql.NullString
	var startTime, endTime sql.NullTime
	var data string

	err := row.Scan(&m.ID, &m.UserID, &m.Platform, &m.PlatformSpecificID, &m.Status,
		&containerID, &startTime, &endTime, &m.CreatedAt, &data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if containerID.Valid {
		m.BotContainerID = &containerID.String
	}
	if startTime.Valid {
		t := startTime.Time
		m.StartTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		m.EndTime = &t
	}
	m.Data = map[string]any{}
	_ = json.Unmarshal([]byte(data), &m.Data)
	return m, nil
}

// CreateMeeting inserts a new REQUESTED row, guarding the uniqueness
// invariant with a select over the active-set statuses inside the same
// transaction.
func (s *SQLStore) CreateMeeting(ctx context.Context, m *models.Meeting) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = status.Requested
	}
	if m.Data == nil {
		m.Data = map[string]any{}
	}
	m.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(m.Data)
	if err != nil {
		data = []byte("{}")
	}

	w := s.writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	clause, clauseArgs := activeStatusClause()
	args := append([]any{m.UserID, string(m.Platform), m.PlatformSpecificID}, clauseArgs...)

	var active int
	err = tx.QueryRowContext(ctx, w.Rebind(`
		SELECT COUNT(*) FROM meetings
		WHERE user_id = ? AND platform = ? AND platform_specific_id = ? AND `+clause,
	), args...).Scan(&active)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if active > 0 {
		_ = tx.Rollback()
		return ErrConflict
	}

	_, err = tx.ExecContext(ctx, w.Rebind(`
		INSERT INTO meetings (id, user_id, platform, platform_specific_id, status, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), m.ID, m.UserID, string(m.Platform), m.PlatformSpecificID, string(m.Status), m.CreatedAt, string(data))
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback meeting insert: %w", rollbackErr)
		}
		return err
	}

	return tx.Commit()
}

// Get retrieves a meeting by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*models.Meeting, error) {
	r := s.reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT `+meetingColumns+` FROM meetings WHERE id = ?
	`), id)
	return scanMeeting(row)
}

// FindLatest returns the most recent meeting for the tuple.
func (s *SQLStore) FindLatest(ctx context.Context, userID string, platform models.Platform, nativeID string) (*models.Meeting, error) {
	r := s.reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT `+meetingColumns+` FROM meetings
		WHERE user_id = ? AND platform = ? AND platform_specific_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`), userID, string(platform), nativeID)
	return scanMeeting(row)
}

// FindBySessionUID resolves a meeting through its session row.
func (s *SQLStore) FindBySessionUID(ctx context.Context, sessionUID string) (*models.Meeting, error) {
	r := s.reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT m.`+strings.ReplaceAll(meetingColumns, ", ", ", m.")+`
		FROM meetings m
		JOIN meeting_sessions s ON s.meeting_id = m.id
		WHERE s.session_uid = ?
	`), sessionUID)
	return scanMeeting(row)
}

// ApplyTransition validates and commits a single status transition.
func (s *SQLStore) ApplyTransition(ctx context.Context, meetingID string, target status.Status, opts TransitionOptions) (*models.Meeting, bool, error) {
	w := s.writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	rollback := func() {
		_ = tx.Rollback()
	}

	// Re-read the current status inside the transaction so concurrent
	// writers are validated against the committed state.
	query := `SELECT ` + meetingColumns + ` FROM meetings WHERE id = ?`
	if dialect.IsPostgres(w.DriverName()) {
		query += " FOR UPDATE"
	}
	m, err := scanMeeting(tx.QueryRowContext(ctx, w.Rebind(query), meetingID))
	if err != nil {
		rollback()
		return nil, false, err
	}

	if !status.CanTransition(m.Status, target) {
		rollback()
		return m, false, nil
	}

	// Rebuild the metadata bag as a fresh map on every write.
	data := m.CloneData()

	// Migrate the deprecated plural key: merge prior entries into the
	// canonical list, then drop it.
	transitions := m.Transitions()
	if legacy, ok := data[models.DataKeyTransitionsDeprecated]; ok {
		if legacyList, ok := legacy.([]any); ok {
			for _, item := range legacyList {
				if entry, ok := item.(map[string]any); ok {
					transitions = append(transitions, entry)
				}
			}
		}
		delete(data, models.DataKeyTransitionsDeprecated)
	}
	transitions = append(transitions, status.NewTransitionEntry(m.Status, target, opts.Metadata))
	data[models.DataKeyTransitions] = transitions

	if opts.SetStopRequested {
		data[models.DataKeyStopRequested] = true
	}
	if opts.LastError != nil {
		data[models.DataKeyLastError] = opts.LastError
	}

	now := time.Now().UTC()
	startTime := m.StartTime
	if target == status.Active && startTime == nil {
		startTime = &now
	}
	endTime := m.EndTime
	if status.IsTerminal(target) {
		endTime = &now
	}
	containerID := m.BotContainerID
	if opts.RebindContainerID != nil {
		containerID = opts.RebindContainerID
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		rollback()
		return nil, false, fmt.Errorf("failed to marshal meeting data: %w", err)
	}

	_, err = tx.ExecContext(ctx, w.Rebind(`
		UPDATE meetings
		SET status = ?, data = ?, start_time = ?, end_time = ?, bot_container_id = ?
		WHERE id = ?
	`), string(target), string(encoded), startTime, endTime, containerID, meetingID)
	if err != nil {
		rollback()
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	refreshed, err := s.getFromWriter(ctx, meetingID)
	if err != nil {
		return nil, true, err
	}
	return refreshed, true, nil
}

// getFromWriter reads through the writer connection so a row committed a
// moment ago is always visible (the reader pool may lag a WAL snapshot).
func (s *SQLStore) getFromWriter(ctx context.Context, id string) (*models.Meeting, error) {
	w := s.writer()
	row := w.QueryRowContext(ctx, w.Rebind(`
		SELECT `+meetingColumns+` FROM meetings WHERE id = ?
	`), id)
	return scanMeeting(row)
}

// SetBotContainerID persists the runtime handle.
func (s *SQLStore) SetBotContainerID(ctx context.Context, meetingID, containerID string) error {
	w := s.writer()
	result, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE meetings SET bot_container_id = ? WHERE id = ?
	`), containerID, meetingID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStopRequested sets the stop latch inside data, rebuilding the map.
func (s *SQLStore) SetStopRequested(ctx context.Context, meetingID string) error {
	w := s.writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	m, err := scanMeeting(tx.QueryRowContext(ctx, w.Rebind(`
		SELECT `+meetingColumns+` FROM meetings WHERE id = ?
	`), meetingID))
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	data := m.CloneData()
	data[models.DataKeyStopRequested] = true
	encoded, err := json.Marshal(data)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to marshal meeting data: %w", err)
	}

	if _, err := tx.ExecContext(ctx, w.Rebind(`
		UPDATE meetings SET data = ? WHERE id = ?
	`), string(encoded), meetingID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CountActiveForUser counts the user's meetings in the active set.
func (s *SQLStore) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	ctx, span := tracing.Tracer("botmanager-db").Start(ctx, "db.CountActiveForUser")
	defer span.End()

	clause, clauseArgs := activeStatusClause()
	args := append([]any{userID}, clauseArgs...)

	r := s.reader()
	var count int
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT COUNT(*) FROM meetings WHERE user_id = ? AND `+clause,
	), args...).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RecordSessionStart appends a session row; duplicates are ignored.
func (s *SQLStore) RecordSessionStart(ctx context.Context, meetingID, sessionUID string) error {
	w := s.writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO meeting_sessions (meeting_id, session_uid, session_start_time)
		VALUES (?, ?, ?)
		ON CONFLICT (meeting_id, session_uid) DO NOTHING
	`), meetingID, sessionUID, time.Now().UTC())
	return err
}

// EarliestSessionUID returns the original connection id for the meeting.
func (s *SQLStore) EarliestSessionUID(ctx context.Context, meetingID string) (string, error) {
	return s.sessionUID(ctx, meetingID, "ASC")
}

// LatestSessionUID returns the current connection id for the meeting.
func (s *SQLStore) LatestSessionUID(ctx context.Context, meetingID string) (string, error) {
	return s.sessionUID(ctx, meetingID, "DESC")
}

func (s *SQLStore) sessionUID(ctx context.Context, meetingID, order string) (string, error) {
	r := s.reader()
	var uid string
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT session_uid FROM meeting_sessions
		WHERE meeting_id = ?
		ORDER BY session_start_time `+order+`, session_uid `+order+`
		LIMIT 1
	`), meetingID).Scan(&uid)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return uid, nil
}
