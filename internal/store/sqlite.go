package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/deep-research/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied to every pooled connection through the DSN.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

// sqliteDSN turns a path into a file URI carrying the connection pragmas.
// Write transactions begin IMMEDIATE so concurrent writers wait on the busy
// timeout instead of failing on lock upgrade.
func sqliteDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	params := make([]string, 0, len(sqlitePragmas)+1)
	for _, p := range sqlitePragmas {
		params = append(params, "_pragma="+p)
	}
	params = append(params, "_txlock=immediate")

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS extraction_schemas (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	fields      TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS research_sessions (
	id              TEXT PRIMARY KEY,
	query_text      TEXT NOT NULL,
	mode            TEXT NOT NULL DEFAULT 'deep',
	stage           TEXT NOT NULL DEFAULT 'interview',
	status          TEXT NOT NULL DEFAULT 'created',
	interview_data  TEXT,
	criteria        TEXT NOT NULL DEFAULT '',
	proposed_schema TEXT,
	schema_id       TEXT REFERENCES extraction_schemas(id),
	result_limit    INTEGER NOT NULL DEFAULT 0,
	summary         TEXT NOT NULL DEFAULT '',
	reasoning       TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS lots (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL UNIQUE,
	title       TEXT NOT NULL DEFAULT '',
	price       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	image_path  TEXT NOT NULL DEFAULT '',
	raw_payload TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS session_lots (
	session_id TEXT NOT NULL REFERENCES research_sessions(id),
	lot_id     TEXT NOT NULL REFERENCES lots(id),
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (session_id, lot_id)
);

CREATE TABLE IF NOT EXISTS analyzed_lots (
	id               TEXT PRIMARY KEY,
	lot_id           TEXT NOT NULL REFERENCES lots(id),
	session_id       TEXT NOT NULL REFERENCES research_sessions(id),
	schema_id        TEXT,
	position         INTEGER NOT NULL DEFAULT 0,
	structured_data  TEXT NOT NULL DEFAULT '{}',
	relevance_score  INTEGER NOT NULL DEFAULT 0,
	relevance_note   TEXT NOT NULL DEFAULT '',
	visual_note      TEXT NOT NULL DEFAULT '',
	tournament_score REAL NOT NULL DEFAULT 0,
	ranked           INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (lot_id, session_id)
);

CREATE TABLE IF NOT EXISTS session_phases (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES research_sessions(id),
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	result      TEXT,
	started_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sessions_claim ON research_sessions(status, stage, created_at);
CREATE INDEX IF NOT EXISTS idx_analyzed_lots_session ON analyzed_lots(session_id);
CREATE INDEX IF NOT EXISTS idx_session_phases_session ON session_phases(session_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sqliteSessionColumns = `id, query_text, mode, stage, status, interview_data, criteria,
	proposed_schema, schema_id, result_limit, summary, reasoning, created_at, updated_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.ResearchSession) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	if sess.Mode == "" {
		sess.Mode = model.ModeDeep
	}
	if sess.Stage == "" {
		sess.Stage = model.StageInterview
	}
	if sess.Status == "" {
		sess.Status = model.StatusCreated
	}

	interview, err := json.Marshal(sess.InterviewData)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal interview data")
	}
	var proposed sql.NullString
	if sess.ProposedSchema != nil {
		b, err := json.Marshal(sess.ProposedSchema)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal proposed schema")
		}
		proposed = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO research_sessions (`+sqliteSessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.QueryText, string(sess.Mode), string(sess.Stage), string(sess.Status),
		string(interview), sess.Criteria, proposed, nullString(sess.SchemaID), sess.Limit,
		sess.Summary, sess.Reasoning, now, now,
	)
	return eris.Wrap(err, "sqlite: insert session")
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.ResearchSession, error) {
	return s.getSession(ctx, s.db, id)
}

func (s *SQLiteStore) getSession(ctx context.Context, q queryer, id string) (*model.ResearchSession, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM research_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	return sess, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.ResearchSession, error) {
	query := `SELECT ` + sqliteSessionColumns + ` FROM research_sessions WHERE 1=1`
	var args []any

	if filter.Mode != "" {
		query += ` AND mode = ?`
		args = append(args, string(filter.Mode))
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var out []model.ResearchSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) TransitionSession(ctx context.Context, id string, from []model.Stage, patch model.SessionPatch) (*model.ResearchSession, error) {
	assigns, err := patchAssignments(patch, func(b []byte) any { return string(b) })
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: transition session")
	}

	sets := make([]string, 0, len(assigns)+1)
	args := make([]any, 0, len(assigns)+len(from)+len(patch.FromStatus)+2)
	for _, a := range assigns {
		sets = append(sets, a.col+" = ?")
		args = append(args, a.val)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := `UPDATE research_sessions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	if len(from) > 0 {
		query += ` AND stage IN (` + placeholders(len(from)) + `)`
		for _, st := range from {
			args = append(args, string(st))
		}
	}
	if len(patch.FromStatus) > 0 {
		query += ` AND status IN (` + placeholders(len(patch.FromStatus)) + `)`
		for _, st := range patch.FromStatus {
			args = append(args, string(st))
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: transition session %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return sess, eris.Wrapf(ErrStageConflict, "session %s is in stage %s (%s)", id, sess.Stage, sess.Status)
	}
	return sess, nil
}

func (s *SQLiteStore) ClaimNextSession(ctx context.Context) (*model.ResearchSession, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`UPDATE research_sessions SET status = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM research_sessions
			WHERE status = ? AND stage = ?
			ORDER BY created_at, id LIMIT 1
		 ) AND status = ?
		 RETURNING id`,
		string(model.StatusProcessing), time.Now().UTC(),
		string(model.StatusConfirmed), string(model.StageParsing),
		string(model.StatusConfirmed),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim next session")
	}
	return s.GetSession(ctx, id)
}

func (s *SQLiteStore) GetSessionReport(ctx context.Context, id string) (*model.SessionReport, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin report tx")
	}
	defer tx.Rollback()

	sess, err := s.getSession(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	lots, err := s.listAnalyzedLots(ctx, tx, id, LotFilter{AdmittedOnly: true})
	if err != nil {
		return nil, err
	}
	phases, err := s.listPhases(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return &model.SessionReport{Session: *sess, Lots: lots, Phases: phases}, eris.Wrap(tx.Commit(), "sqlite: commit report tx")
}

// --- Schemas ---

func (s *SQLiteStore) SaveSchema(ctx context.Context, schema *model.ExtractionSchema) error {
	if schema.ID == "" {
		schema.ID = uuid.New().String()
	}
	if schema.CreatedAt.IsZero() {
		schema.CreatedAt = time.Now().UTC()
	}
	fields, err := json.Marshal(schema.Fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal schema fields")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extraction_schemas (id, name, description, fields, created_at) VALUES (?, ?, ?, ?, ?)`,
		schema.ID, schema.Name, schema.Description, string(fields), schema.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert schema")
}

func (s *SQLiteStore) GetSchema(ctx context.Context, id string) (*model.ExtractionSchema, error) {
	var schema model.ExtractionSchema
	var fields string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, fields, created_at FROM extraction_schemas WHERE id = ?`, id,
	).Scan(&schema.ID, &schema.Name, &schema.Description, &fields, &schema.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "schema %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get schema")
	}
	if err := json.Unmarshal([]byte(fields), &schema.Fields); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal schema fields")
	}
	return &schema, nil
}

// --- Lots ---

const sqliteLotColumns = `id, url, title, price, description, image_path, raw_payload, created_at, updated_at`

func (s *SQLiteStore) UpsertLotByURL(ctx context.Context, lot *model.Lot) (*model.Lot, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lots (`+sqliteLotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO UPDATE SET
			title = excluded.title,
			price = excluded.price,
			description = excluded.description,
			image_path = CASE WHEN excluded.image_path != '' THEN excluded.image_path ELSE lots.image_path END,
			raw_payload = COALESCE(excluded.raw_payload, lots.raw_payload),
			updated_at = excluded.updated_at`,
		uuid.New().String(), lot.URL, lot.Title, lot.Price, lot.Description, lot.ImagePath,
		nullRaw(lot.RawPayload), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert lot %s", lot.URL)
	}
	return s.GetLotByURL(ctx, lot.URL)
}

func (s *SQLiteStore) GetLotByURL(ctx context.Context, url string) (*model.Lot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteLotColumns+` FROM lots WHERE url = ?`, url)
	lot, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "lot %s", url)
	}
	return lot, err
}

func (s *SQLiteStore) LinkLot(ctx context.Context, sessionID, lotID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_lots (session_id, lot_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id, lot_id) DO NOTHING`,
		sessionID, lotID, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: link lot %s to session %s", lotID, sessionID)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

// --- Analysis ---

func (s *SQLiteStore) SaveAnalyzedLot(ctx context.Context, a *model.AnalyzedLot) error {
	data, err := encodeStructured(a.StructuredData)
	if err != nil {
		return eris.Wrap(err, "sqlite: save analyzed lot")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO analyzed_lots (id, lot_id, session_id, schema_id, position, structured_data,
			relevance_score, relevance_note, visual_note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (lot_id, session_id) DO UPDATE SET
			schema_id = excluded.schema_id,
			structured_data = excluded.structured_data,
			relevance_score = excluded.relevance_score,
			relevance_note = excluded.relevance_note,
			visual_note = excluded.visual_note
		 RETURNING id, position`,
		a.ID, a.LotID, a.SessionID, nullString(a.SchemaID), a.Position, string(data),
		a.RelevanceScore, a.RelevanceNote, a.VisualNote, a.CreatedAt,
	).Scan(&a.ID, &a.Position)
	return eris.Wrapf(err, "sqlite: save analyzed lot %s", a.LotID)
}

func (s *SQLiteStore) GetAnalyzedLot(ctx context.Context, sessionID, lotID string) (*model.AnalyzedLot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAnalyzedColumns+` FROM analyzed_lots a JOIN lots l ON l.id = a.lot_id
		 WHERE a.session_id = ? AND a.lot_id = ?`,
		sessionID, lotID,
	)
	a, err := scanAnalyzedLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "analyzed lot %s in session %s", lotID, sessionID)
	}
	return a, err
}

func (s *SQLiteStore) ListAnalyzedLots(ctx context.Context, sessionID string, filter LotFilter) ([]model.AnalyzedLot, error) {
	return s.listAnalyzedLots(ctx, s.db, sessionID, filter)
}

const sqliteAnalyzedColumns = `a.id, a.lot_id, a.session_id, a.schema_id, a.position, a.structured_data,
	a.relevance_score, a.relevance_note, a.visual_note, a.tournament_score, a.ranked, a.created_at,
	l.id, l.url, l.title, l.price, l.description, l.image_path, l.raw_payload, l.created_at, l.updated_at`

func (s *SQLiteStore) listAnalyzedLots(ctx context.Context, q queryer, sessionID string, filter LotFilter) ([]model.AnalyzedLot, error) {
	query := `SELECT ` + sqliteAnalyzedColumns + ` FROM analyzed_lots a JOIN lots l ON l.id = a.lot_id`
	if filter.AdmittedOnly {
		query += ` JOIN session_lots sl ON sl.session_id = a.session_id AND sl.lot_id = a.lot_id`
	}
	query += ` WHERE a.session_id = ? ORDER BY a.ranked DESC, a.tournament_score DESC, a.position ASC`
	args := []any{sessionID}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list analyzed lots")
	}
	defer rows.Close()

	var out []model.AnalyzedLot
	for rows.Next() {
		a, err := scanAnalyzedLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list analyzed lots iterate")
}

func (s *SQLiteStore) UpdateTournamentScores(ctx context.Context, sessionID string, updates []model.ScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin score tx")
	}
	defer tx.Rollback()

	var stage string
	err = tx.QueryRowContext(ctx, `SELECT stage FROM research_sessions WHERE id = ?`, sessionID).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: read session stage")
	}
	if model.Stage(stage) != model.StageAnalysis {
		return eris.Wrapf(ErrStageConflict, "session %s is in stage %s", sessionID, stage)
	}

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE analyzed_lots SET tournament_score = ?, ranked = ? WHERE id = ? AND session_id = ?`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare score update")
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.Score, u.Ranked, u.AnalyzedLotID, sessionID); err != nil {
			return eris.Wrapf(err, "sqlite: update score %s", u.AnalyzedLotID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit score tx")
}

// --- Phases ---

func (s *SQLiteStore) CreatePhase(ctx context.Context, sessionID, name string) (*model.PhaseRecord, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_phases (id, session_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, sessionID, name, string(model.PhaseStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert phase for session %s", sessionID)
	}

	return &model.PhaseRecord{
		ID:        id,
		SessionID: sessionID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal phase result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE session_phases SET status = ?, duration_ms = ?, error = ?, result = ? WHERE id = ?`,
		string(result.Status), result.Duration, result.Error, string(resultJSON), phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete phase %s", phaseID)
	}
	return checkRowsAffected(res, "phase", phaseID)
}

func (s *SQLiteStore) ListPhases(ctx context.Context, sessionID string) ([]model.PhaseRecord, error) {
	return s.listPhases(ctx, s.db, sessionID)
}

func (s *SQLiteStore) listPhases(ctx context.Context, q queryer, sessionID string) ([]model.PhaseRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, session_id, name, status, duration_ms, error, started_at
		 FROM session_phases WHERE session_id = ? ORDER BY started_at, rowid`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list phases")
	}
	defer rows.Close()

	var out []model.PhaseRecord
	for rows.Next() {
		var p model.PhaseRecord
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Name, &p.Status, &p.DurationMs, &p.Error, &p.StartedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan phase")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list phases iterate")
}

// helpers

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.ResearchSession, error) {
	var sess model.ResearchSession
	var interview, proposed, schemaID sql.NullString

	err := row.Scan(&sess.ID, &sess.QueryText, &sess.Mode, &sess.Stage, &sess.Status,
		&interview, &sess.Criteria, &proposed, &schemaID, &sess.Limit,
		&sess.Summary, &sess.Reasoning, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}
	if schemaID.Valid {
		sess.SchemaID = &schemaID.String
	}
	if err := decodeSessionJSON(&sess, []byte(interview.String), []byte(proposed.String)); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode session")
	}
	return &sess, nil
}

func scanLot(row scannable) (*model.Lot, error) {
	var lot model.Lot
	var raw sql.NullString
	err := row.Scan(&lot.ID, &lot.URL, &lot.Title, &lot.Price, &lot.Description, &lot.ImagePath,
		&raw, &lot.CreatedAt, &lot.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan lot")
	}
	if raw.Valid {
		lot.RawPayload = json.RawMessage(raw.String)
	}
	return &lot, nil
}

func scanAnalyzedLot(row scannable) (*model.AnalyzedLot, error) {
	var a model.AnalyzedLot
	var lot model.Lot
	var schemaID, raw sql.NullString
	var data string

	err := row.Scan(&a.ID, &a.LotID, &a.SessionID, &schemaID, &a.Position, &data,
		&a.RelevanceScore, &a.RelevanceNote, &a.VisualNote, &a.TournamentScore, &a.Ranked, &a.CreatedAt,
		&lot.ID, &lot.URL, &lot.Title, &lot.Price, &lot.Description, &lot.ImagePath, &raw,
		&lot.CreatedAt, &lot.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan analyzed lot")
	}
	if schemaID.Valid {
		a.SchemaID = &schemaID.String
	}
	if raw.Valid {
		lot.RawPayload = json.RawMessage(raw.String)
	}
	a.StructuredData, err = decodeStructured([]byte(data))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: decode analyzed lot")
	}
	a.Lot = &lot
	return &a, nil
}
