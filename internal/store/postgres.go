package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/deep-research/internal/db"
	"github.com/sells-group/deep-research/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgSessionColumns = `id, query_text, mode, stage, status, interview_data, criteria,
	proposed_schema, schema_id, result_limit, summary, reasoning, created_at, updated_at`

const pgLotColumns = `id, url, title, price, description, image_path, raw_payload, created_at, updated_at`

const pgAnalyzedColumns = `a.id, a.lot_id, a.session_id, a.schema_id, a.position, a.structured_data,
	a.relevance_score, a.relevance_note, a.visual_note, a.tournament_score, a.ranked, a.created_at,
	l.id, l.url, l.title, l.price, l.description, l.image_path, l.raw_payload, l.created_at, l.updated_at`

// preparedStatements lists queries to prepare on each new connection for
// the hot paths of an analysis run.
var preparedStatements = map[string]string{
	"get_session":    `SELECT ` + pgSessionColumns + ` FROM research_sessions WHERE id = $1`,
	"get_lot":        `SELECT ` + pgLotColumns + ` FROM lots WHERE url = $1`,
	"link_lot":       `INSERT INTO session_lots (session_id, lot_id, created_at) VALUES ($1, $2, $3) ON CONFLICT (session_id, lot_id) DO NOTHING`,
	"insert_phase":   `INSERT INTO session_phases (id, session_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
	"complete_phase": `UPDATE session_phases SET status = $1, duration_ms = $2, error = $3, result = $4 WHERE id = $5`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS extraction_schemas (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	fields      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS research_sessions (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	query_text      TEXT NOT NULL,
	mode            TEXT NOT NULL DEFAULT 'deep',
	stage           TEXT NOT NULL DEFAULT 'interview',
	status          TEXT NOT NULL DEFAULT 'created',
	interview_data  JSONB,
	criteria        TEXT NOT NULL DEFAULT '',
	proposed_schema JSONB,
	schema_id       TEXT REFERENCES extraction_schemas(id),
	result_limit    INTEGER NOT NULL DEFAULT 0,
	summary         TEXT NOT NULL DEFAULT '',
	reasoning       TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lots (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	url         TEXT NOT NULL UNIQUE,
	title       TEXT NOT NULL DEFAULT '',
	price       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	image_path  TEXT NOT NULL DEFAULT '',
	raw_payload JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_lots (
	session_id TEXT NOT NULL REFERENCES research_sessions(id) ON DELETE CASCADE,
	lot_id     TEXT NOT NULL REFERENCES lots(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, lot_id)
);

CREATE TABLE IF NOT EXISTS analyzed_lots (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	lot_id           TEXT NOT NULL REFERENCES lots(id),
	session_id       TEXT NOT NULL REFERENCES research_sessions(id) ON DELETE CASCADE,
	schema_id        TEXT,
	position         INTEGER NOT NULL DEFAULT 0,
	structured_data  JSONB NOT NULL DEFAULT '{}'::jsonb,
	relevance_score  INTEGER NOT NULL DEFAULT 0,
	relevance_note   TEXT NOT NULL DEFAULT '',
	visual_note      TEXT NOT NULL DEFAULT '',
	tournament_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	ranked           BOOLEAN NOT NULL DEFAULT false,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (lot_id, session_id)
);

CREATE TABLE IF NOT EXISTS session_phases (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id  TEXT NOT NULL REFERENCES research_sessions(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	result      JSONB,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_claim ON research_sessions(status, stage, created_at);
CREATE INDEX IF NOT EXISTS idx_analyzed_lots_session ON analyzed_lots(session_id);
CREATE INDEX IF NOT EXISTS idx_session_phases_session ON session_phases(session_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

type pgQueryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.ResearchSession) error {
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
		return eris.Wrap(err, "postgres: marshal interview data")
	}
	var proposed []byte
	if sess.ProposedSchema != nil {
		if proposed, err = json.Marshal(sess.ProposedSchema); err != nil {
			return eris.Wrap(err, "postgres: marshal proposed schema")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO research_sessions (`+pgSessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sess.ID, sess.QueryText, string(sess.Mode), string(sess.Stage), string(sess.Status),
		interview, sess.Criteria, proposed, optionalString(sess.SchemaID), sess.Limit,
		sess.Summary, sess.Reasoning, now, now,
	)
	return eris.Wrap(err, "postgres: insert session")
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.ResearchSession, error) {
	return s.getSession(ctx, s.pool, id)
}

func (s *PostgresStore) getSession(ctx context.Context, q pgQueryer, id string) (*model.ResearchSession, error) {
	sess, err := pgScanSession(q.QueryRow(ctx,
		`SELECT `+pgSessionColumns+` FROM research_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	return sess, err
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.ResearchSession, error) {
	query := `SELECT ` + pgSessionColumns + ` FROM research_sessions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Mode != "" {
		query += fmt.Sprintf(` AND mode = $%d`, argIdx)
		args = append(args, string(filter.Mode))
		argIdx++
	}
	if filter.Stage != "" {
		query += fmt.Sprintf(` AND stage = $%d`, argIdx)
		args = append(args, string(filter.Stage))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var out []model.ResearchSession
	for rows.Next() {
		sess, err := pgScanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) TransitionSession(ctx context.Context, id string, from []model.Stage, patch model.SessionPatch) (*model.ResearchSession, error) {
	assigns, err := patchAssignments(patch, func(b []byte) any { return b })
	if err != nil {
		return nil, eris.Wrap(err, "postgres: transition session")
	}

	sets := make([]string, 0, len(assigns)+1)
	args := make([]any, 0, len(assigns)+4)
	for i, a := range assigns {
		sets = append(sets, fmt.Sprintf("%s = $%d", a.col, i+1))
		args = append(args, a.val)
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)+1))
	args = append(args, time.Now().UTC())

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE research_sessions SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	if len(from) > 0 {
		args = append(args, stageStrings(from))
		query += fmt.Sprintf(` AND stage = ANY($%d)`, len(args))
	}
	if len(patch.FromStatus) > 0 {
		args = append(args, statusStrings(patch.FromStatus))
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	query += ` RETURNING ` + pgSessionColumns

	sess, err := pgScanSession(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		current, gerr := s.GetSession(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return current, eris.Wrapf(ErrStageConflict, "session %s is in stage %s (%s)", id, current.Stage, current.Status)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: transition session %s", id)
	}
	return sess, nil
}

func (s *PostgresStore) ClaimNextSession(ctx context.Context) (*model.ResearchSession, error) {
	sess, err := pgScanSession(s.pool.QueryRow(ctx,
		`UPDATE research_sessions SET status = $1, updated_at = $2
		 WHERE id = (
			SELECT id FROM research_sessions
			WHERE status = $3 AND stage = $4
			ORDER BY created_at, id LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+pgSessionColumns,
		string(model.StatusProcessing), time.Now().UTC(),
		string(model.StatusConfirmed), string(model.StageParsing),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim next session")
	}
	return sess, nil
}

func (s *PostgresStore) GetSessionReport(ctx context.Context, id string) (*model.SessionReport, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin report tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET TRANSACTION ISOLATION LEVEL REPEATABLE READ READ ONLY`); err != nil {
		return nil, eris.Wrap(err, "postgres: set report isolation")
	}

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
	return &model.SessionReport{Session: *sess, Lots: lots, Phases: phases}, eris.Wrap(tx.Commit(ctx), "postgres: commit report tx")
}

// --- Schemas ---

func (s *PostgresStore) SaveSchema(ctx context.Context, schema *model.ExtractionSchema) error {
	if schema.ID == "" {
		schema.ID = uuid.New().String()
	}
	if schema.CreatedAt.IsZero() {
		schema.CreatedAt = time.Now().UTC()
	}
	fields, err := json.Marshal(schema.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal schema fields")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO extraction_schemas (id, name, description, fields, created_at) VALUES ($1, $2, $3, $4, $5)`,
		schema.ID, schema.Name, schema.Description, fields, schema.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert schema")
}

func (s *PostgresStore) GetSchema(ctx context.Context, id string) (*model.ExtractionSchema, error) {
	var schema model.ExtractionSchema
	var fields []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, fields, created_at FROM extraction_schemas WHERE id = $1`, id,
	).Scan(&schema.ID, &schema.Name, &schema.Description, &fields, &schema.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "schema %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get schema")
	}
	if err := json.Unmarshal(fields, &schema.Fields); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal schema fields")
	}
	return &schema, nil
}

// --- Lots ---

func (s *PostgresStore) UpsertLotByURL(ctx context.Context, lot *model.Lot) (*model.Lot, error) {
	now := time.Now().UTC()
	var raw []byte
	if len(lot.RawPayload) > 0 {
		raw = lot.RawPayload
	}
	out, err := pgScanLot(s.pool.QueryRow(ctx,
		`INSERT INTO lots (`+pgLotColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (url) DO UPDATE SET
			title = EXCLUDED.title,
			price = EXCLUDED.price,
			description = EXCLUDED.description,
			image_path = CASE WHEN EXCLUDED.image_path <> '' THEN EXCLUDED.image_path ELSE lots.image_path END,
			raw_payload = COALESCE(EXCLUDED.raw_payload, lots.raw_payload),
			updated_at = EXCLUDED.updated_at
		 RETURNING `+pgLotColumns,
		uuid.New().String(), lot.URL, lot.Title, lot.Price, lot.Description, lot.ImagePath,
		raw, now, now,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert lot %s", lot.URL)
	}
	return out, nil
}

func (s *PostgresStore) GetLotByURL(ctx context.Context, url string) (*model.Lot, error) {
	lot, err := pgScanLot(s.pool.QueryRow(ctx, `SELECT `+pgLotColumns+` FROM lots WHERE url = $1`, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "lot %s", url)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get lot")
	}
	return lot, nil
}

func (s *PostgresStore) LinkLot(ctx context.Context, sessionID, lotID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO session_lots (session_id, lot_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, lot_id) DO NOTHING`,
		sessionID, lotID, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: link lot %s to session %s", lotID, sessionID)
	}
	return tag.RowsAffected() > 0, nil
}

// --- Analysis ---

func (s *PostgresStore) SaveAnalyzedLot(ctx context.Context, a *model.AnalyzedLot) error {
	data, err := encodeStructured(a.StructuredData)
	if err != nil {
		return eris.Wrap(err, "postgres: save analyzed lot")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO analyzed_lots (id, lot_id, session_id, schema_id, position, structured_data,
			relevance_score, relevance_note, visual_note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (lot_id, session_id) DO UPDATE SET
			schema_id = EXCLUDED.schema_id,
			structured_data = EXCLUDED.structured_data,
			relevance_score = EXCLUDED.relevance_score,
			relevance_note = EXCLUDED.relevance_note,
			visual_note = EXCLUDED.visual_note
		 RETURNING id, position, created_at`,
		a.ID, a.LotID, a.SessionID, optionalString(a.SchemaID), a.Position, data,
		a.RelevanceScore, a.RelevanceNote, a.VisualNote, a.CreatedAt,
	).Scan(&a.ID, &a.Position, &a.CreatedAt)
	return eris.Wrapf(err, "postgres: save analyzed lot %s", a.LotID)
}

func (s *PostgresStore) GetAnalyzedLot(ctx context.Context, sessionID, lotID string) (*model.AnalyzedLot, error) {
	a, err := pgScanAnalyzedLot(s.pool.QueryRow(ctx,
		`SELECT `+pgAnalyzedColumns+` FROM analyzed_lots a JOIN lots l ON l.id = a.lot_id
		 WHERE a.session_id = $1 AND a.lot_id = $2`,
		sessionID, lotID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "analyzed lot %s in session %s", lotID, sessionID)
	}
	return a, err
}

func (s *PostgresStore) ListAnalyzedLots(ctx context.Context, sessionID string, filter LotFilter) ([]model.AnalyzedLot, error) {
	return s.listAnalyzedLots(ctx, s.pool, sessionID, filter)
}

func (s *PostgresStore) listAnalyzedLots(ctx context.Context, q pgQueryer, sessionID string, filter LotFilter) ([]model.AnalyzedLot, error) {
	query := `SELECT ` + pgAnalyzedColumns + ` FROM analyzed_lots a JOIN lots l ON l.id = a.lot_id`
	if filter.AdmittedOnly {
		query += ` JOIN session_lots sl ON sl.session_id = a.session_id AND sl.lot_id = a.lot_id`
	}
	query += ` WHERE a.session_id = $1 ORDER BY a.ranked DESC, a.tournament_score DESC, a.position ASC`
	args := []any{sessionID}
	if filter.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, filter.Limit)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list analyzed lots")
	}
	defer rows.Close()

	var out []model.AnalyzedLot
	for rows.Next() {
		a, err := pgScanAnalyzedLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list analyzed lots iterate")
}

// UpdateTournamentScores writes every score in one COPY-backed update. The
// stage check is part of the UPDATE predicate, so a session that left the
// analysis stage is left untouched.
func (s *PostgresStore) UpdateTournamentScores(ctx context.Context, sessionID string, updates []model.ScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	rows := make([][]any, len(updates))
	for i, u := range updates {
		rows[i] = []any{u.AnalyzedLotID, u.Score, u.Ranked}
	}

	n, err := db.BulkUpdate(ctx, s.pool, db.UpdateConfig{
		Table:      "analyzed_lots",
		KeyColumns: []string{"id"},
		SetColumns: []string{"tournament_score", "ranked"},
		Filter: `t.session_id = $1 AND EXISTS (
			SELECT 1 FROM research_sessions s WHERE s.id = t.session_id AND s.stage = $2)`,
		FilterArgs: []any{sessionID, string(model.StageAnalysis)},
	}, rows)
	if err != nil {
		return eris.Wrapf(err, "postgres: update tournament scores for %s", sessionID)
	}
	if n == 0 {
		return eris.Wrapf(ErrStageConflict, "session %s is not in analysis", sessionID)
	}
	return nil
}

// --- Phases ---

func (s *PostgresStore) CreatePhase(ctx context.Context, sessionID, name string) (*model.PhaseRecord, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_phases (id, session_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, sessionID, name, string(model.PhaseStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert phase for session %s", sessionID)
	}

	return &model.PhaseRecord{
		ID:        id,
		SessionID: sessionID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal phase result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE session_phases SET status = $1, duration_ms = $2, error = $3, result = $4 WHERE id = $5`,
		string(result.Status), result.Duration, result.Error, resultJSON, phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete phase %s", phaseID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "phase %s", phaseID)
	}
	return nil
}

func (s *PostgresStore) ListPhases(ctx context.Context, sessionID string) ([]model.PhaseRecord, error) {
	return s.listPhases(ctx, s.pool, sessionID)
}

func (s *PostgresStore) listPhases(ctx context.Context, q pgQueryer, sessionID string) ([]model.PhaseRecord, error) {
	rows, err := q.Query(ctx,
		`SELECT id, session_id, name, status, duration_ms, error, started_at
		 FROM session_phases WHERE session_id = $1 ORDER BY started_at`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list phases")
	}
	defer rows.Close()

	var out []model.PhaseRecord
	for rows.Next() {
		var p model.PhaseRecord
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Name, &p.Status, &p.DurationMs, &p.Error, &p.StartedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan phase")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list phases iterate")
}

// helpers

func optionalString(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func pgScanSession(row scannable) (*model.ResearchSession, error) {
	var sess model.ResearchSession
	var interview, proposed []byte
	var schemaID *string

	err := row.Scan(&sess.ID, &sess.QueryText, &sess.Mode, &sess.Stage, &sess.Status,
		&interview, &sess.Criteria, &proposed, &schemaID, &sess.Limit,
		&sess.Summary, &sess.Reasoning, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan session")
	}
	sess.SchemaID = schemaID
	if err := decodeSessionJSON(&sess, interview, proposed); err != nil {
		return nil, eris.Wrap(err, "postgres: decode session")
	}
	return &sess, nil
}

func pgScanLot(row scannable) (*model.Lot, error) {
	var lot model.Lot
	var raw []byte
	err := row.Scan(&lot.ID, &lot.URL, &lot.Title, &lot.Price, &lot.Description, &lot.ImagePath,
		&raw, &lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		lot.RawPayload = json.RawMessage(raw)
	}
	return &lot, nil
}

func pgScanAnalyzedLot(row scannable) (*model.AnalyzedLot, error) {
	var a model.AnalyzedLot
	var lot model.Lot
	var schemaID *string
	var data, raw []byte

	err := row.Scan(&a.ID, &a.LotID, &a.SessionID, &schemaID, &a.Position, &data,
		&a.RelevanceScore, &a.RelevanceNote, &a.VisualNote, &a.TournamentScore, &a.Ranked, &a.CreatedAt,
		&lot.ID, &lot.URL, &lot.Title, &lot.Price, &lot.Description, &lot.ImagePath, &raw,
		&lot.CreatedAt, &lot.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan analyzed lot")
	}
	a.SchemaID = schemaID
	if len(raw) > 0 {
		lot.RawPayload = json.RawMessage(raw)
	}
	a.StructuredData, err = decodeStructured(data)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: decode analyzed lot")
	}
	a.Lot = &lot
	return &a, nil
}
