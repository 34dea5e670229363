package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/humano-saude/funnel-api/internal/db"
	"github.com/humano-saude/funnel-api/internal/estimate"
	"github.com/humano-saude/funnel-api/internal/model"
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

// preparedStatements lists queries to prepare on each new connection for
// the hot funnel operations.
var preparedStatements = map[string]string{
	"update_lead_status": `UPDATE leads SET status = $1 WHERE id = $2`,
	"mark_contacted":     `UPDATE leads SET contact_clicked = TRUE WHERE id = $1`,
	"get_lead":           `SELECT id, broker_id, name, email, phone, operator, plan, current_value, lives, age_brackets, estimated_min, estimated_max, estimated_saving, status, contact_clicked, metadata, created_at FROM leads WHERE id = $1`,
	"status_counts":      `SELECT status, COUNT(*) FROM leads WHERE broker_id = $1 GROUP BY status`,
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

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS brokers (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name       TEXT NOT NULL,
	slug       TEXT NOT NULL UNIQUE,
	phone      TEXT NOT NULL DEFAULT '',
	whatsapp   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS broker_sessions (
	token      TEXT PRIMARY KEY,
	broker_id  TEXT NOT NULL REFERENCES brokers(id),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	broker_id        TEXT NOT NULL REFERENCES brokers(id),
	name             TEXT,
	email            TEXT,
	phone            TEXT,
	operator         TEXT,
	plan             TEXT,
	current_value    DOUBLE PRECISION NOT NULL,
	lives            INTEGER NOT NULL,
	age_brackets     JSONB NOT NULL,
	estimated_min    DOUBLE PRECISION NOT NULL,
	estimated_max    DOUBLE PRECISION NOT NULL,
	estimated_saving DOUBLE PRECISION NOT NULL,
	status           TEXT NOT NULL DEFAULT 'simulated',
	contact_clicked  BOOLEAN NOT NULL DEFAULT FALSE,
	metadata         JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_broker_id ON leads(broker_id);
CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);
CREATE INDEX IF NOT EXISTS idx_leads_broker_created ON leads(broker_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_broker_sessions_broker ON broker_sessions(broker_id);
CREATE INDEX IF NOT EXISTS idx_broker_sessions_expires ON broker_sessions(expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const leadColumns = `id, broker_id, name, email, phone, operator, plan, current_value, lives, age_brackets, estimated_min, estimated_max, estimated_saving, status, contact_clicked, metadata, created_at`

func (s *PostgresStore) CreateLead(ctx context.Context, brokerID string, draft model.LeadDraft, est *model.Estimate) (*model.Lead, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	bracketsJSON, err := json.Marshal(draft.AgeBrackets)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal age brackets")
	}
	metadataJSON, err := json.Marshal(draft.Metadata)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal metadata")
	}

	lead := &model.Lead{
		ID:              id,
		BrokerID:        brokerID,
		Name:            draft.Name,
		Email:           draft.Email,
		Phone:           draft.Phone,
		Operator:        draft.Operator,
		Plan:            draft.Plan,
		CurrentValue:    est.CurrentValue,
		Lives:           len(draft.AgeBrackets),
		AgeBrackets:     draft.AgeBrackets,
		EstimatedMin:    est.MinValue,
		EstimatedMax:    est.MaxValue,
		EstimatedSaving: estimate.AverageSaving(est),
		Status:          model.StatusSimulated,
		Metadata:        draft.Metadata,
		CreatedAt:       now,
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO leads (id, broker_id, name, email, phone, operator, plan, current_value, lives, age_brackets, estimated_min, estimated_max, estimated_saving, status, contact_clicked, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		lead.ID, lead.BrokerID, lead.Name, lead.Email, lead.Phone,
		lead.Operator, lead.Plan, lead.CurrentValue, lead.Lives, bracketsJSON,
		lead.EstimatedMin, lead.EstimatedMax, lead.EstimatedSaving,
		string(lead.Status), lead.ContactClicked, metadataJSON, lead.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert lead")
	}
	return lead, nil
}

func (s *PostgresStore) GetLead(ctx context.Context, leadID string) (*model.Lead, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = $1`, leadID)
	lead, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "lead %s", leadID)
		}
		return nil, eris.Wrapf(err, "postgres: get lead %s", leadID)
	}
	return lead, nil
}

func (s *PostgresStore) UpdateLeadStatus(ctx context.Context, leadID string, status model.LeadStatus) error {
	if !status.Valid() {
		return eris.Wrapf(ErrInvalidStatus, "%q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET status = $1 WHERE id = $2`,
		string(status), leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead status %s", leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "lead %s", leadID)
	}
	return nil
}

func (s *PostgresStore) MarkContacted(ctx context.Context, leadID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET contact_clicked = TRUE WHERE id = $1`,
		leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark contacted %s", leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "lead %s", leadID)
	}
	return nil
}

func (s *PostgresStore) QueryLeads(ctx context.Context, brokerID string, filter LeadFilter) ([]model.Lead, int, error) {
	offset := filter.Normalize()

	where := ` FROM leads WHERE broker_id = $1`
	args := []any{brokerID}
	argIdx := 2

	if filter.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Search != "" {
		where += fmt.Sprintf(` AND (name ILIKE $%d OR email ILIKE $%d OR phone ILIKE $%d)`, argIdx, argIdx, argIdx)
		args = append(args, "%"+filter.Search+"%")
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count leads")
	}

	query := `SELECT ` + leadColumns + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, filter.PageSize, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: query leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, *lead)
	}
	return leads, total, eris.Wrap(rows.Err(), "postgres: query leads iterate")
}

func (s *PostgresStore) StatusCounts(ctx context.Context, brokerID string) (map[model.LeadStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM leads WHERE broker_id = $1 GROUP BY status`,
		brokerID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: status counts")
	}
	defer rows.Close()

	counts := make(map[model.LeadStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.LeadStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: status counts iterate")
}

func (s *PostgresStore) CreateBroker(ctx context.Context, name, slug, phone, whatsapp string) (*model.Broker, error) {
	broker := &model.Broker{
		ID:        uuid.New().String(),
		Name:      name,
		Slug:      slug,
		Phone:     phone,
		WhatsApp:  whatsapp,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO brokers (id, name, slug, phone, whatsapp, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		broker.ID, broker.Name, broker.Slug, broker.Phone, broker.WhatsApp, broker.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert broker")
	}
	return broker, nil
}

const brokerColumns = `id, name, slug, phone, whatsapp, created_at`

func (s *PostgresStore) GetBroker(ctx context.Context, id string) (*model.Broker, error) {
	return s.scanBroker(
		s.pool.QueryRow(ctx, `SELECT `+brokerColumns+` FROM brokers WHERE id = $1`, id),
		"broker "+id,
	)
}

func (s *PostgresStore) GetBrokerBySlug(ctx context.Context, slug string) (*model.Broker, error) {
	return s.scanBroker(
		s.pool.QueryRow(ctx, `SELECT `+brokerColumns+` FROM brokers WHERE slug = $1`, slug),
		"broker slug "+slug,
	)
}

func (s *PostgresStore) GetBrokerByToken(ctx context.Context, token string) (*model.Broker, error) {
	return s.scanBroker(
		s.pool.QueryRow(ctx,
			`SELECT b.id, b.name, b.slug, b.phone, b.whatsapp, b.created_at
			 FROM broker_sessions s JOIN brokers b ON b.id = s.broker_id
			 WHERE s.token = $1 AND s.expires_at > now()`,
			token,
		),
		"session",
	)
}

func (s *PostgresStore) PutSession(ctx context.Context, brokerID, token string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO broker_sessions (token, broker_id, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (token) DO UPDATE SET broker_id = $2, expires_at = $3`,
		token, brokerID, expiresAt,
	)
	return eris.Wrap(err, "postgres: put session")
}

func (s *PostgresStore) scanBroker(row pgx.Row, what string) (*model.Broker, error) {
	var b model.Broker
	err := row.Scan(&b.ID, &b.Name, &b.Slug, &b.Phone, &b.WhatsApp, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, what)
		}
		return nil, eris.Wrapf(err, "postgres: get %s", what)
	}
	return &b, nil
}

// scannable lets scanLead work for both QueryRow and Query results.
type scannable interface {
	Scan(dest ...any) error
}

func scanLead(row scannable) (*model.Lead, error) {
	var lead model.Lead
	var bracketsJSON, metadataJSON []byte

	err := row.Scan(
		&lead.ID, &lead.BrokerID, &lead.Name, &lead.Email, &lead.Phone,
		&lead.Operator, &lead.Plan, &lead.CurrentValue, &lead.Lives, &bracketsJSON,
		&lead.EstimatedMin, &lead.EstimatedMax, &lead.EstimatedSaving,
		&lead.Status, &lead.ContactClicked, &metadataJSON, &lead.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(bracketsJSON, &lead.AgeBrackets); err != nil {
		return nil, eris.Wrap(err, "unmarshal age brackets")
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &lead.Metadata); err != nil {
			return nil, eris.Wrap(err, "unmarshal metadata")
		}
	}
	return &lead, nil
}
