package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/humano-saude/funnel-api/internal/estimate"
	"github.com/humano-saude/funnel-api/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and single-broker installs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS brokers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	slug       TEXT NOT NULL UNIQUE,
	phone      TEXT NOT NULL DEFAULT '',
	whatsapp   TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS broker_sessions (
	token      TEXT PRIMARY KEY,
	broker_id  TEXT NOT NULL REFERENCES brokers(id),
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
	id               TEXT PRIMARY KEY,
	broker_id        TEXT NOT NULL REFERENCES brokers(id),
	name             TEXT,
	email            TEXT,
	phone            TEXT,
	operator         TEXT,
	plan             TEXT,
	current_value    REAL NOT NULL,
	lives            INTEGER NOT NULL,
	age_brackets     TEXT NOT NULL,
	estimated_min    REAL NOT NULL,
	estimated_max    REAL NOT NULL,
	estimated_saving REAL NOT NULL,
	status           TEXT NOT NULL DEFAULT 'simulated',
	contact_clicked  INTEGER NOT NULL DEFAULT 0,
	metadata         TEXT,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_leads_broker_id ON leads(broker_id);
CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);
CREATE INDEX IF NOT EXISTS idx_leads_broker_created ON leads(broker_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_broker_sessions_broker ON broker_sessions(broker_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateLead(ctx context.Context, brokerID string, draft model.LeadDraft, est *model.Estimate) (*model.Lead, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	bracketsJSON, err := json.Marshal(draft.AgeBrackets)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal age brackets")
	}
	metadataJSON, err := json.Marshal(draft.Metadata)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal metadata")
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leads (id, broker_id, name, email, phone, operator, plan, current_value, lives, age_brackets, estimated_min, estimated_max, estimated_saving, status, contact_clicked, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.BrokerID, lead.Name, lead.Email, lead.Phone,
		lead.Operator, lead.Plan, lead.CurrentValue, lead.Lives, string(bracketsJSON),
		lead.EstimatedMin, lead.EstimatedMax, lead.EstimatedSaving,
		string(lead.Status), lead.ContactClicked, string(metadataJSON), lead.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert lead")
	}
	return lead, nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, leadID string) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = ?`, leadID)
	lead, err := scanLead(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "lead %s", leadID)
		}
		return nil, eris.Wrapf(err, "sqlite: get lead %s", leadID)
	}
	return lead, nil
}

func (s *SQLiteStore) UpdateLeadStatus(ctx context.Context, leadID string, status model.LeadStatus) error {
	if !status.Valid() {
		return eris.Wrapf(ErrInvalidStatus, "%q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET status = ? WHERE id = ?`,
		string(status), leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead status %s", leadID)
	}
	return checkRowsAffected(res, "lead", leadID)
}

func (s *SQLiteStore) MarkContacted(ctx context.Context, leadID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET contact_clicked = 1 WHERE id = ?`,
		leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark contacted %s", leadID)
	}
	return checkRowsAffected(res, "lead", leadID)
}

func (s *SQLiteStore) QueryLeads(ctx context.Context, brokerID string, filter LeadFilter) ([]model.Lead, int, error) {
	offset := filter.Normalize()

	where := ` FROM leads WHERE broker_id = ?`
	args := []any{brokerID}

	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Search != "" {
		where += ` AND (LOWER(COALESCE(name, '')) LIKE ? OR LOWER(COALESCE(email, '')) LIKE ? OR LOWER(COALESCE(phone, '')) LIKE ?)`
		needle := "%" + strings.ToLower(filter.Search) + "%"
		args = append(args, needle, needle, needle)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count leads")
	}

	query := `SELECT ` + leadColumns + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.PageSize, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: query leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "sqlite: scan lead")
		}
		leads = append(leads, *lead)
	}
	return leads, total, eris.Wrap(rows.Err(), "sqlite: query leads iterate")
}

func (s *SQLiteStore) StatusCounts(ctx context.Context, brokerID string) (map[model.LeadStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM leads WHERE broker_id = ? GROUP BY status`,
		brokerID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: status counts")
	}
	defer rows.Close()

	counts := make(map[model.LeadStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.LeadStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: status counts iterate")
}

func (s *SQLiteStore) CreateBroker(ctx context.Context, name, slug, phone, whatsapp string) (*model.Broker, error) {
	broker := &model.Broker{
		ID:        uuid.New().String(),
		Name:      name,
		Slug:      slug,
		Phone:     phone,
		WhatsApp:  whatsapp,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO brokers (id, name, slug, phone, whatsapp, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		broker.ID, broker.Name, broker.Slug, broker.Phone, broker.WhatsApp, broker.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert broker")
	}
	return broker, nil
}

func (s *SQLiteStore) GetBroker(ctx context.Context, id string) (*model.Broker, error) {
	return scanBrokerRow(
		s.db.QueryRowContext(ctx, `SELECT `+brokerColumns+` FROM brokers WHERE id = ?`, id),
		"broker "+id,
	)
}

func (s *SQLiteStore) GetBrokerBySlug(ctx context.Context, slug string) (*model.Broker, error) {
	return scanBrokerRow(
		s.db.QueryRowContext(ctx, `SELECT `+brokerColumns+` FROM brokers WHERE slug = ?`, slug),
		"broker slug "+slug,
	)
}

func (s *SQLiteStore) GetBrokerByToken(ctx context.Context, token string) (*model.Broker, error) {
	return scanBrokerRow(
		s.db.QueryRowContext(ctx,
			`SELECT b.id, b.name, b.slug, b.phone, b.whatsapp, b.created_at
			 FROM broker_sessions s JOIN brokers b ON b.id = s.broker_id
			 WHERE s.token = ? AND s.expires_at > ?`,
			token, time.Now().UTC(),
		),
		"session",
	)
}

func (s *SQLiteStore) PutSession(ctx context.Context, brokerID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broker_sessions (token, broker_id, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (token) DO UPDATE SET broker_id = excluded.broker_id, expires_at = excluded.expires_at`,
		token, brokerID, expiresAt,
	)
	return eris.Wrap(err, "sqlite: put session")
}

// helpers

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

func scanBrokerRow(row *sql.Row, what string) (*model.Broker, error) {
	var b model.Broker
	err := row.Scan(&b.ID, &b.Name, &b.Slug, &b.Phone, &b.WhatsApp, &b.CreatedAt)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, what)
		}
		return nil, eris.Wrapf(err, "sqlite: get %s", what)
	}
	return &b, nil
}
