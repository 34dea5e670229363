package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/humano-saude/funnel-api/internal/model"
)

// DefaultPageSize is the fixed dashboard page size.
const DefaultPageSize = 15

var (
	// ErrNotFound is returned when a lead, broker or session does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrInvalidStatus is returned before any write when a status value is
	// outside the recognized set. The stored record is left unchanged.
	ErrInvalidStatus = eris.New("store: invalid status")
)

// LeadFilter narrows a broker-scoped lead query.
type LeadFilter struct {
	// Status restricts to one funnel bucket when non-empty.
	Status model.LeadStatus
	// Search is matched case-insensitively as a substring of name, email
	// and phone.
	Search string
	// Page is 1-based. PageSize defaults to DefaultPageSize.
	Page     int
	PageSize int
}

// Normalize fills filter defaults in place and returns the query offset.
func (f *LeadFilter) Normalize() int {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	return (f.Page - 1) * f.PageSize
}

// Store is the persistence interface for the referral funnel.
type Store interface {
	// Leads
	CreateLead(ctx context.Context, brokerID string, draft model.LeadDraft, est *model.Estimate) (*model.Lead, error)
	GetLead(ctx context.Context, leadID string) (*model.Lead, error)
	// UpdateLeadStatus replaces the status with any recognized value;
	// there is no adjacency restriction so brokers can correct mistakes.
	UpdateLeadStatus(ctx context.Context, leadID string, status model.LeadStatus) error
	// MarkContacted sets the contact-clicked flag. Idempotent.
	MarkContacted(ctx context.Context, leadID string) error
	// QueryLeads returns one page of leads for the broker, newest first,
	// plus the total matching count for pagination math.
	QueryLeads(ctx context.Context, brokerID string, filter LeadFilter) ([]model.Lead, int, error)
	// StatusCounts counts the broker's whole funnel per status bucket,
	// ignoring any active filter.
	StatusCounts(ctx context.Context, brokerID string) (map[model.LeadStatus]int, error)

	// Brokers and sessions. Session tokens are minted by the external
	// auth service; this store only records and resolves them.
	CreateBroker(ctx context.Context, name, slug, phone, whatsapp string) (*model.Broker, error)
	GetBroker(ctx context.Context, id string) (*model.Broker, error)
	GetBrokerBySlug(ctx context.Context, slug string) (*model.Broker, error)
	GetBrokerByToken(ctx context.Context, token string) (*model.Broker, error)
	PutSession(ctx context.Context, brokerID, token string, expiresAt time.Time) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
