package model

import "time"

// LeadStatus represents a lead's position in the referral funnel.
type LeadStatus string

const (
	StatusSimulated    LeadStatus = "simulated"
	StatusContacted    LeadStatus = "contacted"
	StatusUnderReview  LeadStatus = "under_review"
	StatusProposalSent LeadStatus = "proposal_sent"
	StatusClosed       LeadStatus = "closed"
	StatusLost         LeadStatus = "lost"
)

// LeadStatuses lists every recognized status in funnel order.
// closed and lost are terminal; transitions are otherwise unrestricted so
// brokers can correct a mis-set status by hand.
var LeadStatuses = []LeadStatus{
	StatusSimulated,
	StatusContacted,
	StatusUnderReview,
	StatusProposalSent,
	StatusClosed,
	StatusLost,
}

// Valid reports whether s is one of the recognized funnel statuses.
func (s LeadStatus) Valid() bool {
	switch s {
	case StatusSimulated, StatusContacted, StatusUnderReview,
		StatusProposalSent, StatusClosed, StatusLost:
		return true
	}
	return false
}

// Terminal reports whether s ends the funnel.
func (s LeadStatus) Terminal() bool {
	return s == StatusClosed || s == StatusLost
}

// LeadMetadata carries request context captured at simulation time.
type LeadMetadata struct {
	UserAgent string `json:"user_agent,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
}

// Lead is a captured prospect tied to the referring broker.
// Contact and invoice fields are nullable: a lead is worth keeping even
// when the visitor gave nothing but a premium and an age list.
type Lead struct {
	ID              string       `json:"id"`
	BrokerID        string       `json:"broker_id"`
	Name            *string      `json:"name"`
	Email           *string      `json:"email"`
	Phone           *string      `json:"phone"`
	Operator        *string      `json:"operator"`
	Plan            *string      `json:"plan"`
	CurrentValue    float64      `json:"current_value"`
	Lives           int          `json:"lives"`
	AgeBrackets     []string     `json:"age_brackets"`
	EstimatedMin    float64      `json:"estimated_min"`
	EstimatedMax    float64      `json:"estimated_max"`
	EstimatedSaving float64      `json:"estimated_saving"`
	Status          LeadStatus   `json:"status"`
	ContactClicked  bool         `json:"contact_clicked"`
	Metadata        LeadMetadata `json:"metadata"`
	CreatedAt       time.Time    `json:"created_at"`
}

// LeadDraft is the submission that becomes a Lead once estimated.
// It only lives for the duration of one simulation request.
type LeadDraft struct {
	Name         *string      `json:"name"`
	Email        *string      `json:"email"`
	Phone        *string      `json:"phone"`
	Operator     *string      `json:"operator"`
	Plan         *string      `json:"plan"`
	CurrentValue float64      `json:"current_value"`
	AgeBrackets  []string     `json:"age_brackets"`
	Metadata     LeadMetadata `json:"metadata"`
}

// FunnelSummary holds per-status counts for one broker's whole funnel.
// Total always equals the sum of the six buckets; ConversionRate is an
// integer percentage of closed over total (0 when the funnel is empty).
type FunnelSummary struct {
	Total          int `json:"total"`
	Simulated      int `json:"simulated"`
	Contacted      int `json:"contacted"`
	UnderReview    int `json:"under_review"`
	ProposalSent   int `json:"proposal_sent"`
	Closed         int `json:"closed"`
	Lost           int `json:"lost"`
	ConversionRate int `json:"conversion_rate"`
}

// Broker is the sales agent who owns a shareable simulation link.
type Broker struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Phone     string    `json:"phone,omitempty"`
	WhatsApp  string    `json:"whatsapp,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
