package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humano-saude/funnel-api/internal/estimate"
	"github.com/humano-saude/funnel-api/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestBroker(t *testing.T, s *SQLiteStore) *model.Broker {
	t.Helper()
	broker, err := s.CreateBroker(context.Background(), "Ana Ribeiro", "ana-ribeiro", "11988887777", "11988887777")
	require.NoError(t, err)
	return broker
}

func strPtr(v string) *string { return &v }

func testDraft(name string, value float64) model.LeadDraft {
	return model.LeadDraft{
		Name:         strPtr(name),
		Email:        strPtr("maria@example.com"),
		Phone:        strPtr("11999990000"),
		Operator:     strPtr("Amil"),
		Plan:         strPtr("S450"),
		CurrentValue: value,
		AgeBrackets:  []string{"29-33", "0-18"},
		Metadata:     model.LeadMetadata{UserAgent: "test-agent", Referrer: "https://example.com"},
	}
}

func createTestLead(t *testing.T, s *SQLiteStore, brokerID string, draft model.LeadDraft) *model.Lead {
	t.Helper()
	est, err := estimate.Savings(draft.CurrentValue, draft.AgeBrackets)
	require.NoError(t, err)
	lead, err := s.CreateLead(context.Background(), brokerID, draft, est)
	require.NoError(t, err)
	return lead
}

func TestSQLiteLeadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	broker := newTestBroker(t, s)
	ctx := context.Background()

	created := createTestLead(t, s, broker.ID, testDraft("Maria Souza", 1200))

	got, err := s.GetLead(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, broker.ID, got.BrokerID)
	require.NotNil(t, got.Name)
	assert.Equal(t, "Maria Souza", *got.Name)
	assert.Equal(t, 1200.0, got.CurrentValue)
	assert.Equal(t, 2, got.Lives)
	assert.Equal(t, []string{"29-33", "0-18"}, got.AgeBrackets)
	assert.Equal(t, 240.0, got.EstimatedMin)
	assert.Equal(t, 480.0, got.EstimatedMax)
	assert.Equal(t, 360.0, got.EstimatedSaving)
	assert.Equal(t, model.StatusSimulated, got.Status)
	assert.False(t, got.ContactClicked)
	assert.Equal(t, "test-agent", got.Metadata.UserAgent)
}

func TestSQLiteGetLeadNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetLead(context.Background(), "no-such-lead")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteUpdateLeadStatus(t *testing.T) {
	s := newTestStore(t)
	broker := newTestBroker(t, s)
	ctx := context.Background()
	lead := createTestLead(t, s, broker.ID, testDraft("Maria Souza", 900))

	require.NoError(t, s.UpdateLeadStatus(ctx, lead.ID, model.StatusContacted))

	got, err := s.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusContacted, got.Status)
}

func TestSQLiteUpdateLeadStatusInvalid(t *testing.T) {
	s := newTestStore(t)
	broker := newTestBroker(t, s)
	ctx := context.Background()
	lead := createTestLead(t, s, broker.ID, testDraft("Maria Souza", 900))

	err := s.UpdateLeadStatus(ctx, lead.ID, model.LeadStatus("negotiating"))
	assert.ErrorIs(t, err, ErrInvalidStatus)

	// the record is untouched
	got, err := s.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSimulated, got.Status)
}

func TestSQLiteUpdateLeadStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateLeadStatus(context.Background(), "no-such-lead", model.StatusClosed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteMarkContactedIdempotent(t *testing.T) {
	s := newTestStore(t)
	broker := newTestBroker(t, s)
	ctx := context.Background()
	lead := createTestLead(t, s, broker.ID, testDraft("Maria Souza", 900))

	require.NoError(t, s.MarkContacted(ctx, lead.ID))
	require.NoError(t, s.MarkContacted(ctx, lead.ID))

	got, err := s.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.True(t, got.ContactClicked)
}

func TestSQLiteMarkContactedNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.MarkContacted(context.Background(), "no-such-lead")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteQueryLeadsFilterAndSearch(t *testing.T) {
	s := newTestStore(t)
	broker := newTestBroker(t, s)
	other := &model.Broker{}
	{
		b, err := s.CreateBroker(context.Background(), "Outro Corretor", "outro", "", "")
		require.NoError(t, err)
		other = b
	}
	ctx := context.Background()

	maria := createTestLead(t, s, broker.ID, testDraft("Maria Souza", 1200))
	joao := createTestLead(t, s, broker.ID, testDraft("João Pereira", 800))
	createTestLead(t, s, other.ID, testDraft("Carla Lima", 600))

	require.NoError(t, s.UpdateLeadStatus(ctx, joao.ID, model.StatusClosed))

	// broker scoping
	leads, total, err := s.QueryLeads(ctx, broker.ID, LeadFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, leads, 2)

	// status filter
	leads, total, err = s.QueryLeads(ctx, broker.ID, LeadFilter{Status: model.StatusClosed})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, leads, 1)
	assert.Equal(t, joao.ID, leads[0].ID)

	// case-insensitive name search
	leads, total, err = s.QueryLeads(ctx, broker.ID, LeadFilter{Search: "maria"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, leads, 1)
	assert.Equal(t, maria.ID, leads[0].ID)

	// phone search
	_, total, err = s.QueryLeads(ctx, broker.ID, LeadFilter{Search: "119999"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	// no match
	leads, total, err = s.QueryLeads(ctx, broker.ID, LeadFilter{Search: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, leads)
}

func TestSQLiteQueryLeadsPagination(t *testing.T) {
	s := newTestStore(t)
	broker := newTestBroker(t, s)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		createTestLead(t, s, broker.ID, testDraft(fmt.Sprintf("Lead %02d", i), 500))
	}

	page1, total, err := s.QueryLeads(ctx, broker.ID, LeadFilter{Page: 1})
	require.NoError(t, err)
	assert.Equal(t, 20, total)
	assert.Len(t, page1, DefaultPageSize)

	page2, total, err := s.QueryLeads(ctx, broker.ID, LeadFilter{Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 20, total)
	assert.Len(t, page2, 5)

	seen := make(map[string]bool)
	for _, l := range append(page1, page2...) {
		assert.False(t, seen[l.ID], "lead %s appeared on both pages", l.ID)
		seen[l.ID] = true
	}
}

func TestSQLiteStatusCounts(t *testing.T) {
	s := newTestStore(t)
	broker := newTestBroker(t, s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		createTestLead(t, s, broker.ID, testDraft("Lead", 500))
	}
	closed := createTestLead(t, s, broker.ID, testDraft("Fechado", 700))
	require.NoError(t, s.UpdateLeadStatus(ctx, closed.ID, model.StatusClosed))

	counts, err := s.StatusCounts(ctx, broker.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.StatusSimulated])
	assert.Equal(t, 1, counts[model.StatusClosed])
	assert.Equal(t, 0, counts[model.StatusLost])
}

func TestSQLiteBrokerLookup(t *testing.T) {
	s := newTestStore(t)
	broker := newTestBroker(t, s)
	ctx := context.Background()

	byID, err := s.GetBroker(ctx, broker.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.Slug, byID.Slug)

	bySlug, err := s.GetBrokerBySlug(ctx, "ana-ribeiro")
	require.NoError(t, err)
	assert.Equal(t, broker.ID, bySlug.ID)

	_, err = s.GetBrokerBySlug(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteSessions(t *testing.T) {
	s := newTestStore(t)
	broker := newTestBroker(t, s)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, broker.ID, "tok-valid", time.Now().UTC().Add(time.Hour)))
	require.NoError(t, s.PutSession(ctx, broker.ID, "tok-expired", time.Now().UTC().Add(-time.Hour)))

	got, err := s.GetBrokerByToken(ctx, "tok-valid")
	require.NoError(t, err)
	assert.Equal(t, broker.ID, got.ID)

	_, err = s.GetBrokerByToken(ctx, "tok-expired")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetBrokerByToken(ctx, "tok-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}
