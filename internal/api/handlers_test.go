package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humano-saude/funnel-api/internal/extract"
	"github.com/humano-saude/funnel-api/internal/model"
	"github.com/humano-saude/funnel-api/internal/store"
)

type stubExtractor struct {
	result *extract.Result
	err    error
}

func (s *stubExtractor) Extract(ctx context.Context, artifact extract.Artifact) (*extract.Result, error) {
	if !map[string]bool{"image/jpeg": true, "image/png": true, "image/webp": true, "application/pdf": true}[artifact.MediaType] {
		return nil, eris.Wrap(extract.ErrUnsupportedFormat, artifact.MediaType)
	}
	return s.result, s.err
}

type testEnv struct {
	srv    *httptest.Server
	store  *store.SQLiteStore
	broker *model.Broker
	token  string
}

func newTestEnv(t *testing.T, extractor Extractor) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	broker, err := st.CreateBroker(ctx, "Ana Ribeiro", "ana-ribeiro", "11988887777", "11988887777")
	require.NoError(t, err)
	token := "test-token"
	require.NoError(t, st.PutSession(ctx, broker.ID, token, time.Now().UTC().Add(time.Hour)))

	_, handler := NewServer(Options{Store: st, Extractor: extractor})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, broker: broker, token: token}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func uploadInvoice(t *testing.T, url, mediaType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="invoice"; filename="fatura.jpg"`)
	header.Set("Content-Type", mediaType)
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func validLeadBody() map[string]any {
	return map[string]any{
		"name":          "Maria Souza",
		"email":         "maria@example.com",
		"phone":         "11999990000",
		"operator":      "Amil",
		"plan":          "S450",
		"current_value": 1200.0,
		"age_brackets":  []string{"29-33", "0-18"},
	}
}

func TestExtractEndpoint(t *testing.T) {
	operator := "Amil"
	env := newTestEnv(t, &stubExtractor{result: &extract.Result{
		OK:     true,
		Fields: &model.InvoiceFields{Operator: &operator, Confidence: 88},
	}})

	req := uploadInvoice(t, env.srv.URL+"/api/v1/brokers/ana-ribeiro/extract", "image/jpeg", []byte("fake-image"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["success"])
	fields := body["fields"].(map[string]any)
	assert.Equal(t, "Amil", fields["operator"])
	assert.Equal(t, float64(88), fields["confidence"])
}

func TestExtractUnknownBroker(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{})

	req := uploadInvoice(t, env.srv.URL+"/api/v1/brokers/nobody/extract", "image/jpeg", []byte("x"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExtractWithoutExtractor(t *testing.T) {
	env := newTestEnv(t, nil)

	req := uploadInvoice(t, env.srv.URL+"/api/v1/brokers/ana-ribeiro/extract", "image/jpeg", []byte("x"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestExtractUnsupportedFormat(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{})

	req := uploadInvoice(t, env.srv.URL+"/api/v1/brokers/ana-ribeiro/extract", "image/gif", []byte("x"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestExtractSoftFailure(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{result: &extract.Result{OK: false, Raw: "not json"}})

	req := uploadInvoice(t, env.srv.URL+"/api/v1/brokers/ana-ribeiro/extract", "image/png", []byte("x"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "not json", body["raw"])
}

func TestExtractUpstreamError(t *testing.T) {
	env := newTestEnv(t, &stubExtractor{err: eris.Wrap(extract.ErrUpstreamUnavailable, "boom")})

	req := uploadInvoice(t, env.srv.URL+"/api/v1/brokers/ana-ribeiro/extract", "image/jpeg", []byte("x"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestCreateLead(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodPost, "/api/v1/brokers/ana-ribeiro/leads", "", validLeadBody())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.NotEmpty(t, body["lead_id"])
	est := body["estimate"].(map[string]any)
	assert.Equal(t, 240.0, est["min_savings"])
	assert.Equal(t, 480.0, est["max_savings"])
	assert.Equal(t, 2880.0, est["annual_min_savings"])
	assert.Contains(t, body["whatsapp_url"], "wa.me/5511988887777")
	assert.Equal(t, "tel:+5511988887777", body["tel_url"])

	lead, err := env.store.GetLead(context.Background(), body["lead_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSimulated, lead.Status)
	assert.Equal(t, env.broker.ID, lead.BrokerID)
	assert.Equal(t, 360.0, lead.EstimatedSaving)
	assert.NotEmpty(t, lead.Metadata.UserAgent)
}

func TestCreateLeadValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	body := validLeadBody()
	body["current_value"] = 0
	resp, _ := env.do(t, http.MethodPost, "/api/v1/brokers/ana-ribeiro/leads", "", body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body = validLeadBody()
	body["age_brackets"] = []string{}
	resp, _ = env.do(t, http.MethodPost, "/api/v1/brokers/ana-ribeiro/leads", "", body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body = validLeadBody()
	body["age_brackets"] = []string{"18-25"}
	resp, _ = env.do(t, http.MethodPost, "/api/v1/brokers/ana-ribeiro/leads", "", body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestCreateLeadUnknownBroker(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/brokers/nobody/leads", "", validLeadBody())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestContacted(t *testing.T) {
	env := newTestEnv(t, nil)

	_, created := env.do(t, http.MethodPost, "/api/v1/brokers/ana-ribeiro/leads", "", validLeadBody())
	leadID := created["lead_id"].(string)

	resp, body := env.do(t, http.MethodPost, "/api/v1/leads/"+leadID+"/contacted", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["whatsapp_url"], "wa.me/55")
	assert.Contains(t, body["whatsapp_url"], "1200.00")

	// idempotent
	resp, _ = env.do(t, http.MethodPost, "/api/v1/leads/"+leadID+"/contacted", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	lead, err := env.store.GetLead(context.Background(), leadID)
	require.NoError(t, err)
	assert.True(t, lead.ContactClicked)
}

func TestContactedNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/leads/no-such-lead/contacted", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFunnelRequiresAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodGet, "/api/v1/funnel", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/funnel", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFunnelDashboard(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 3; i++ {
		env.do(t, http.MethodPost, "/api/v1/brokers/ana-ribeiro/leads", "", validLeadBody())
	}

	resp, body := env.do(t, http.MethodGet, "/api/v1/funnel", env.token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, float64(3), body["total"])
	summary := body["summary"].(map[string]any)
	assert.Equal(t, float64(3), summary["total"])
	assert.Equal(t, float64(3), summary["simulated"])
	assert.Equal(t, float64(0), summary["conversion_rate"])
	assert.Len(t, body["leads"].([]any), 3)
}

func TestFunnelFilterAndSearch(t *testing.T) {
	env := newTestEnv(t, nil)

	_, created := env.do(t, http.MethodPost, "/api/v1/brokers/ana-ribeiro/leads", "", validLeadBody())
	leadID := created["lead_id"].(string)

	other := validLeadBody()
	other["name"] = "João Pereira"
	other["email"] = "joao@example.com"
	other["phone"] = "11911112222"
	env.do(t, http.MethodPost, "/api/v1/brokers/ana-ribeiro/leads", "", other)

	env.do(t, http.MethodPatch, "/api/v1/leads/"+leadID+"/status", env.token,
		map[string]string{"status": "closed"})

	resp, body := env.do(t, http.MethodGet, "/api/v1/funnel?status=closed", env.token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])
	// summary keeps whole-funnel totals while the list is filtered
	assert.Equal(t, float64(2), body["summary"].(map[string]any)["total"])

	resp, body = env.do(t, http.MethodGet, "/api/v1/funnel?q=joão", env.token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, _ = env.do(t, http.MethodGet, "/api/v1/funnel?status=bogus", env.token, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/funnel?page=zero", env.token, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	_, created := env.do(t, http.MethodPost, "/api/v1/brokers/ana-ribeiro/leads", "", validLeadBody())
	leadID := created["lead_id"].(string)

	resp, body := env.do(t, http.MethodPatch, "/api/v1/leads/"+leadID+"/status", env.token,
		map[string]string{"status": "proposal_sent"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "proposal_sent", body["status"])

	lead, err := env.store.GetLead(context.Background(), leadID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProposalSent, lead.Status)
}

func TestUpdateStatusInvalid(t *testing.T) {
	env := newTestEnv(t, nil)

	_, created := env.do(t, http.MethodPost, "/api/v1/brokers/ana-ribeiro/leads", "", validLeadBody())
	leadID := created["lead_id"].(string)

	resp, _ := env.do(t, http.MethodPatch, "/api/v1/leads/"+leadID+"/status", env.token,
		map[string]string{"status": "negotiating"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestUpdateStatusOtherBrokersLead(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	other, err := env.store.CreateBroker(ctx, "Outro", "outro", "", "")
	require.NoError(t, err)
	require.NoError(t, env.store.PutSession(ctx, other.ID, "other-token", time.Now().UTC().Add(time.Hour)))

	_, created := env.do(t, http.MethodPost, "/api/v1/brokers/ana-ribeiro/leads", "", validLeadBody())
	leadID := created["lead_id"].(string)

	resp, _ := env.do(t, http.MethodPatch, "/api/v1/leads/"+leadID+"/status", "other-token",
		map[string]string{"status": "closed"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var buf strings.Builder
	_, err = io.Copy(&buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "funnel_http_request_duration_seconds")
}
