package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/humano-saude/funnel-api/internal/estimate"
	"github.com/humano-saude/funnel-api/internal/extract"
	"github.com/humano-saude/funnel-api/internal/funnel"
	"github.com/humano-saude/funnel-api/internal/model"
	"github.com/humano-saude/funnel-api/internal/monitoring"
	"github.com/humano-saude/funnel-api/internal/store"
)

// Extractor is the invoice reading dependency of the API. Nil when the
// service runs without vision credentials.
type Extractor interface {
	Extract(ctx context.Context, artifact extract.Artifact) (*extract.Result, error)
}

// handleExtract reads an invoice upload for a broker's public simulation
// page and returns the extracted fields, or the raw model text when the
// output could not be parsed.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	broker, ok := s.lookupBroker(w, r)
	if !ok {
		return
	}

	if s.extractor == nil {
		writeError(w, http.StatusServiceUnavailable, "invoice extraction is not configured")
		return
	}

	file, header, err := r.FormFile("invoice")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing invoice file")
		return
	}
	defer file.Close()

	// One byte past the limit is enough to tell an oversized upload apart.
	data, err := io.ReadAll(io.LimitReader(file, extract.MaxArtifactSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	result, err := s.extractor.Extract(r.Context(), extract.Artifact{
		Data:      data,
		MediaType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		switch {
		case eris.Is(err, extract.ErrUnsupportedFormat):
			monitoring.ExtractionsTotal.WithLabelValues(monitoring.OutcomeRejected).Inc()
			writeError(w, http.StatusUnsupportedMediaType, "unsupported file format, send JPEG, PNG, WebP or PDF")
		case eris.Is(err, extract.ErrArtifactTooLarge):
			monitoring.ExtractionsTotal.WithLabelValues(monitoring.OutcomeRejected).Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the 10MB limit")
		case eris.Is(err, extract.ErrMissingAPIKey):
			writeError(w, http.StatusServiceUnavailable, "invoice extraction is not configured")
		default:
			monitoring.ExtractionsTotal.WithLabelValues(monitoring.OutcomeUpstream).Inc()
			writeError(w, http.StatusBadGateway, "extraction service unavailable, try again shortly")
		}
		return
	}

	if !result.OK {
		monitoring.ExtractionsTotal.WithLabelValues(monitoring.OutcomeSoftFailure).Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"raw":     result.Raw,
		})
		return
	}

	monitoring.ExtractionsTotal.WithLabelValues(monitoring.OutcomeParsed).Inc()
	zap.L().Info("invoice extracted",
		zap.String("broker_id", broker.ID),
		zap.Int("confidence", result.Fields.Confidence),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"fields":  result.Fields,
	})
}

type leadRequest struct {
	Name         *string  `json:"name"`
	Email        *string  `json:"email"`
	Phone        *string  `json:"phone"`
	Operator     *string  `json:"operator"`
	Plan         *string  `json:"plan"`
	CurrentValue float64  `json:"current_value"`
	AgeBrackets  []string `json:"age_brackets"`
}

// handleCreateLead runs the savings estimate for a simulation and persists
// the resulting lead under the referring broker.
func (s *Server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	broker, ok := s.lookupBroker(w, r)
	if !ok {
		return
	}

	var req leadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	est, err := estimate.Savings(req.CurrentValue, req.AgeBrackets)
	if err != nil {
		if estimate.IsValidationError(err) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		zap.L().Error("estimate failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	draft := model.LeadDraft{
		Name:         req.Name,
		Email:        req.Email,
		Phone:        req.Phone,
		Operator:     req.Operator,
		Plan:         req.Plan,
		CurrentValue: req.CurrentValue,
		AgeBrackets:  req.AgeBrackets,
		Metadata: model.LeadMetadata{
			UserAgent: r.UserAgent(),
			Referrer:  r.Referer(),
		},
	}

	lead, err := s.store.CreateLead(r.Context(), broker.ID, draft, est)
	if err != nil {
		zap.L().Error("create lead failed", zap.String("broker_id", broker.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	monitoring.LeadsCreatedTotal.Inc()
	zap.L().Info("lead created",
		zap.String("lead_id", lead.ID),
		zap.String("broker_id", broker.ID),
		zap.Int("lives", lead.Lives),
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"lead_id":      lead.ID,
		"estimate":     est,
		"whatsapp_url": funnel.WhatsAppURL(broker, est.CurrentValue),
		"tel_url":      funnel.TelURL(broker),
	})
}

// handleContacted records that the lead tapped a contact button and hands
// back the deep links. Safe to call more than once.
func (s *Server) handleContacted(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "id")

	lead, err := s.store.GetLead(r.Context(), leadID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		zap.L().Error("get lead failed", zap.String("lead_id", leadID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.store.MarkContacted(r.Context(), leadID); err != nil {
		zap.L().Error("mark contacted failed", zap.String("lead_id", leadID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	broker, err := s.store.GetBroker(r.Context(), lead.BrokerID)
	if err != nil {
		zap.L().Error("get broker failed", zap.String("broker_id", lead.BrokerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	monitoring.ContactClicksTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"whatsapp_url": funnel.WhatsAppURL(broker, lead.CurrentValue),
		"tel_url":      funnel.TelURL(broker),
	})
}

// handleFunnel serves the authenticated broker's dashboard: one filtered
// page of leads plus the whole-funnel summary.
func (s *Server) handleFunnel(w http.ResponseWriter, r *http.Request) {
	broker := brokerFromContext(r.Context())

	filter := store.LeadFilter{
		Search:   r.URL.Query().Get("q"),
		PageSize: s.pageSize,
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := model.LeadStatus(status)
		if !st.Valid() {
			writeError(w, http.StatusUnprocessableEntity, "unknown status")
			return
		}
		filter.Status = st
	}
	if page := r.URL.Query().Get("page"); page != "" {
		n, err := strconv.Atoi(page)
		if err != nil || n < 1 {
			writeError(w, http.StatusUnprocessableEntity, "page must be a positive integer")
			return
		}
		filter.Page = n
	}

	dashboard, err := s.aggregator.Dashboard(r.Context(), broker.ID, filter)
	if err != nil {
		zap.L().Error("dashboard failed", zap.String("broker_id", broker.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, dashboard)
}

type statusRequest struct {
	Status model.LeadStatus `json:"status"`
}

// handleUpdateStatus moves one of the broker's own leads to a new funnel
// bucket.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	broker := brokerFromContext(r.Context())
	leadID := chi.URLParam(r, "id")

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	lead, err := s.store.GetLead(r.Context(), leadID)
	if err != nil || lead.BrokerID != broker.ID {
		// leads of other brokers are indistinguishable from missing ones
		if err == nil || eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		zap.L().Error("get lead failed", zap.String("lead_id", leadID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.store.UpdateLeadStatus(r.Context(), leadID, req.Status); err != nil {
		switch {
		case eris.Is(err, store.ErrInvalidStatus):
			writeError(w, http.StatusUnprocessableEntity, "unknown status")
		case eris.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "lead not found")
		default:
			zap.L().Error("update status failed", zap.String("lead_id", leadID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	monitoring.StatusUpdatesTotal.WithLabelValues(string(req.Status)).Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"lead_id": leadID,
		"status":  string(req.Status),
	})
}

// handleHealth reports liveness and store reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// lookupBroker resolves the slug in the URL, answering 404 itself when the
// broker does not exist.
func (s *Server) lookupBroker(w http.ResponseWriter, r *http.Request) (*model.Broker, bool) {
	slug := chi.URLParam(r, "slug")
	broker, err := s.store.GetBrokerBySlug(r.Context(), slug)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "broker not found")
			return nil, false
		}
		zap.L().Error("broker lookup failed", zap.String("slug", slug), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return broker, true
}
