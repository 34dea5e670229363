package extract

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/humano-saude/funnel-api/internal/model"
	"github.com/humano-saude/funnel-api/internal/resilience"
	"github.com/humano-saude/funnel-api/pkg/vision"
)

// MaxArtifactSize is the largest accepted invoice upload, in bytes.
const MaxArtifactSize = 10 << 20

const (
	defaultMaxTokens   = 500
	defaultTemperature = 0.1
)

var (
	// ErrMissingAPIKey means the service was started without vision
	// credentials. Extraction is unavailable but the rest of the funnel
	// keeps working.
	ErrMissingAPIKey = eris.New("extract: vision API key not configured")
	// ErrUnsupportedFormat is returned before any upstream call for media
	// types outside the accepted set.
	ErrUnsupportedFormat = eris.New("extract: unsupported media type")
	// ErrArtifactTooLarge is returned for uploads over MaxArtifactSize.
	ErrArtifactTooLarge = eris.New("extract: artifact too large")
	// ErrUpstreamUnavailable is returned when the vision API fails after
	// retries. The underlying cause is logged, never surfaced.
	ErrUpstreamUnavailable = eris.New("extract: vision service unavailable")
)

// allowedMediaTypes is the accepted invoice upload set.
var allowedMediaTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"application/pdf": true,
}

// Artifact is one uploaded invoice document.
type Artifact struct {
	Data      []byte
	MediaType string
}

// Result is the outcome of one extraction attempt. When the model answered
// but its output could not be parsed as the expected JSON, OK is false and
// Raw carries the text so the caller can fall back to manual entry.
type Result struct {
	OK     bool
	Fields *model.InvoiceFields
	Raw    string
}

// Config holds extractor settings.
type Config struct {
	APIKey string
	Model  string
	// RatePerSecond throttles upstream calls. Zero means 1 req/s.
	RatePerSecond float64
}

// Extractor reads invoice fields from uploaded documents via a vision model.
type Extractor struct {
	client  vision.Client
	model   string
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// New creates an Extractor from config. It fails closed when no API key is
// set so a misconfigured deployment is caught at startup, not per request.
func New(cfg Config) (*Extractor, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	e := NewWithClient(vision.NewClient(cfg.APIKey), cfg.Model)
	if cfg.RatePerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return e, nil
}

// NewWithClient wires an existing vision client. Used by tests.
func NewWithClient(client vision.Client, visionModel string) *Extractor {
	return &Extractor{
		client:  client,
		model:   visionModel,
		limiter: rate.NewLimiter(rate.Limit(1), 1),
		retry:   resilience.DefaultRetryConfig(),
	}
}

const systemPrompt = `You are an assistant that reads Brazilian health insurance invoices (boletos and faturas). Extract the requested fields from the document. Respond with a single JSON object and nothing else, no markdown, no explanation. Use null for any field you cannot read. The object has exactly these keys:
{
  "operator": "insurance operator name or null",
  "plan": "plan name or null",
  "total_amount": numeric total in BRL or null,
  "due_date": "due date as YYYY-MM-DD or null",
  "beneficiaries": number of covered people or null,
  "policyholder": "policyholder name or null",
  "confidence": integer 0-100 for overall extraction confidence
}`

const userPrompt = `Extract the invoice fields from this document.`

// Extract validates the artifact and asks the vision model for the invoice
// fields. Upload validation errors come back as typed sentinels; upstream
// failures after retries surface as ErrUpstreamUnavailable.
func (e *Extractor) Extract(ctx context.Context, artifact Artifact) (*Result, error) {
	if !allowedMediaTypes[artifact.MediaType] {
		return nil, eris.Wrapf(ErrUnsupportedFormat, "%q", artifact.MediaType)
	}
	if len(artifact.Data) > MaxArtifactSize {
		return nil, eris.Wrapf(ErrArtifactTooLarge, "%d bytes", len(artifact.Data))
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "extract: rate limit wait")
	}

	temperature := defaultTemperature
	req := vision.MessageRequest{
		Model:       e.model,
		MaxTokens:   defaultMaxTokens,
		System:      systemPrompt,
		Prompt:      userPrompt,
		Attachment:  &vision.Attachment{MediaType: artifact.MediaType, Data: artifact.Data},
		Temperature: &temperature,
	}

	retryCfg := e.retry
	retryCfg.OnRetry = resilience.RetryLogger("vision", "extract invoice")

	resp, err := resilience.Do(ctx, retryCfg, func(ctx context.Context) (*vision.MessageResponse, error) {
		resp, err := e.client.CreateMessage(ctx, req)
		if err != nil {
			if code := vision.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
				return nil, resilience.NewTransientError(err, code)
			}
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		zap.L().Error("invoice extraction failed",
			zap.String("model", e.model),
			zap.String("media_type", artifact.MediaType),
			zap.Error(err),
		)
		return nil, eris.Wrap(ErrUpstreamUnavailable, "create message")
	}

	resp.Usage.LogCost(e.model, "invoice extraction")

	result := parseFields(resp.Text())
	if !result.OK {
		zap.L().Warn("extraction output was not valid JSON",
			zap.String("model", e.model),
			zap.Int("raw_len", len(result.Raw)),
		)
	}
	return result, nil
}
