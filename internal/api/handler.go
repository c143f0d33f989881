package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/fraudproof/internal/assessment"
	"github.com/opensource-finance/fraudproof/internal/domain"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Assessor is the service behind the handlers. *assessment.Service
// satisfies it.
type Assessor interface {
	Detect(ctx context.Context, req domain.DetectRequest) (*domain.FraudAssessment, error)
	Anchor(ctx context.Context, id string) (*domain.FraudAssessment, error)
	Get(ctx context.Context, id string) (*assessment.Record, error)
	List(ctx context.Context, d domain.TransactionDomain, limit int) ([]*assessment.Record, error)
	ReadChain(ctx context.Context, txHash string) (*domain.ChainEvent, error)
	Info() assessment.Info
}

// Dependencies are pinged by /health and /ready. Any of them may be nil.
type Dependencies struct {
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
}

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     Assessor
	deps    Dependencies
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc Assessor, deps Dependencies, version string) *Handler {
	return &Handler{
		svc:     svc,
		deps:    deps,
		version: version,
	}
}

// DetectResponse is the response for POST /detect.
type DetectResponse struct {
	Success         bool                     `json:"success"`
	FraudScore      int                      `json:"fraud_score"`
	RiskLevel       domain.RiskTier          `json:"risk_level"`
	Probability     float64                  `json:"probability"`
	RawPrediction   int                      `json:"raw_prediction"`
	TransactionType domain.TransactionDomain `json:"transaction_type"`
	TxHash          string                   `json:"tx_hash"`
	ModelVersion    string                   `json:"model_version,omitempty"`
	DatabaseID      string                   `json:"database_id"`
	BlockchainTx    *string                  `json:"blockchain_tx"`
	AnchorStatus    domain.AnchorStatus      `json:"anchor_status"`
	AnchorError     string                   `json:"anchor_error,omitempty"`
	Error           string                   `json:"error,omitempty"`
	TraceID         string                   `json:"trace_id,omitempty"`
}

func newDetectResponse(a *domain.FraudAssessment) DetectResponse {
	resp := DetectResponse{
		Success:         a.Succeeded(),
		FraudScore:      a.FraudScore,
		RiskLevel:       a.RiskTier,
		Probability:     a.Probability,
		RawPrediction:   a.RawPrediction,
		TransactionType: a.Domain,
		TxHash:          a.Reference,
		ModelVersion:    a.ModelVersion,
		DatabaseID:      a.ID,
		AnchorStatus:    a.AnchorStatus,
		AnchorError:     a.AnchorError,
		Error:           a.Error,
	}
	if a.AnchorTxHash != "" {
		tx := a.AnchorTxHash
		resp.BlockchainTx = &tx
	}
	return resp
}

// Detect handles POST /detect. A scoring failure is still persisted and
// answered with 500 and the same body shape; anchoring failures never
// change the status.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	var req domain.DetectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	a, err := h.svc.Detect(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := newDetectResponse(a)
	resp.TraceID = GetTraceID(r.Context())

	status := http.StatusOK
	if !a.Succeeded() {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// ListAssessments handles GET /assessments?domain=<d>&limit=<n>.
func (h *Handler) ListAssessments(w http.ResponseWriter, r *http.Request) {
	var d domain.TransactionDomain
	if raw := r.URL.Query().Get("domain"); raw != "" {
		parsed, err := domain.ParseDomain(raw)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		d = parsed
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := h.svc.List(r.Context(), d, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"assessments": records,
		"count":       len(records),
	})
}

// GetAssessment handles GET /assessments/{id}.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// AnchorAssessment handles POST /assessments/{id}/anchor.
func (h *Handler) AnchorAssessment(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Anchor(r.Context(), chi.URLParam(r, "id"))
	if err == nil {
		writeJSON(w, http.StatusOK, a)
		return
	}
	if a != nil && isChainFailure(err) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":      err.Error(),
			"assessment": a,
		})
		return
	}
	h.writeError(w, r, err)
}

// ReadChain handles GET /chain/{txHash}.
func (h *Handler) ReadChain(w http.ResponseWriter, r *http.Request) {
	ev, err := h.svc.ReadChain(r.Context(), chi.URLParam(r, "txHash"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// Info handles GET /info.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		assessment.Info
		Version string `json:"version"`
	}{h.svc.Info(), h.version})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	components := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			status = "degraded"
			components[name] = err.Error()
			return
		}
		components[name] = "ok"
	}

	if h.deps.Repository != nil {
		check("repository", h.deps.Repository.Ping)
	}
	if h.deps.Cache != nil {
		check("cache", h.deps.Cache.Ping)
	}
	if h.deps.Bus != nil {
		check("event_bus", h.deps.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repository != nil {
		if err := h.deps.Repository.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func isChainFailure(err error) bool {
	return errors.Is(err, domain.ErrSigning) ||
		errors.Is(err, domain.ErrNetwork) ||
		errors.Is(err, domain.ErrSubmission) ||
		errors.Is(err, domain.ErrRevert)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownDomain):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":       err.Error(),
			"valid_types": domain.Domains(),
		})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrAlreadyAnchored):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrBelowThreshold):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, assessment.ErrChainUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case isChainFailure(err):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
