package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/fraudproof/internal/assessment"
	"github.com/opensource-finance/fraudproof/internal/bus"
	"github.com/opensource-finance/fraudproof/internal/cache"
	"github.com/opensource-finance/fraudproof/internal/chain"
	"github.com/opensource-finance/fraudproof/internal/chain/chaintest"
	"github.com/opensource-finance/fraudproof/internal/domain"
	"github.com/opensource-finance/fraudproof/internal/repository"
	"github.com/opensource-finance/fraudproof/internal/scoring"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

// fieldScorer scores from the "score" field so tests can pick verdicts;
// a "broken" field makes scoring fail.
type fieldScorer struct{}

func (fieldScorer) Score(_ context.Context, raw domain.RawTransaction, d domain.TransactionDomain) *scoring.Result {
	if _, ok := raw["broken"]; ok {
		return scoring.Failure(d, errors.New("model inference failed: corrupt artifact"))
	}
	score, _ := raw["score"].(float64)
	s := int(score)
	return &scoring.Result{
		Domain:        d,
		ModelVersion:  "v1",
		RawPrediction: 1,
		Probability:   score / 100,
		FraudScore:    s,
		RiskTier:      scoring.ToRiskTier(s),
	}
}

func createTestServer(t *testing.T) *Server {
	t.Helper()
	server, _ := newTestServer(t)
	return server
}

// newTestServer wires a real service over SQLite and an in-memory chain.
func newTestServer(t *testing.T) (*Server, *chaintest.Network) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	net := chaintest.New(11155111, 1_700_000_000)
	key, _ := crypto.GenerateKey()
	writer, err := chain.NewWriter(net, chain.WriterConfig{
		PrivateKey:      hex.EncodeToString(crypto.FromECDSA(key)),
		ContractAddress: testContract,
		ChainID:         11155111,
		PollInterval:    time.Millisecond,
		ConfirmTimeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}

	eventCache := cache.NewLRUCache(100)
	reader, err := chain.NewReader(net, testContract, chain.WithCache(eventCache, time.Hour))
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	svc, err := assessment.NewService(assessment.Deps{
		Scorer:         fieldScorer{},
		Repository:     repo,
		Writer:         writer,
		Reader:         reader,
		Bus:            eventBus,
		Anchoring:      domain.DefaultConfig().Anchoring,
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	deps := Dependencies{Repository: repo, Cache: eventCache, Bus: eventBus}
	return NewServer(cfg, svc, deps, "test-v1"), net
}

func do(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func detect(t *testing.T, server *Server, txType string, score float64, ref string) DetectResponse {
	t.Helper()
	rr := do(t, server, http.MethodPost, "/detect", map[string]any{
		"transaction_type": txType,
		"transaction_data": map[string]any{"score": score, "amount": 120.5},
		"tx_hash":          ref,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp DetectResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return resp
}

func TestDetectEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HighScoreIsAnchored", func(t *testing.T) {
		resp := detect(t, server, "ethereum", 75, "tx-high")

		if !resp.Success {
			t.Error("expected success")
		}
		if resp.FraudScore != 75 || resp.RiskLevel != domain.RiskCritical {
			t.Errorf("unexpected verdict: %d %s", resp.FraudScore, resp.RiskLevel)
		}
		if resp.DatabaseID == "" {
			t.Error("expected database_id")
		}
		if resp.BlockchainTx == nil || !strings.HasPrefix(*resp.BlockchainTx, "0x") {
			t.Errorf("expected blockchain_tx, got %v", resp.BlockchainTx)
		}
		if resp.AnchorStatus != domain.AnchorConfirmed {
			t.Errorf("expected anchor status confirmed, got %s", resp.AnchorStatus)
		}
		if resp.TxHash != "tx-high" {
			t.Errorf("expected tx_hash echoed, got %s", resp.TxHash)
		}
	})

	t.Run("LowScoreIsNotAnchored", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/detect", map[string]any{
			"transaction_type": "Vehicle",
			"transaction_data": map[string]any{"score": 25},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if !strings.Contains(rr.Body.String(), `"blockchain_tx":null`) {
			t.Errorf("expected null blockchain_tx, got %s", rr.Body.String())
		}
		var resp DetectResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.TransactionType != domain.DomainVehicle {
			t.Errorf("expected normalised type vehicle, got %s", resp.TransactionType)
		}
		if !strings.HasPrefix(resp.TxHash, "local_") {
			t.Errorf("expected generated reference, got %s", resp.TxHash)
		}
		if resp.AnchorStatus != domain.AnchorSkipped {
			t.Errorf("expected anchor status skipped, got %s", resp.AnchorStatus)
		}
	})

	t.Run("UnknownType", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/detect", map[string]any{
			"transaction_type": "crypto",
			"transaction_data": map[string]any{},
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "valid_types") {
			t.Errorf("expected valid_types in body, got %s", rr.Body.String())
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/detect", "invalid json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingData", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/detect", map[string]any{"transaction_type": "bank"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ScoringFailureIsPersisted", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/detect", map[string]any{
			"transaction_type": "bank",
			"transaction_data": map[string]any{"broken": true},
		})
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", rr.Code)
		}
		var resp DetectResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Success || resp.Error == "" {
			t.Errorf("expected tagged failure, got %+v", resp)
		}
		if resp.DatabaseID == "" {
			t.Error("expected failed attempt to be persisted")
		}

		get := do(t, server, http.MethodGet, "/assessments/"+resp.DatabaseID, nil)
		if get.Code != http.StatusOK {
			t.Errorf("expected persisted failure to be readable, got %d", get.Code)
		}
	})
}

func TestAssessmentEndpoints(t *testing.T) {
	server := createTestServer(t)

	anchored := detect(t, server, "bank", 80, "tx-42")
	low := detect(t, server, "bank", 40, "tx-43")
	detect(t, server, "ecommerce", 10, "tx-44")

	t.Run("List", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/assessments", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Assessments []map[string]any `json:"assessments"`
			Count       int              `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 3 {
			t.Errorf("expected 3 assessments, got %d", resp.Count)
		}
	})

	t.Run("ListByDomain", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/assessments?domain=bank&limit=10", nil)
		var resp struct {
			Assessments []map[string]any `json:"assessments"`
			Count       int              `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 2 {
			t.Fatalf("expected 2 bank assessments, got %d", resp.Count)
		}

		var enriched int
		for _, a := range resp.Assessments {
			if data, ok := a["blockchain_data"].(map[string]any); ok {
				enriched++
				if data["fraud_score"] != 80.0 || data["model_version"] != "v1" {
					t.Errorf("unexpected chain event %v", data)
				}
			}
		}
		if enriched != 1 {
			t.Errorf("expected exactly one enriched record, got %d", enriched)
		}
	})

	t.Run("ListValidation", func(t *testing.T) {
		if rr := do(t, server, http.MethodGet, "/assessments?domain=crypto", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for unknown domain, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodGet, "/assessments?limit=abc", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad limit, got %d", rr.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/assessments/"+anchored.DatabaseID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var rec map[string]any
		json.Unmarshal(rr.Body.Bytes(), &rec)
		if rec["id"] != anchored.DatabaseID {
			t.Errorf("expected id %s, got %v", anchored.DatabaseID, rec["id"])
		}
		if rec["blockchain_tx"] != *anchored.BlockchainTx {
			t.Errorf("expected blockchain_tx %s, got %v", *anchored.BlockchainTx, rec["blockchain_tx"])
		}
		if _, ok := rec["blockchain_data"]; !ok {
			t.Error("expected blockchain_data")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/assessments/nonexistent", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Reanchor", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/assessments/"+anchored.DatabaseID+"/anchor", nil)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409 for anchored assessment, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodPost, "/assessments/"+low.DatabaseID+"/anchor", nil)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422 below threshold, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodPost, "/assessments/nonexistent/anchor", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ReadChain", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/chain/"+*anchored.BlockchainTx, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var ev domain.ChainEvent
		json.Unmarshal(rr.Body.Bytes(), &ev)
		if ev.FraudScore != 80 || ev.ModelVersion != "v1" {
			t.Errorf("unexpected chain event %+v", ev)
		}
		if ev.Digest != chain.Digest("tx-42").Hex() {
			t.Errorf("unexpected digest %s", ev.Digest)
		}

		if rr := do(t, server, http.MethodGet, "/chain/0x1234", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for malformed hash, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodGet, "/chain/0x"+strings.Repeat("0f", 32), nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for unknown hash, got %d", rr.Code)
		}
	})
}

func TestInfoEndpoint(t *testing.T) {
	server := createTestServer(t)

	rr := do(t, server, http.MethodGet, "/info", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]any
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "ok" || resp["service"] != "fraudproof" {
		t.Errorf("unexpected info %v", resp)
	}
	if resp["fraud_threshold"] != 50.0 {
		t.Errorf("expected threshold 50, got %v", resp["fraud_threshold"])
	}
	if types, _ := resp["supported_types"].([]any); len(types) != 4 {
		t.Errorf("expected 4 supported types, got %v", resp["supported_types"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %v", resp["version"])
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %v", resp)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		do(t, server, http.MethodGet, "/info", nil)
		rr := do(t, server, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "fraudproof_http_requests_total") {
			t.Error("expected request counter in scrape output")
		}
	})

	t.Run("DegradedWhenBusClosed", func(t *testing.T) {
		eventBus := bus.NewChannelBus(1)
		eventBus.Close()
		h := NewHandler(nil, Dependencies{Bus: eventBus}, "test")

		rr := httptest.NewRecorder()
		h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "degraded" {
			t.Errorf("expected degraded, got %v", resp)
		}
	})
}

func TestMiddleware(t *testing.T) {
	server := createTestServer(t)

	t.Run("RequestIDPropagation", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Header().Get(RequestIDHeader) != "req-123" {
			t.Errorf("expected request id echoed, got %q", rr.Header().Get(RequestIDHeader))
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected trace id header")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/detect", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
			t.Errorf("unexpected allow-origin %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("CORSAllowList", func(t *testing.T) {
		h := CORSMiddleware([]string{"https://dash.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/info", nil)
		req.Header.Set("Origin", "https://dash.example")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://dash.example" {
			t.Errorf("expected listed origin allowed, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}

		req.Header.Set("Origin", "https://evil.example")
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected unlisted origin rejected, got %q", got)
		}
	})

	t.Run("TraceparentContinued", func(t *testing.T) {
		otel.SetTextMapPropagator(propagation.TraceContext{})
		defer otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if got := rr.Header().Get(TraceIDHeader); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
			t.Errorf("expected incoming trace id kept, got %q", got)
		}
	})

	t.Run("Recover", func(t *testing.T) {
		h := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}

func TestDetectAnchorFailureKeepsStatus(t *testing.T) {
	cases := []struct {
		name       string
		breakChain func(*chaintest.Network)
		sends      int
	}{
		{"Reverted", func(n *chaintest.Network) { n.RevertNext(1) }, 1},
		{"SendsExhausted", func(n *chaintest.Network) { n.FailNextSends(3, errors.New("connection reset")) }, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, net := newTestServer(t)
			tc.breakChain(net)

			resp := detect(t, server, "bank", 80, "tx-"+strings.ToLower(tc.name))

			if !resp.Success || resp.FraudScore != 80 {
				t.Errorf("expected a successful verdict, got %+v", resp)
			}
			if resp.AnchorStatus != domain.AnchorFailed {
				t.Errorf("expected anchor status failed, got %s", resp.AnchorStatus)
			}
			if resp.AnchorError == "" {
				t.Error("expected anchor_error in the response")
			}
			if resp.BlockchainTx != nil {
				t.Errorf("expected null blockchain_tx, got %s", *resp.BlockchainTx)
			}
			if got := len(net.Sent()); got != tc.sends {
				t.Errorf("expected %d accepted transactions, got %d", tc.sends, got)
			}

			get := do(t, server, http.MethodGet, "/assessments/"+resp.DatabaseID, nil)
			if get.Code != http.StatusOK {
				t.Fatalf("expected stored assessment, got %d", get.Code)
			}
			if !strings.Contains(get.Body.String(), `"anchor_status":"failed"`) {
				t.Errorf("expected failed anchor persisted, got %s", get.Body.String())
			}
		})
	}
}

func TestServerAddr(t *testing.T) {
	cases := []struct {
		host string
		port int
		want string
	}{
		{"0.0.0.0", 8080, "0.0.0.0:8080"},
		{"", 9000, ":9000"},
		{"::1", 8080, "[::1]:8080"},
	}
	for _, tc := range cases {
		s := &Server{config: domain.ServerConfig{Host: tc.host, Port: tc.port}}
		if got := s.Addr(); got != tc.want {
			t.Errorf("Addr(%q, %d) = %q, want %q", tc.host, tc.port, got, tc.want)
		}
	}
}
