package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gpulease/gpulease/pkg/auth"
	"github.com/gpulease/gpulease/pkg/config"
	"github.com/gpulease/gpulease/pkg/lease"
	"github.com/gpulease/gpulease/pkg/model"
	"github.com/gpulease/gpulease/pkg/store/memory"
)

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
}

type leaseResponse struct {
	TransactionID string   `json:"transaction_id"`
	ModelID       string   `json:"model_id"`
	AmountDebited int64    `json:"amount_debited"`
	BalanceAfter  int64    `json:"balance_after"`
	Evicted       []string `json:"evicted"`
}

type capacityResponse struct {
	MaxCapacity int `json:"max_capacity"`
	InUse       int `json:"in_use"`
	Headroom    int `json:"headroom"`
	Active      []struct {
		ID        string `json:"id"`
		Evictable bool   `json:"evictable"`
	} `json:"active"`
}

type testEnv struct {
	server *Server
	store  *memory.Store
	tokens *auth.AccountTokenManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := memory.NewStore()
	old := time.Now().Add(-30 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	stale := model.NewModel("acme", "stale", 4)
	stale.Active = true
	stale.ActivatedAt = &old
	s.PutModel(stale)

	fresh := model.NewModel("acme", "fresh", 4)
	fresh.Active = true
	fresh.ActivatedAt = &recent
	s.PutModel(fresh)

	s.PutModel(model.NewModel("acme", "llama", 2))
	s.PutModel(model.NewModel("acme", "giant", 8))
	s.PutModel(model.NewModel("acme", "broken", 12))
	s.PutUser(model.User{ID: "user-1", CreditBalance: 1000})
	s.PutUser(model.User{ID: "broke", CreditBalance: 5})

	cfg := &config.Config{Lease: config.DefaultLeaseConfig()}
	controller, err := lease.NewAdmissionController(s, cfg.Lease, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build controller: %v", err)
	}
	tokens := auth.NewAccountTokenManager([]byte("test-secret"), time.Hour, "")

	return &testEnv{
		server: NewServer(controller, tokens, cfg, zap.NewNop()),
		store:  s,
		tokens: tokens,
	}
}

func (e *testEnv) do(t *testing.T, method, path, account string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if account != "" {
		token, err := e.tokens.GenerateAccountToken(account)
		if err != nil {
			t.Fatalf("failed to issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.server.Router().ServeHTTP(recorder, req)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodGet, "/health", "")

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}

	var response healthResponse
	decode(t, recorder, &response)
	if response.Status != "ok" {
		t.Fatalf("expected status ok, got %q", response.Status)
	}
	if recorder.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/models/acme/llama/lease", "user-1")

	recorder := env.do(t, http.MethodGet, "/metrics", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "gpulease_lease_attempts_total") {
		t.Fatalf("expected lease metrics in output")
	}
}

func TestAPIAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodPost, "/api/v1/models/acme/llama/lease", "")

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, recorder.Code)
	}

	var response errorResponse
	decode(t, recorder, &response)
	if response.Error != "missing authorization" {
		t.Fatalf("expected missing authorization error, got %q", response.Error)
	}
}

func TestAPIRejectsForgedToken(t *testing.T) {
	env := newTestEnv(t)
	forged, err := auth.NewAccountTokenManager([]byte("wrong"), time.Hour, "").GenerateAccountToken("user-1")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/models/acme/llama/lease", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	recorder := httptest.NewRecorder()
	env.server.Router().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, recorder.Code)
	}
	if m, _ := env.store.Model("acme/llama"); m.Active {
		t.Fatalf("model activated by a forged token")
	}
}

func TestLeaseEndpoint(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodPost, "/api/v1/models/acme/llama/lease", "user-1")

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}

	var response leaseResponse
	decode(t, recorder, &response)
	if response.ModelID != "acme/llama" {
		t.Fatalf("expected acme/llama, got %q", response.ModelID)
	}
	if response.AmountDebited != 200 || response.BalanceAfter != 800 {
		t.Fatalf("unexpected debit %d, balance %d", response.AmountDebited, response.BalanceAfter)
	}
	if len(response.Evicted) != 1 || response.Evicted[0] != "acme/stale" {
		t.Fatalf("expected acme/stale evicted, got %v", response.Evicted)
	}
	if response.TransactionID == "" {
		t.Fatalf("expected a transaction id")
	}
}

func TestLeaseErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		account string
		status  int
		kind    lease.ErrorKind
	}{
		{name: "unknown model", path: "/api/v1/models/acme/missing/lease", account: "user-1", status: http.StatusNotFound, kind: lease.KindWorkloadNotFound},
		{name: "unknown account", path: "/api/v1/models/acme/llama/lease", account: "ghost", status: http.StatusNotFound, kind: lease.KindAccountNotFound},
		{name: "already active", path: "/api/v1/models/acme/fresh/lease", account: "user-1", status: http.StatusConflict, kind: lease.KindAlreadyActive},
		{name: "capacity out of bounds", path: "/api/v1/models/acme/broken/lease", account: "user-1", status: http.StatusUnprocessableEntity, kind: lease.KindInvalidCapacityRequest},
		{name: "insufficient funds", path: "/api/v1/models/acme/llama/lease", account: "broke", status: http.StatusPaymentRequired, kind: lease.KindInsufficientFunds},
		{name: "capacity unavailable", path: "/api/v1/models/acme/giant/lease", account: "user-1", status: http.StatusServiceUnavailable, kind: lease.KindCapacityUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			recorder := env.do(t, http.MethodPost, tt.path, tt.account)

			if recorder.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, recorder.Code, recorder.Body.String())
			}
			var response errorResponse
			decode(t, recorder, &response)
			if response.Error != string(tt.kind) {
				t.Fatalf("expected kind %s, got %q", tt.kind, response.Error)
			}
			if response.Message == "" {
				t.Fatalf("expected a message")
			}
		})
	}
}

func TestInsufficientFundsCarriesBalanceAndCost(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodPost, "/api/v1/models/acme/llama/lease", "broke")

	var response errorResponse
	decode(t, recorder, &response)
	if response.Details["balance"] != float64(5) || response.Details["cost"] != float64(200) {
		t.Fatalf("unexpected details %v", response.Details)
	}
}

type failingLeaser struct{}

func (failingLeaser) Lease(ctx context.Context, accountID, modelID string) (*lease.Receipt, error) {
	return nil, &lease.Error{Kind: lease.KindInternal, Message: "lease transaction failed", Err: errors.New("connection reset")}
}

func (failingLeaser) Capacity(ctx context.Context) (*lease.CapacitySnapshot, error) {
	return nil, errors.New("connection reset")
}

func TestInternalErrorsAreRetriable(t *testing.T) {
	tokens := auth.NewAccountTokenManager([]byte("test-secret"), time.Hour, "")
	server := NewServer(failingLeaser{}, tokens, &config.Config{}, zap.NewNop())
	env := &testEnv{server: server, tokens: tokens}

	recorder := env.do(t, http.MethodPost, "/api/v1/models/acme/llama/lease", "user-1")
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, recorder.Code)
	}
	if recorder.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if strings.Contains(recorder.Body.String(), "connection reset") {
		t.Fatalf("internal cause leaked to the caller: %s", recorder.Body.String())
	}

	recorder = env.do(t, http.MethodGet, "/api/v1/capacity", "user-1")
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, recorder.Code)
	}
}

func TestCapacityEndpoint(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodGet, "/api/v1/capacity", "user-1")

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	var response capacityResponse
	decode(t, recorder, &response)
	if response.MaxCapacity != 8 || response.InUse != 8 || response.Headroom != 0 {
		t.Fatalf("unexpected capacity %+v", response)
	}
	if len(response.Active) != 2 {
		t.Fatalf("expected 2 active models, got %d", len(response.Active))
	}
	for _, m := range response.Active {
		if m.ID == "acme/stale" && !m.Evictable {
			t.Fatalf("expected acme/stale to be evictable")
		}
		if m.ID == "acme/fresh" && m.Evictable {
			t.Fatalf("expected acme/fresh to be immune")
		}
	}
}
