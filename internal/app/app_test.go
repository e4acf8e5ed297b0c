package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-ephemeral/internal/config"
	"github.com/ksred/klear-ephemeral/internal/ledger"
	"github.com/ksred/klear-ephemeral/internal/matching"
	"github.com/ksred/klear-ephemeral/internal/oracle"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/ksred/klear-ephemeral/pkg/response"
)

type harness struct {
	t      *testing.T
	app    *App
	tokens map[string]string
}

func newHarness(t *testing.T, signer *oracle.Signer) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Defaults()
	cfg.Database.Path = fmt.Sprintf("file:app_%s?mode=memory&cache=shared", uuid.NewString())
	cfg.Oracle.PublisherAddress = signer.Address().Hex()
	cfg.Auth.APIKeys = []config.Credential{
		{Key: "alice", Secret: "alice-secret"},
		{Key: "bob", Secret: "bob-secret"},
	}
	cfg.Auth.Operators = []config.Credential{{Key: "ops", Secret: "ops-secret"}}

	a, err := New(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	h := &harness{t: t, app: a, tokens: make(map[string]string)}
	for _, cred := range append(cfg.Auth.APIKeys, cfg.Auth.Operators...) {
		var token struct {
			Token string `json:"jwt_token"`
		}
		h.mustDo("", http.MethodPost, "/api/v1/auth/token", nil,
			map[string]string{"api_key": cred.Key, "api_secret": cred.Secret}, &token)
		h.tokens[cred.Key] = token.Token
	}
	return h
}

func (h *harness) do(principal, method, path string, headers map[string]string, body any) (int, response.Response) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set("Authorization", "Bearer "+h.tokens[principal])
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.app.Handler().ServeHTTP(w, req)

	var resp response.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		h.t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
	}
	return w.Code, resp
}

func (h *harness) mustDo(principal, method, path string, headers map[string]string, body, out any) {
	h.t.Helper()
	code, resp := h.do(principal, method, path, headers, body)
	if code >= 300 || !resp.Success {
		h.t.Fatalf("%s %s as %q: status %d, error %+v", method, path, principal, code, resp.Error)
	}
	if out != nil {
		data, err := json.Marshal(resp.Data)
		if err != nil {
			h.t.Fatal(err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			h.t.Fatal(err)
		}
	}
}

func idempotent() map[string]string {
	return map[string]string{"Idempotency-Key": uuid.NewString()}
}

// Full lifecycle over HTTP: durable setup, delegation, fast trading and
// matching, undelegation, and the result visible in the durable context.
func TestLifecycleOverHTTP(t *testing.T) {
	signer, err := oracle.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, signer)
	const m = "SOL-USDC"
	durable := "/api/v1/durable/markets/" + m
	fast := "/api/v1/fast/markets/" + m

	h.mustDo("alice", http.MethodPost, "/api/v1/durable/markets", nil,
		map[string]string{"market_id": m, "base_asset": "SOL", "quote_asset": "USDC"}, nil)
	h.mustDo("alice", http.MethodPost, durable+"/traders", nil, nil, nil)
	h.mustDo("bob", http.MethodPost, durable+"/traders", nil, nil, nil)
	h.mustDo("alice", http.MethodPost, durable+"/deposit", idempotent(), map[string]any{"asset": "USDC", "amount": 100}, nil)
	h.mustDo("bob", http.MethodPost, durable+"/deposit", idempotent(), map[string]any{"asset": "SOL", "amount": 5}, nil)

	for _, ref := range []map[string]string{
		{"market_id": m},
		{"market_id": m, "principal": "alice"},
		{"market_id": m, "principal": "bob"},
	} {
		h.mustDo("ops", http.MethodPost, "/api/v1/internal/delegation/delegate", nil, ref, nil)
	}

	// the durable context no longer owns the traders
	if code, _ := h.do("alice", http.MethodPost, durable+"/deposit", idempotent(), map[string]any{"asset": "USDC", "amount": 1}); code != http.StatusForbidden {
		t.Fatalf("durable deposit on delegated trader: status %d, want 403", code)
	}

	var buy, sell types.Order
	h.mustDo("alice", http.MethodPost, fast+"/orders", nil, map[string]any{"side": "BUY", "price": 10, "quantity": 5}, &buy)
	h.mustDo("bob", http.MethodPost, fast+"/orders", nil, map[string]any{"side": "SELL", "price": 10, "quantity": 5}, &sell)

	att, err := signer.Sign(m, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	body := map[string]any{
		"maker":       types.OrderRef{Principal: "bob", OrderID: sell.OrderID},
		"taker":       types.OrderRef{Principal: "alice", OrderID: buy.OrderID},
		"attestation": att,
	}
	if code, _ := h.do("alice", http.MethodPost, "/api/v1/internal/fast/markets/"+m+"/match", nil, body); code != http.StatusForbidden {
		t.Fatalf("trader calling match: status %d, want 403", code)
	}
	var match matching.Match
	h.mustDo("ops", http.MethodPost, "/api/v1/internal/fast/markets/"+m+"/match", nil, body, &match)
	if match.Trade.Price != 10 || match.Trade.Quantity != 5 {
		t.Fatalf("trade = %+v", match.Trade)
	}

	for _, ref := range []map[string]string{
		{"market_id": m, "principal": "alice"},
		{"market_id": m, "principal": "bob"},
		{"market_id": m},
	} {
		h.mustDo("ops", http.MethodPost, "/api/v1/internal/delegation/undelegate", nil, ref, nil)
	}

	var alice, bob ledger.TraderView
	h.mustDo("alice", http.MethodGet, durable+"/traders/me", nil, nil, &alice)
	h.mustDo("bob", http.MethodGet, durable+"/traders/me", nil, nil, &bob)
	if alice.Base.Spendable != 5 || alice.Quote.Spendable != 50 || alice.Quote.Escrowed != 0 {
		t.Fatalf("alice = %+v", alice)
	}
	if bob.Base.Spendable != 0 || bob.Quote.Spendable != 50 || !bob.Balanced {
		t.Fatalf("bob = %+v", bob)
	}

	h.mustDo("bob", http.MethodPost, durable+"/withdraw", idempotent(), map[string]any{"asset": "USDC", "amount": 50}, nil)
	if got := h.app.Vault.Held(m, "USDC"); got != 50 {
		t.Fatalf("vault USDC = %d, want 50", got)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	signer, err := oracle.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, signer)

	if code, _ := h.do("", http.MethodGet, "/api/v1/durable/markets/SOL-USDC", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous market read: status %d, want 401", code)
	}
	if code, _ := h.do("", http.MethodPost, "/api/v1/auth/token", nil,
		map[string]string{"api_key": "alice", "api_secret": "wrong"}); code != http.StatusUnauthorized {
		t.Fatalf("bad secret: status %d, want 401", code)
	}
	if code, _ := h.do("bob", http.MethodGet, "/api/v1/internal/delegation?market_id=SOL-USDC", nil, nil); code != http.StatusForbidden {
		t.Fatalf("trader on internal route: status %d, want 403", code)
	}
}
