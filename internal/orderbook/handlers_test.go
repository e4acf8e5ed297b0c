package orderbook_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ephemeral/internal/orderbook"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/ksred/klear-ephemeral/pkg/response"
)

func asPrincipal(principal string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("clientID", principal)
		c.Next()
	}
}

func TestOrderHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env, book := setup(t)

	handlers := orderbook.NewGinHandlers(book)
	router := gin.New()
	group := router.Group("/markets", asPrincipal("alice"))
	group.POST("/:market_id/traders", handlers.CreateTraderHandler())
	group.POST("/:market_id/orders", handlers.CreateOrderHandler())
	group.GET("/:market_id/orders", handlers.GetOpenOrdersHandler())

	do := func(method, path string, body any) (*httptest.ResponseRecorder, response.Response) {
		var buf bytes.Buffer
		if body != nil {
			if err := json.NewEncoder(&buf).Encode(body); err != nil {
				t.Fatal(err)
			}
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		var resp response.Response
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
		return w, resp
	}

	w, _ := do(http.MethodPost, "/markets/"+market+"/traders", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create trader status = %d: %s", w.Code, w.Body.String())
	}
	w, resp := do(http.MethodPost, "/markets/"+market+"/traders", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate trader status = %d", w.Code)
	}
	if resp.Success {
		t.Fatal("duplicate trader reported success")
	}

	w, resp = do(http.MethodPost, "/markets/"+market+"/orders", map[string]any{"side": "BUY", "price": 10, "quantity": 1})
	if w.Code != http.StatusBadRequest || resp.Error.Code != response.ErrCodeValidationFailed {
		t.Fatalf("unfunded order: status %d body %s", w.Code, w.Body.String())
	}

	w, _ = do(http.MethodPost, "/markets/"+market+"/orders", map[string]any{"owner": "bob", "side": "SELL", "price": 10, "quantity": 1})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("foreign owner status = %d", w.Code)
	}

	w, _ = do(http.MethodGet, "/markets/missing/orders", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown trader status = %d", w.Code)
	}

	if err := env.Manager.Delegate(t.Context(), types.TraderKey(market, "alice"), types.Fast); err != nil {
		t.Fatal(err)
	}
	w, resp = do(http.MethodPost, "/markets/"+market+"/orders", map[string]any{"side": "BUY", "price": 10, "quantity": 1})
	if w.Code != http.StatusForbidden {
		t.Fatalf("order against delegated trader: status %d", w.Code)
	}
	if resp.Error == nil || resp.Error.Code != response.ErrCodeForbidden {
		t.Fatalf("unexpected error body %s", w.Body.String())
	}

	w, _ = do(http.MethodGet, "/markets/"+market+"/orders", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("read of delegated trader from durable: status %d", w.Code)
	}
}
