package exchange

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyName = "organizations/org-1/apiKeys/key-1"

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return key, string(block)
}

// verifyJWT проверяет подпись и claims запроса
func verifyJWT(t *testing.T, r *http.Request, key *ecdsa.PrivateKey) {
	t.Helper()
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		t.Errorf("missing bearer token on %s %s", r.Method, r.URL.Path)
		return
	}

	token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(tok *jwt.Token) (interface{}, error) {
		if tok.Method != jwt.SigningMethodES256 {
			t.Errorf("unexpected signing method %v", tok.Method.Alg())
		}
		return &key.PublicKey, nil
	})
	if err != nil || !token.Valid {
		t.Errorf("invalid token: %v", err)
		return
	}

	claims := token.Claims.(jwt.MapClaims)
	if claims["sub"] != testKeyName || claims["iss"] != "cdp" {
		t.Errorf("unexpected claims: %v", claims)
	}
	wantURI := r.Method + " " + r.Host + r.URL.Path
	if claims["uri"] != wantURI {
		t.Errorf("uri claim = %v, want %s", claims["uri"], wantURI)
	}
	if token.Header["kid"] != testKeyName || token.Header["nonce"] == "" {
		t.Errorf("unexpected header: %v", token.Header)
	}
}

func newTestCoinbase(t *testing.T, srv *httptest.Server, pemKey string) *Coinbase {
	t.Helper()
	cfg := CoinbaseConfig{
		BaseURL:        srv.URL,
		RequestsPerSec: 1000,
		FillPollDelay:  time.Millisecond,
	}
	if pemKey != "" {
		cfg.KeyName = testKeyName
		cfg.PrivateKeyPEM = pemKey
	}
	c, err := NewCoinbase(cfg)
	if err != nil {
		t.Fatalf("NewCoinbase: %v", err)
	}
	return c
}

func TestNewCoinbase_InvalidKey(t *testing.T) {
	_, err := NewCoinbase(CoinbaseConfig{KeyName: testKeyName, PrivateKeyPEM: "not a key"})
	if err == nil {
		t.Fatal("expected error for invalid PEM")
	}
}

func TestCoinbase_GetPricePublic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/brokerage/market/products/BTC-USD" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("public endpoint must not be signed")
		}
		io.WriteString(w, `{"product_id":"BTC-USD","price":"64250.12"}`)
	}))
	defer srv.Close()

	c := newTestCoinbase(t, srv, "")
	if c.Authenticated() {
		t.Fatal("client without key reports authenticated")
	}

	price, err := c.GetPrice(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if price != 64250.12 {
		t.Errorf("price = %v, want 64250.12", price)
	}
}

func TestCoinbase_GetPriceSigned(t *testing.T) {
	key, pemKey := newTestKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/brokerage/products/ETH-USD" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		verifyJWT(t, r, key)
		io.WriteString(w, `{"product_id":"ETH-USD","price":"3100.5"}`)
	}))
	defer srv.Close()

	price, err := newTestCoinbase(t, srv, pemKey).GetPrice(context.Background(), "ETH-USD")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if price != 3100.5 {
		t.Errorf("price = %v, want 3100.5", price)
	}
}

func TestCoinbase_GetPriceErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		unknown   bool
	}{
		{"not found", http.StatusNotFound, `{"error":"NOT_FOUND","message":"product not found"}`, false, true},
		{"server error", http.StatusBadGateway, `oops`, true, false},
		{"rate limited", http.StatusTooManyRequests, `{"message":"slow down"}`, true, false},
		{"bad price", http.StatusOK, `{"price":"abc"}`, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestCoinbase(t, srv, "").GetPrice(context.Background(), "XYZ-USD")
			var exErr *ExchangeError
			if !errors.As(err, &exErr) {
				t.Fatalf("expected ExchangeError, got %v", err)
			}
			if exErr.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", exErr.Retryable(), tt.retryable)
			}
			if errors.Is(err, ErrUnknownInstrument) != tt.unknown {
				t.Errorf("errors.Is(ErrUnknownInstrument) = %v, want %v", !tt.unknown, tt.unknown)
			}
		})
	}
}

func TestCoinbase_GetBalancePaginates(t *testing.T) {
	key, pemKey := newTestKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifyJWT(t, r, key)
		if r.URL.Query().Get("cursor") == "" {
			io.WriteString(w, `{"accounts":[{"currency":"BTC","available_balance":{"value":"0.1"}}],"has_next":true,"cursor":"p2"}`)
			return
		}
		io.WriteString(w, `{"accounts":[{"currency":"USD","available_balance":{"value":"612.34"}}],"has_next":false}`)
	}))
	defer srv.Close()

	balance, err := newTestCoinbase(t, srv, pemKey).GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != 612.34 {
		t.Errorf("balance = %v, want 612.34", balance)
	}
}

func TestCoinbase_GetBalanceRequiresKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent without credentials")
	}))
	defer srv.Close()

	_, err := newTestCoinbase(t, srv, "").GetBalance(context.Background())
	var exErr *ExchangeError
	if !errors.As(err, &exErr) || exErr.HTTPStatus != http.StatusUnauthorized {
		t.Fatalf("expected unauthenticated error, got %v", err)
	}
}

func TestCoinbase_PlaceOrderPollsUntilFilled(t *testing.T) {
	key, pemKey := newTestKey(t)
	var polls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifyJWT(t, r, key)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v3/brokerage/orders":
			var body map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode order body: %v", err)
				return
			}
			if body["client_order_id"] != "coid-1" || body["side"] != "BUY" {
				t.Errorf("unexpected order body: %v", body)
			}
			ioc := body["order_configuration"].(map[string]interface{})["market_market_ioc"].(map[string]interface{})
			if ioc["quote_size"] != "150.00" {
				t.Errorf("quote_size = %v, want 150.00", ioc["quote_size"])
			}
			io.WriteString(w, `{"success":true,"success_response":{"order_id":"ord-1"}}`)

		case r.URL.Path == "/api/v3/brokerage/orders/historical/ord-1":
			if atomic.AddInt32(&polls, 1) == 1 {
				io.WriteString(w, `{"order":{"status":"OPEN"}}`)
				return
			}
			io.WriteString(w, `{"order":{"status":"FILLED","filled_size":"0.00228","average_filled_price":"64300","total_fees":"2.94","last_fill_time":"2026-03-01T10:00:00Z"}}`)

		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	fill, err := newTestCoinbase(t, srv, pemKey).PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "coid-1",
		Instrument:    "BTC-USD",
		Side:          SideBuy,
		QuoteSize:     150,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if atomic.LoadInt32(&polls) != 2 {
		t.Errorf("polls = %d, want 2", polls)
	}
	if fill.OrderID != "ord-1" || fill.Quantity != 0.00228 || fill.Price != 64300 || fill.Fee != 2.94 {
		t.Errorf("unexpected fill: %+v", fill)
	}
	if !fill.FilledAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("FilledAt = %v", fill.FilledAt)
	}
}

func TestCoinbase_PlaceOrderRejected(t *testing.T) {
	_, pemKey := newTestKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":false,"error_response":{"error":"INSUFFICIENT_FUND","message":"Insufficient balance in source account"}}`)
	}))
	defer srv.Close()

	_, err := newTestCoinbase(t, srv, pemKey).PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "coid-2",
		Instrument:    "BTC-USD",
		Side:          SideSell,
		BaseSize:      0.5,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	var exErr *ExchangeError
	if errors.As(err, &exErr) && exErr.Retryable() {
		t.Error("insufficient funds must not be retryable")
	}
}

func TestCoinbase_PlaceOrderCancelledWithoutFill(t *testing.T) {
	_, pemKey := newTestKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			io.WriteString(w, `{"success":true,"success_response":{"order_id":"ord-3"}}`)
			return
		}
		io.WriteString(w, `{"order":{"status":"CANCELLED","filled_size":"0"}}`)
	}))
	defer srv.Close()

	_, err := newTestCoinbase(t, srv, pemKey).PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "coid-3",
		Instrument:    "BTC-USD",
		Side:          SideBuy,
		QuoteSize:     100,
	})
	if !errors.Is(err, ErrOrderNotFilled) {
		t.Fatalf("expected ErrOrderNotFilled, got %v", err)
	}
}

func TestOrderRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     OrderRequest
		wantErr bool
	}{
		{"valid buy", OrderRequest{ClientOrderID: "a", Instrument: "BTC-USD", Side: SideBuy, QuoteSize: 10}, false},
		{"valid sell", OrderRequest{ClientOrderID: "a", Instrument: "BTC-USD", Side: SideSell, BaseSize: 0.1}, false},
		{"buy without quote", OrderRequest{ClientOrderID: "a", Instrument: "BTC-USD", Side: SideBuy}, true},
		{"sell without base", OrderRequest{ClientOrderID: "a", Instrument: "BTC-USD", Side: SideSell, QuoteSize: 10}, true},
		{"missing id", OrderRequest{Instrument: "BTC-USD", Side: SideBuy, QuoteSize: 10}, true},
		{"bad side", OrderRequest{ClientOrderID: "a", Instrument: "BTC-USD", Side: "HOLD"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
