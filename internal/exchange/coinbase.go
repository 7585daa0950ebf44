package exchange

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	coinbaseBaseURL = "https://api.coinbase.com"
	coinbaseAPIPath = "/api/v3/brokerage"

	// Время жизни JWT по правилам CDP
	coinbaseJWTTTL = 2 * time.Minute
)

// CoinbaseConfig параметры клиента Coinbase Advanced Trade
type CoinbaseConfig struct {
	BaseURL string // пусто = боевой API

	// KeyName имя ключа CDP: organizations/{org}/apiKeys/{key}
	KeyName string
	// PrivateKeyPEM EC-ключ (ES256) в PEM
	PrivateKeyPEM string

	QuoteCurrency  string  // валюта баланса, по умолчанию USD
	RequestsPerSec float64 // лимит запросов в секунду
	Burst          int

	FillPollDelay time.Duration // пауза между опросами статуса ордера
	HTTP          HTTPClientConfig
}

// Coinbase клиент REST API Coinbase Advanced Trade.
// Без ключа доступны только публичные цены (эндпоинты /market).
type Coinbase struct {
	baseURL   *url.URL
	keyName   string
	key       *ecdsa.PrivateKey
	quote     string
	pollDelay time.Duration

	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewCoinbase создаёт клиента. Ошибка, если ключ задан, но не разбирается.
func NewCoinbase(cfg CoinbaseConfig) (*Coinbase, error) {
	base := cfg.BaseURL
	if base == "" {
		base = coinbaseBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid coinbase base url: %w", err)
	}

	httpCfg := cfg.HTTP
	if httpCfg == (HTTPClientConfig{}) {
		httpCfg = DefaultHTTPClientConfig()
	}

	c := &Coinbase{
		baseURL:    u,
		keyName:    cfg.KeyName,
		quote:      cfg.QuoteCurrency,
		pollDelay:  cfg.FillPollDelay,
		httpClient: NewHTTPClient(httpCfg),
		now:        time.Now,
	}
	if c.quote == "" {
		c.quote = "USD"
	}
	if c.pollDelay <= 0 {
		c.pollDelay = 500 * time.Millisecond
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps)
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)

	if cfg.PrivateKeyPEM != "" {
		pem := strings.ReplaceAll(cfg.PrivateKeyPEM, `\n`, "\n")
		key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pem))
		if err != nil {
			return nil, fmt.Errorf("parse coinbase private key: %w", err)
		}
		c.key = key
	}

	return c, nil
}

func (c *Coinbase) Name() string {
	return "coinbase"
}

// Authenticated есть ли ключ для приватных эндпоинтов
func (c *Coinbase) Authenticated() bool {
	return c.key != nil && c.keyName != ""
}

// ============================================================
// Подпись запросов
// ============================================================

// buildJWT формирует ES256 токен для одного запроса.
// uri в claims: "METHOD host/path" без query.
func (c *Coinbase) buildJWT(method, path string) (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"sub": c.keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(coinbaseJWTTTL).Unix(),
		"uri": method + " " + c.baseURL.Host + path,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.keyName

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	token.Header["nonce"] = hex.EncodeToString(nonce)

	return token.SignedString(c.key)
}

// doRequest выполняет запрос к API и возвращает тело ответа
func (c *Coinbase) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := *c.baseURL
	u.Path = path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if signed {
		if !c.Authenticated() {
			return nil, &ExchangeError{Exchange: c.Name(), Code: "UNAUTHENTICATED", Message: "api key is not configured", HTTPStatus: http.StatusUnauthorized}
		}
		token, err := c.buildJWT(method, path)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ExchangeError{Exchange: c.Name(), Message: "request failed", Original: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &ExchangeError{Exchange: c.Name(), Message: "read response", HTTPStatus: resp.StatusCode, Original: err}
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		exErr := &ExchangeError{Exchange: c.Name(), Code: apiErr.Error, Message: msg, HTTPStatus: resp.StatusCode}
		if resp.StatusCode == http.StatusNotFound {
			exErr.Original = ErrUnknownInstrument
		}
		return nil, exErr
	}

	return respBody, nil
}

// ============================================================
// Client
// ============================================================

// GetPrice цена последней сделки по продукту
func (c *Coinbase) GetPrice(ctx context.Context, instrument string) (float64, error) {
	path := coinbaseAPIPath + "/market/products/" + url.PathEscape(instrument)
	signed := false
	if c.Authenticated() {
		path = coinbaseAPIPath + "/products/" + url.PathEscape(instrument)
		signed = true
	}

	body, err := c.doRequest(ctx, http.MethodGet, path, nil, nil, signed)
	if err != nil {
		return 0, err
	}

	var resp struct {
		ProductID string `json:"product_id"`
		Price     string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode product %s: %w", instrument, err)
	}

	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil || price <= 0 {
		return 0, &ExchangeError{Exchange: c.Name(), Code: "BAD_PRICE", Message: fmt.Sprintf("invalid price %q for %s", resp.Price, instrument), HTTPStatus: http.StatusBadGateway}
	}
	return price, nil
}

// GetBalance доступный остаток в валюте котировки (с пагинацией счетов)
func (c *Coinbase) GetBalance(ctx context.Context) (float64, error) {
	query := url.Values{"limit": {"250"}}

	for {
		body, err := c.doRequest(ctx, http.MethodGet, coinbaseAPIPath+"/accounts", query, nil, true)
		if err != nil {
			return 0, err
		}

		var resp struct {
			Accounts []struct {
				Currency         string `json:"currency"`
				AvailableBalance struct {
					Value string `json:"value"`
				} `json:"available_balance"`
			} `json:"accounts"`
			HasNext bool   `json:"has_next"`
			Cursor  string `json:"cursor"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, fmt.Errorf("decode accounts: %w", err)
		}

		for _, acc := range resp.Accounts {
			if acc.Currency == c.quote {
				v, err := strconv.ParseFloat(acc.AvailableBalance.Value, 64)
				if err != nil {
					return 0, fmt.Errorf("parse %s balance: %w", c.quote, err)
				}
				return v, nil
			}
		}

		if !resp.HasNext || resp.Cursor == "" {
			return 0, nil
		}
		query.Set("cursor", resp.Cursor)
	}
}

// PlaceOrder размещает market IOC ордер и опрашивает его до финального статуса
func (c *Coinbase) PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ioc := map[string]string{}
	if req.Side == SideBuy {
		ioc["quote_size"] = strconv.FormatFloat(req.QuoteSize, 'f', 2, 64)
	} else {
		ioc["base_size"] = strconv.FormatFloat(req.BaseSize, 'f', -1, 64)
	}

	payload := map[string]interface{}{
		"client_order_id": req.ClientOrderID,
		"product_id":      req.Instrument,
		"side":            string(req.Side),
		"order_configuration": map[string]interface{}{
			"market_market_ioc": ioc,
		},
	}

	body, err := c.doRequest(ctx, http.MethodPost, coinbaseAPIPath+"/orders", nil, payload, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Success         bool `json:"success"`
		SuccessResponse struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		ErrorResponse struct {
			Error                 string `json:"error"`
			Message               string `json:"message"`
			PreviewFailureReason  string `json:"preview_failure_reason"`
			NewOrderFailureReason string `json:"new_order_failure_reason"`
		} `json:"error_response"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	if !resp.Success {
		reason := resp.ErrorResponse.Error
		if reason == "" {
			reason = resp.ErrorResponse.NewOrderFailureReason
		}
		exErr := &ExchangeError{
			Exchange:   c.Name(),
			Code:       reason,
			Message:    resp.ErrorResponse.Message,
			HTTPStatus: http.StatusBadRequest,
		}
		if strings.Contains(strings.ToUpper(reason), "INSUFFICIENT_FUND") {
			exErr.Original = ErrInsufficientFunds
		}
		return nil, exErr
	}

	return c.waitFill(ctx, resp.SuccessResponse.OrderID, req)
}

// waitFill опрашивает ордер до FILLED или терминального статуса
func (c *Coinbase) waitFill(ctx context.Context, orderID string, req OrderRequest) (*Fill, error) {
	path := coinbaseAPIPath + "/orders/historical/" + url.PathEscape(orderID)

	for {
		body, err := c.doRequest(ctx, http.MethodGet, path, nil, nil, true)
		if err != nil {
			return nil, err
		}

		var resp struct {
			Order struct {
				Status             string `json:"status"`
				FilledSize         string `json:"filled_size"`
				AverageFilledPrice string `json:"average_filled_price"`
				TotalFees          string `json:"total_fees"`
				LastFillTime       string `json:"last_fill_time"`
			} `json:"order"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", orderID, err)
		}

		o := resp.Order
		switch o.Status {
		case "FILLED", "CANCELLED", "EXPIRED":
			qty, _ := strconv.ParseFloat(o.FilledSize, 64)
			if qty <= 0 {
				return nil, fmt.Errorf("%w: order %s status %s", ErrOrderNotFilled, orderID, o.Status)
			}
			price, _ := strconv.ParseFloat(o.AverageFilledPrice, 64)
			fee, _ := strconv.ParseFloat(o.TotalFees, 64)
			filledAt, err := time.Parse(time.RFC3339Nano, o.LastFillTime)
			if err != nil {
				filledAt = c.now()
			}
			return &Fill{
				OrderID:       orderID,
				ClientOrderID: req.ClientOrderID,
				Instrument:    req.Instrument,
				Side:          req.Side,
				Quantity:      qty,
				Price:         price,
				Fee:           fee,
				FilledAt:      filledAt.UTC(),
			}, nil
		case "FAILED":
			return nil, &ExchangeError{Exchange: c.Name(), Code: "ORDER_FAILED", Message: "order " + orderID + " failed", HTTPStatus: http.StatusBadRequest}
		}

		timer := time.NewTimer(c.pollDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Close закрывает простаивающие соединения
func (c *Coinbase) Close() {
	CloseIdle(c.httpClient)
}
