package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSignature = errors.New("invalid gateway signature")
	ErrInvalidCallback  = errors.New("invalid gateway callback")
)

// SignatureHeader carries hex(HMAC-SHA256(secret, body)) on outcome callbacks.
const SignatureHeader = "X-Gateway-Signature"

// LineItem é um item cobrado na sessão de pagamento
type LineItem struct {
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

type SessionRequest struct {
	OrderID    string
	Items      []LineItem
	SuccessURL string
	CancelURL  string
}

// Session is the hosted checkout page the customer is redirected to.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client cria sessões no gateway hospedado (API compatível com Stripe Checkout)
type Client struct {
	client   *resty.Client
	currency string
}

// NewClient cria uma nova instância de Client
func NewClient(baseURL, secretKey, currency string) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(secretKey).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Client{client: client, currency: strings.ToLower(currency)}
}

func toMinorUnits(price decimal.Decimal) string {
	return price.Shift(2).Round(0).String()
}

// CreateSession abre uma sessão de checkout para o pedido. The order id doubles as the
// idempotency key so retried requests never open two sessions.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if req.OrderID == "" || len(req.Items) == 0 {
		return nil, fmt.Errorf("session request needs an order id and items")
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("client_reference_id", req.OrderID)
	form.Set("metadata[order_id]", req.OrderID)
	for i, item := range req.Items {
		prefix := fmt.Sprintf("line_items[%d]", i)
		form.Set(prefix+"[quantity]", strconv.Itoa(item.Quantity))
		form.Set(prefix+"[price_data][currency]", c.currency)
		form.Set(prefix+"[price_data][unit_amount]", toMinorUnits(item.UnitPrice))
		form.Set(prefix+"[price_data][product_data][name]", item.Name)
	}

	var session Session
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", "order-"+req.OrderID).
		SetFormDataFromValues(form).
		SetResult(&session).
		Post("/v1/checkout/sessions")
	if err != nil {
		return nil, fmt.Errorf("failed to call payment gateway: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("payment gateway returned status %d: %s", resp.StatusCode(), resp.String())
	}
	if session.URL == "" {
		return nil, fmt.Errorf("payment gateway returned no session url")
	}
	return &session, nil
}

// Callback is the outcome the gateway reports for an order.
type Callback struct {
	OrderID string `json:"order_id"`
	Success bool   `json:"success"`
}

// Sign computes the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature in constant time.
func Verify(secret string, body []byte, signature string) error {
	if secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseCallback verifies and decodes an outcome callback.
func ParseCallback(secret string, body []byte, signature string) (*Callback, error) {
	if err := Verify(secret, body, signature); err != nil {
		return nil, err
	}
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCallback, err)
	}
	if strings.TrimSpace(cb.OrderID) == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidCallback)
	}
	return &cb, nil
}
