// Package mobilemoney talks to a Rapyd-style e-wallet processor. Every
// request is signed with HMAC-SHA256 over the method, path, salt,
// timestamp, access key and body.
package mobilemoney

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultBaseURL = "https://sandboxapi.rapyd.net"

const statusSuccess = "SUCCESS"

var (
	// ErrRejected means the processor answered but did not report SUCCESS.
	ErrRejected  = errors.New("mobilemoney: request rejected")
	ErrNoAccount = errors.New("mobilemoney: wallet has no account in currency")
)

type Config struct {
	BaseURL   string
	AccessKey string
	SecretKey string
	Timeout   time.Duration
}

// Client is the signed REST client.
type Client struct {
	baseURL   string
	accessKey string
	secretKey string
	client    *http.Client
	now       func() time.Time
	salt      func() (string, error)
}

type Option func(*Client)

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func WithSalt(salt func() (string, error)) Option {
	return func(c *Client) { c.salt = salt }
}

func New(cfg Config, opts ...Option) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	c := &Client{
		baseURL:   strings.TrimSuffix(base, "/"),
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		client:    &http.Client{Timeout: cfg.Timeout},
		now:       time.Now,
		salt:      randomSalt,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func randomSalt() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("mobilemoney: read salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Sign computes the request signature for the given parts.
func Sign(secretKey, method, path, salt, timestamp, accessKey, body string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(strings.ToLower(method) + path + salt + timestamp + accessKey + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type envelope struct {
	Status struct {
		Status    string `json:"status"`
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	} `json:"status"`
	Data json.RawMessage `json:"data"`
}

// RejectedError carries the processor's error code and message.
type RejectedError struct {
	Path      string
	ErrorCode string
	Message   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("mobilemoney: %s rejected: %s %s", e.Path, e.ErrorCode, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("mobilemoney: encode %s: %w", path, err)
		}
	}
	salt, err := c.salt()
	if err != nil {
		return err
	}
	timestamp := strconv.FormatInt(c.now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("access_key", c.accessKey)
	req.Header.Set("salt", salt)
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("signature", Sign(c.secretKey, method, path, salt, timestamp, c.accessKey, string(body)))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mobilemoney: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("mobilemoney: read %s: %w", path, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("mobilemoney: decode %s (status %d): %w", path, resp.StatusCode, err)
	}
	if env.Status.Status != statusSuccess {
		return &RejectedError{Path: path, ErrorCode: env.Status.ErrorCode, Message: env.Status.Message}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("mobilemoney: decode %s data: %w", path, err)
		}
	}
	return nil
}

// WalletRequest describes the person a wallet is created for.
type WalletRequest struct {
	PhoneNumber string
	Name        string
	Country     string
}

type idData struct {
	ID string `json:"id"`
}

// CreateWallet creates a person e-wallet and returns its id.
func (c *Client) CreateWallet(ctx context.Context, req WalletRequest) (string, error) {
	payload := map[string]any{
		"first_name":           req.Name,
		"phone_number":         req.PhoneNumber,
		"type":                 "person",
		"ewallet_reference_id": "agrifutures_" + req.PhoneNumber,
		"metadata":             map[string]any{"merchant_defined": true},
		"country":              req.Country,
	}
	var data idData
	if err := c.do(ctx, http.MethodPost, "/v1/user", payload, &data); err != nil {
		return "", err
	}
	return data.ID, nil
}

// PaymentMethod is a mobile money method attached to a wallet.
type PaymentMethod struct {
	Type       string
	MethodType string
	Fields     map[string]string
}

// AttachPaymentMethod links a payout and collection method, such as the
// farmer's M-PESA number, to a wallet.
func (c *Client) AttachPaymentMethod(ctx context.Context, walletID string, pm PaymentMethod) error {
	payload := map[string]any{
		"type":                pm.Type,
		"ewallet":             walletID,
		"payment_method_type": pm.MethodType,
		"fields":              pm.Fields,
	}
	return c.do(ctx, http.MethodPost, "/v1/payment_methods", payload, nil)
}

// Payment is the processor's answer to a funds movement. Status is one of
// the Payment* codes; an empty status from the processor reads as closed.
type Payment struct {
	ID     string
	Status string
}

// Pending reports whether the processor will confirm the payment later,
// by webhook.
func (p Payment) Pending() bool { return p.Status == PaymentActive }

type paymentData struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *Client) moveFunds(ctx context.Context, path, walletID string, amount decimal.Decimal, currency string) (Payment, error) {
	payload := map[string]any{
		"ewallet":  walletID,
		"amount":   json.Number(amount.StringFixed(2)),
		"currency": currency,
	}
	var data paymentData
	if err := c.do(ctx, http.MethodPost, path, payload, &data); err != nil {
		return Payment{}, err
	}
	switch data.Status {
	case "":
		data.Status = PaymentClosed
	case PaymentError, PaymentCanceled, PaymentExpired:
		return Payment{}, &RejectedError{Path: path, ErrorCode: "PAYMENT_" + data.Status}
	}
	return Payment{ID: data.ID, Status: data.Status}, nil
}

// Deposit credits the e-wallet. The returned payment may still be pending.
func (c *Client) Deposit(ctx context.Context, walletID string, amount decimal.Decimal, currency string) (Payment, error) {
	return c.moveFunds(ctx, "/v1/account/deposit", walletID, amount, currency)
}

// Withdraw debits the e-wallet and returns the processor payment id.
// Withdrawals are debited locally up front, so a pending answer is treated
// like a closed one and a later failure arrives as a correction.
func (c *Client) Withdraw(ctx context.Context, walletID string, amount decimal.Decimal, currency string) (string, error) {
	p, err := c.moveFunds(ctx, "/v1/account/withdraw", walletID, amount, currency)
	return p.ID, err
}

type walletData struct {
	Accounts []struct {
		Currency string          `json:"currency"`
		Balance  decimal.Decimal `json:"balance"`
	} `json:"accounts"`
}

// Balance returns the processor-side balance of the wallet account in
// currency, or of the first account when currency is empty.
func (c *Client) Balance(ctx context.Context, walletID, currency string) (decimal.Decimal, error) {
	var data walletData
	if err := c.do(ctx, http.MethodGet, "/v1/user/"+walletID, nil, &data); err != nil {
		return decimal.Zero, err
	}
	for _, acct := range data.Accounts {
		if currency == "" || strings.EqualFold(acct.Currency, currency) {
			return acct.Balance, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s %s", ErrNoAccount, walletID, currency)
}
