// Package sms sends outbound SMS replies.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const DefaultBaseURL = "https://api.twilio.com"

// Sender delivers one message to a phone number.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	Timeout    time.Duration
}

// Twilio sends messages through the Twilio Messages REST API.
type Twilio struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	client     *http.Client
}

func NewTwilio(cfg Config) *Twilio {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &Twilio{
		baseURL:    strings.TrimSuffix(base, "/"),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *Twilio) Send(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, url.PathEscape(t.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms: send to %s: %w", to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var te twilioError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &te) == nil && te.Message != "" {
			return fmt.Errorf("sms: twilio status %d: %d %s", resp.StatusCode, te.Code, te.Message)
		}
		return fmt.Errorf("sms: twilio status %d", resp.StatusCode)
	}
	return nil
}

// Message is a reply captured by Outbox.
type Message struct {
	To   string
	Body string
}

// Outbox is a Sender that keeps messages in memory. Used when no gateway
// credentials are configured and in tests.
type Outbox struct {
	mu   sync.Mutex
	msgs []Message
	Err  error
}

func (o *Outbox) Send(_ context.Context, to, body string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return o.Err
	}
	o.msgs = append(o.msgs, Message{To: to, Body: body})
	return nil
}

func (o *Outbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.msgs))
	copy(out, o.msgs)
	return out
}
