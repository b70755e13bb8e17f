package mobilemoney

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/agrifutures/futures-engine/internal/model"
)

var ErrBadSignature = errors.New("mobilemoney: webhook signature mismatch")

// Event is an asynchronous processor notification about a payment.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// Processor payment statuses.
const (
	PaymentClosed   = "CLO"
	PaymentActive   = "ACT"
	PaymentError    = "ERR"
	PaymentCanceled = "CAN"
	PaymentExpired  = "EXP"
)

// ParseEvent decodes a webhook body.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("mobilemoney: decode webhook: %w", err)
	}
	if ev.Data.ID == "" {
		return Event{}, fmt.Errorf("mobilemoney: webhook without payment id")
	}
	return ev, nil
}

// Outcome maps the payment status to a ledger transaction status. ok is
// false for statuses that do not settle the payment yet.
func (e Event) Outcome() (status model.TransactionStatus, ok bool) {
	switch strings.ToUpper(e.Data.Status) {
	case PaymentClosed:
		return model.TxCompleted, true
	case PaymentError, PaymentCanceled, PaymentExpired:
		return model.TxFailed, true
	default:
		return "", false
	}
}

// VerifyWebhook checks the signature headers of a webhook delivered to path
// using the same scheme as outbound requests. An empty secret disables the
// check.
func (c *Client) VerifyWebhook(r *http.Request, path string, body []byte) error {
	if c.secretKey == "" {
		return nil
	}
	want := Sign(c.secretKey, r.Method, path, r.Header.Get("salt"), r.Header.Get("timestamp"), c.accessKey, string(body))
	if !hmac.Equal([]byte(want), []byte(r.Header.Get("signature"))) {
		return ErrBadSignature
	}
	return nil
}
