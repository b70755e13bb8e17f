package mobilemoney_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrifutures/futures-engine/internal/mobilemoney"
	"github.com/agrifutures/futures-engine/internal/model"
)

const (
	accessKey = "ak_test"
	secretKey = "sk_test"
)

type captured struct {
	method string
	path   string
	header http.Header
	body   string
}

func newServer(t *testing.T, reply string, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		*got = captured{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: string(b)}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(baseURL string) *mobilemoney.Client {
	return mobilemoney.New(mobilemoney.Config{BaseURL: baseURL, AccessKey: accessKey, SecretKey: secretKey, Timeout: time.Second},
		mobilemoney.WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
		mobilemoney.WithSalt(func() (string, error) { return "abcdef0123456789", nil }))
}

func TestRequestsAreSigned(t *testing.T) {
	var got captured
	srv := newServer(t, `{"status":{"status":"SUCCESS"},"data":{"id":"ewallet_1"}}`, &got)

	id, err := newClient(srv.URL).CreateWallet(context.Background(), mobilemoney.WalletRequest{
		PhoneNumber: "+254700000001", Name: "amina", Country: "KE",
	})
	require.NoError(t, err)
	assert.Equal(t, "ewallet_1", id)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/v1/user", got.path)
	assert.Equal(t, accessKey, got.header.Get("access_key"))
	assert.Equal(t, "abcdef0123456789", got.header.Get("salt"))
	assert.Equal(t, "1700000000", got.header.Get("timestamp"))
	want := mobilemoney.Sign(secretKey, "POST", "/v1/user", "abcdef0123456789", "1700000000", accessKey, got.body)
	assert.Equal(t, want, got.header.Get("signature"))

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(got.body), &body))
	assert.Equal(t, "person", body["type"])
	assert.Equal(t, "agrifutures_+254700000001", body["ewallet_reference_id"])
}

func TestSignIsLowerCaseMethod(t *testing.T) {
	a := mobilemoney.Sign(secretKey, "GET", "/v1/user/x", "s", "1", accessKey, "")
	b := mobilemoney.Sign(secretKey, "get", "/v1/user/x", "s", "1", accessKey, "")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, mobilemoney.Sign("other", "get", "/v1/user/x", "s", "1", accessKey, ""))
}

func TestDepositSendsNumericAmount(t *testing.T) {
	var got captured
	srv := newServer(t, `{"status":{"status":"SUCCESS"},"data":{"id":"payment_9"}}`, &got)

	p, err := newClient(srv.URL).Deposit(context.Background(), "ewallet_1", decimal.RequireFromString("250.5"), "KES")
	require.NoError(t, err)
	assert.Equal(t, "payment_9", p.ID)
	assert.Equal(t, mobilemoney.PaymentClosed, p.Status)
	assert.False(t, p.Pending())
	assert.Equal(t, "/v1/account/deposit", got.path)
	assert.Contains(t, got.body, `"amount":250.50`)
}

func TestDepositPaymentStatus(t *testing.T) {
	var got captured
	srv := newServer(t, `{"status":{"status":"SUCCESS"},"data":{"id":"payment_10","status":"ACT"}}`, &got)
	p, err := newClient(srv.URL).Deposit(context.Background(), "ewallet_1", decimal.NewFromInt(5), "KES")
	require.NoError(t, err)
	assert.True(t, p.Pending())

	srv = newServer(t, `{"status":{"status":"SUCCESS"},"data":{"id":"payment_11","status":"ERR"}}`, &got)
	_, err = newClient(srv.URL).Deposit(context.Background(), "ewallet_1", decimal.NewFromInt(5), "KES")
	var rej *mobilemoney.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "PAYMENT_ERR", rej.ErrorCode)
}

func TestAttachPaymentMethod(t *testing.T) {
	var got captured
	srv := newServer(t, `{"status":{"status":"SUCCESS"},"data":{"id":"other_1"}}`, &got)

	err := newClient(srv.URL).AttachPaymentMethod(context.Background(), "ewallet_1", mobilemoney.PaymentMethod{
		Type:       "ke_mpesa",
		MethodType: "mobile_money",
		Fields:     map[string]string{"phone_number": "+254700000001", "name": "Amina"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/v1/payment_methods", got.path)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(got.body), &body))
	assert.Equal(t, "ke_mpesa", body["type"])
	assert.Equal(t, "ewallet_1", body["ewallet"])
	assert.Equal(t, "mobile_money", body["payment_method_type"])
	assert.Equal(t, map[string]any{"phone_number": "+254700000001", "name": "Amina"}, body["fields"])
}

func TestNonSuccessStatusIsRejected(t *testing.T) {
	var got captured
	srv := newServer(t, `{"status":{"status":"ERROR","error_code":"ERROR_WALLET","message":"closed"}}`, &got)

	_, err := newClient(srv.URL).Withdraw(context.Background(), "ewallet_1", decimal.NewFromInt(10), "KES")
	require.Error(t, err)
	assert.True(t, errors.Is(err, mobilemoney.ErrRejected))
	var rej *mobilemoney.RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "ERROR_WALLET", rej.ErrorCode)
}

func TestBalancePicksCurrencyAccount(t *testing.T) {
	var got captured
	srv := newServer(t, `{"status":{"status":"SUCCESS"},"data":{"accounts":[
		{"currency":"USD","balance":3},{"currency":"KES","balance":1200.75}]}}`, &got)
	c := newClient(srv.URL)

	bal, err := c.Balance(context.Background(), "ewallet_1", "KES")
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "/v1/user/ewallet_1", got.path)
	assert.Empty(t, got.body)
	assert.True(t, bal.Equal(decimal.RequireFromString("1200.75")))

	_, err = c.Balance(context.Background(), "ewallet_1", "EUR")
	assert.ErrorIs(t, err, mobilemoney.ErrNoAccount)
}

func TestGarbageResponseIsAnError(t *testing.T) {
	var got captured
	srv := newServer(t, `<html>bad gateway</html>`, &got)
	_, err := newClient(srv.URL).Deposit(context.Background(), "ewallet_1", decimal.NewFromInt(1), "KES")
	require.Error(t, err)
	assert.False(t, errors.Is(err, mobilemoney.ErrRejected))
}

func TestParseEventOutcome(t *testing.T) {
	cases := map[string]struct {
		status model.TransactionStatus
		ok     bool
	}{
		"CLO": {model.TxCompleted, true},
		"ERR": {model.TxFailed, true},
		"CAN": {model.TxFailed, true},
		"ACT": {"", false},
	}
	for raw, want := range cases {
		ev, err := mobilemoney.ParseEvent([]byte(`{"type":"PAYMENT_COMPLETED","data":{"id":"payment_1","status":"` + raw + `"}}`))
		require.NoError(t, err)
		status, ok := ev.Outcome()
		assert.Equal(t, want.ok, ok, raw)
		assert.Equal(t, want.status, status, raw)
	}

	_, err := mobilemoney.ParseEvent([]byte(`{"type":"X","data":{}}`))
	assert.Error(t, err)
}

func TestVerifyWebhook(t *testing.T) {
	c := newClient("http://unused")
	body := []byte(`{"data":{"id":"payment_1","status":"CLO"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/mobile-money", strings.NewReader(string(body)))
	req.Header.Set("salt", "s1")
	req.Header.Set("timestamp", "1700000000")
	req.Header.Set("signature", mobilemoney.Sign(secretKey, "post", "/webhook/mobile-money", "s1", "1700000000", accessKey, string(body)))
	require.NoError(t, c.VerifyWebhook(req, "/webhook/mobile-money", body))

	req.Header.Set("signature", "forged")
	assert.ErrorIs(t, c.VerifyWebhook(req, "/webhook/mobile-money", body), mobilemoney.ErrBadSignature)
}

func TestMemoryProcessor(t *testing.T) {
	ctx := context.Background()
	m := mobilemoney.NewMemory()
	id, err := m.CreateWallet(ctx, mobilemoney.WalletRequest{PhoneNumber: "+254700000001"})
	require.NoError(t, err)

	require.NoError(t, m.AttachPaymentMethod(ctx, id, mobilemoney.PaymentMethod{Type: "ke_mpesa"}))
	assert.Len(t, m.PaymentMethods(id), 1)

	p, err := m.Deposit(ctx, id, decimal.NewFromInt(100), "KES")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.False(t, p.Pending())
	_, err = m.Withdraw(ctx, id, decimal.NewFromInt(30), "KES")
	require.NoError(t, err)

	bal, err := m.Balance(ctx, id, "KES")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(70)))
	assert.Len(t, m.Payments(), 2)

	m.Fail = func(op string) error { return errors.New(op + " down") }
	_, err = m.Deposit(ctx, id, decimal.NewFromInt(1), "KES")
	assert.EqualError(t, err, "deposit down")

	m.Fail = nil
	_, err = m.Deposit(ctx, "ewallet_missing", decimal.NewFromInt(1), "KES")
	assert.ErrorIs(t, err, mobilemoney.ErrRejected)

	m.PendingDeposits = true
	p, err = m.Deposit(ctx, id, decimal.NewFromInt(1), "KES")
	require.NoError(t, err)
	assert.True(t, p.Pending())
}
