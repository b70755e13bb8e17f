package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrifutures/futures-engine/internal/api"
	"github.com/agrifutures/futures-engine/internal/apperr"
	"github.com/agrifutures/futures-engine/internal/command"
	"github.com/agrifutures/futures-engine/internal/engine"
	"github.com/agrifutures/futures-engine/internal/ledger"
	"github.com/agrifutures/futures-engine/internal/mobilemoney"
	"github.com/agrifutures/futures-engine/internal/model"
	"github.com/agrifutures/futures-engine/internal/oracle"
	"github.com/agrifutures/futures-engine/internal/sms"
	"github.com/agrifutures/futures-engine/internal/store"
)

const (
	adminToken = "s3cret-admin"
	accessKey  = "access"
	secretKey  = "webhook-secret"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type prices struct{}

func (prices) GetPrice(_ context.Context, crop string) (decimal.Decimal, error) {
	if crop == "corn" {
		return d(45), nil
	}
	return decimal.Zero, apperr.New(apperr.CodeNotFound, "no price")
}

func (prices) Supported(crop string) bool { return crop == "corn" }

type issuer struct{ n atomic.Int32 }

func (i *issuer) IssueContractAsset(context.Context, ledger.Keys, decimal.Decimal, decimal.Decimal, decimal.Decimal) (string, error) {
	return fmt.Sprintf("FUT%09d", i.n.Add(1)), nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dur)
	c.mu.Unlock()
}

type env struct {
	router chi.Router
	eng    *engine.Engine
	outbox   *sms.Outbox
	hub      *api.Hub
	clock    *clock
	payments *mobilemoney.Memory
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		outbox:   &sms.Outbox{},
		clock:    &clock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
		payments: mobilemoney.NewMemory(),
	}
	eng, err := engine.New(store.NewMemoryStore(), prices{}, &issuer{}, e.payments,
		engine.DefaultConfig(), engine.WithClock(e.clock.Now))
	require.NoError(t, err)
	e.eng = eng

	e.hub = api.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.hub.Run(ctx)
	eng.Subscribe(e.hub.PublishEvent)

	verifier := mobilemoney.New(mobilemoney.Config{AccessKey: accessKey, SecretKey: secretKey})
	srv := api.NewServer(eng, command.New(eng, command.WithSender(e.outbox)), verifier, e.hub, nil,
		api.Config{AdminToken: adminToken})
	e.router = srv.Router()
	return e
}

func (e *env) do(t *testing.T, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) sms(t *testing.T, from, body string) {
	t.Helper()
	form := url.Values{"From": {from}, "Body": {body}}
	w := e.do(t, http.MethodPost, "/webhook/sms", form.Encode(),
		http.Header{"Content-Type": {"application/x-www-form-urlencoded"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"success"}`, w.Body.String())
}

func (e *env) lastReply(t *testing.T) string {
	t.Helper()
	msgs := e.outbox.Messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1].Body
}

func admin() http.Header {
	return http.Header{"X-Admin-Token": {adminToken}, "Content-Type": {"application/json"}}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func signed(method, path, body string) http.Header {
	salt, ts := "abcdefgh", "1773478800"
	return http.Header{
		"Content-Type": {"application/json"},
		"Salt":         {salt},
		"Timestamp":    {ts},
		"Signature":    {mobilemoney.Sign(secretKey, method, path, salt, ts, accessKey, body)},
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"futures-engine"}`, w.Body.String())
}

func TestSMSWebhookUnregisteredSender(t *testing.T) {
	e := newEnv(t)
	e.sms(t, "+254700000001", "buy corn 100 50")

	msgs := e.outbox.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "+254700000001", msgs[0].To)
	assert.Contains(t, msgs[0].Body, "To register, send")

	w := e.do(t, http.MethodGet, "/api/v1/farmers/+254700000001/contracts", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSMSWebhookRequiresSender(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, "/webhook/sms", "Body=menu",
		http.Header{"Content-Type": {"application/x-www-form-urlencoded"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
}

func TestSMSBuyVisibleThroughQuerySurface(t *testing.T) {
	e := newEnv(t)
	const phone = "+254700000002"
	e.sms(t, phone, "register Amina Nakuru corn 2")

	w := e.do(t, http.MethodPost, "/api/v1/admin/farmers/"+phone+"/seed", `{"amount":"1000"}`, admin())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	e.sms(t, phone, "buy corn 100 50")
	assert.Contains(t, e.lastReply(t), "Premium paid: 50.00 KES")

	w = e.do(t, http.MethodGet, "/api/v1/farmers/"+phone+"/contracts", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var contracts []model.FuturesContract
	decode(t, w, &contracts)
	require.Len(t, contracts, 1)
	assert.Equal(t, model.ContractActive, contracts[0].Status)
	assert.True(t, contracts[0].Premium.Equal(d(50)))

	w = e.do(t, http.MethodGet, "/api/v1/farmers/"+phone+"/transactions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var txs []model.Transaction
	decode(t, w, &txs)
	require.Len(t, txs, 2)
	assert.Equal(t, model.TxPremiumPayment, txs[0].Type, "newest first")
	assert.Equal(t, model.TxDeposit, txs[1].Type)
}

func TestCropsAndQuote(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/crops", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var crops []engine.CropPrice
	decode(t, w, &crops)
	require.Len(t, crops, 1)
	assert.Equal(t, "corn", crops[0].Name)

	w = e.do(t, http.MethodGet, "/api/v1/quote?crop=corn&quantity=100&strike=50", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var q engine.QuoteResult
	decode(t, w, &q)
	assert.True(t, q.Premium.Equal(d(50)), "premium %s", q.Premium)

	w = e.do(t, http.MethodGet, "/api/v1/quote?crop=corn&quantity=lots&strike=50", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/quote?crop=corn&quantity=5&strike=50", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/quote?crop=corn&quantity=100&strike=1e20000000", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/admin/expire", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/admin/expire", "",
		http.Header{"X-Admin-Token": {"wrong"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminExpireSweep(t *testing.T) {
	e := newEnv(t)
	const phone = "+254700000003"
	e.sms(t, phone, "register Amina Nakuru corn 2")
	e.do(t, http.MethodPost, "/api/v1/admin/farmers/"+phone+"/seed", `{"amount":1000}`, admin())
	e.sms(t, phone, "buy corn 100 50")

	e.clock.Advance(91 * 24 * time.Hour)
	w := e.do(t, http.MethodPost, "/api/v1/admin/expire", "", admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"expired":1}`, w.Body.String())

	w = e.do(t, http.MethodGet, "/api/v1/farmers/"+phone+"/contracts", "", nil)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestDepositWithdrawAndWebhookCorrection(t *testing.T) {
	e := newEnv(t)
	const phone = "+254700000004"
	e.sms(t, phone, "register Amina Nakuru corn 2")

	w := e.do(t, http.MethodPost, "/api/v1/farmers/"+phone+"/withdraw", `{"amount":"10"}`, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/farmers/"+phone+"/deposit", `{"amount":"250"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var dep model.Transaction
	decode(t, w, &dep)
	require.NotEmpty(t, dep.ExternalRef)

	w = e.do(t, http.MethodPost, "/api/v1/farmers/"+phone+"/deposit", `{"amount":"-1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, http.MethodPost, "/api/v1/farmers/"+phone+"/deposit", `{"amount":`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, http.MethodPost, "/api/v1/farmers/"+phone+"/deposit", `{"amount":"1e20000000"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := `{"id":"wh_1","type":"PAYMENT_FAILED","data":{"id":"` + dep.ExternalRef + `","status":"ERR"}}`
	w = e.do(t, http.MethodPost, "/webhook/mobile-money", body, signed(http.MethodPost, "/webhook/mobile-money", body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var corrected model.Transaction
	decode(t, w, &corrected)
	assert.Equal(t, model.TxFailed, corrected.Status)

	w = e.do(t, http.MethodGet, "/api/v1/admin/reconciliation", "", admin())
	require.Equal(t, http.StatusOK, w.Code)
	var flags []model.ReconciliationFlag
	decode(t, w, &flags)
	require.Len(t, flags, 1)
	assert.Equal(t, model.ReconcileDepositReversed, flags[0].Kind)
}

func TestPendingDepositConfirmedByWebhook(t *testing.T) {
	e := newEnv(t)
	const phone = "+254700000009"
	e.sms(t, phone, "register Amina Nakuru corn 2")
	e.payments.PendingDeposits = true

	w := e.do(t, http.MethodPost, "/api/v1/farmers/"+phone+"/deposit", `{"amount":"80"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var dep model.Transaction
	decode(t, w, &dep)
	assert.Equal(t, model.TxPending, dep.Status)

	w = e.do(t, http.MethodGet, "/api/v1/admin/farmers/"+phone+"/audit", "", admin())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var audit engine.WalletAudit
	decode(t, w, &audit)
	assert.True(t, audit.Local.IsZero())
	assert.True(t, audit.Processor.Equal(d(80)), audit.Processor.String())
	assert.True(t, audit.Drift.Equal(d(80)), audit.Drift.String())

	body := `{"id":"wh_2","type":"PAYMENT_COMPLETED","data":{"id":"` + dep.ExternalRef + `","status":"CLO"}}`
	w = e.do(t, http.MethodPost, "/webhook/mobile-money", body, signed(http.MethodPost, "/webhook/mobile-money", body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var confirmed model.Transaction
	decode(t, w, &confirmed)
	assert.Equal(t, model.TxCompleted, confirmed.Status)

	w = e.do(t, http.MethodGet, "/api/v1/admin/farmers/"+phone+"/audit", "", admin())
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &audit)
	assert.True(t, audit.Local.Equal(d(80)), audit.Local.String())
	assert.True(t, audit.Drift.IsZero(), audit.Drift.String())

	w = e.do(t, http.MethodGet, "/api/v1/admin/farmers/"+phone+"/audit", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = e.do(t, http.MethodGet, "/api/v1/admin/farmers/+254799999999/audit", "", admin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMobileMoneyWebhookRejectsBadSignature(t *testing.T) {
	e := newEnv(t)
	body := `{"data":{"id":"payment_000001","status":"CLO"}}`
	h := signed(http.MethodPost, "/webhook/mobile-money", body)
	h.Set("Signature", "forged")

	w := e.do(t, http.MethodPost, "/webhook/mobile-money", body, h)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMobileMoneyWebhookIgnoresUnknownAndPending(t *testing.T) {
	e := newEnv(t)
	for _, body := range []string{
		`{"data":{"id":"payment_999999","status":"CLO"}}`,
		`{"data":{"id":"payment_999999","status":"ACT"}}`,
	} {
		w := e.do(t, http.MethodPost, "/webhook/mobile-money", body, signed(http.MethodPost, "/webhook/mobile-money", body))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ignored"}`, w.Body.String())
	}

	body := `{"data":{}}`
	w := e.do(t, http.MethodPost, "/webhook/mobile-money", body, signed(http.MethodPost, "/webhook/mobile-money", body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPriceStream(t *testing.T) {
	e := newEnv(t)
	ts := httptest.NewServer(e.router)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// The client may register after the first broadcast, so keep
	// publishing until one arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.hub.PublishQuote(oracle.Quote{Crop: "corn", Price: d(45.5), At: e.clock.Now(), Source: oracle.SourceLive})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg api.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "price", msg.Type)
	assert.Equal(t, "corn", msg.Crop)
	assert.Equal(t, "45.50", msg.Price)
	assert.Equal(t, "live", msg.Source)
}
