package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrifutures/futures-engine/internal/apperr"
	"github.com/agrifutures/futures-engine/internal/engine"
	"github.com/agrifutures/futures-engine/internal/ledger"
	"github.com/agrifutures/futures-engine/internal/mobilemoney"
	"github.com/agrifutures/futures-engine/internal/model"
	"github.com/agrifutures/futures-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
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

// fakePrices is a settable price feed.
type fakePrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
}

func (f *fakePrices) Set(crop string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[crop] = d(price)
}

func (f *fakePrices) GetPrice(_ context.Context, crop string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return decimal.Zero, f.err
	}
	p, ok := f.prices[crop]
	if !ok {
		return decimal.Zero, apperr.New(apperr.CodeNotFound, "unsupported crop")
	}
	return p, nil
}

func (f *fakePrices) Supported(crop string) bool {
	return model.IsSupportedCrop(crop)
}

// fakeIssuer hands out unique asset codes.
type fakeIssuer struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (f *fakeIssuer) IssueContractAsset(ctx context.Context, _ ledger.Keys, _, _, _ decimal.Decimal) (string, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("FUT0314%05x", n), nil
}

var errCommit = errors.New("commit failed: connection reset")

// failingCommit runs the transaction body and then fails the commit, so
// every staged write is discarded.
type failingCommit struct {
	store.Store
	fail atomic.Bool
}

func (f *failingCommit) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.InTx(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if f.fail.Load() {
			return errCommit
		}
		return nil
	})
}

type fixture struct {
	eng      *engine.Engine
	store    *failingCommit
	mem      *store.MemoryStore
	prices   *fakePrices
	issuer   *fakeIssuer
	payments *mobilemoney.Memory
	clock    *clock
	events   []engine.Event
	mu       sync.Mutex
}

func newFixture(t *testing.T, mutate ...func(*engine.Config)) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	fx := &fixture{
		store:    &failingCommit{Store: mem},
		mem:      mem,
		prices:   &fakePrices{prices: map[string]decimal.Decimal{"corn": d(45), "wheat": d(3), "coffee": d(10)}},
		issuer:   &fakeIssuer{},
		payments: mobilemoney.NewMemory(),
		clock:    &clock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
	}
	cfg := engine.DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	eng, err := engine.New(fx.store, fx.prices, fx.issuer, fx.payments, cfg, engine.WithClock(fx.clock.Now))
	require.NoError(t, err)
	eng.Subscribe(func(ev engine.Event) {
		fx.mu.Lock()
		fx.events = append(fx.events, ev)
		fx.mu.Unlock()
	})
	fx.eng = eng
	return fx
}

func (fx *fixture) register(t *testing.T, phone string, balance float64) *model.Farmer {
	t.Helper()
	ctx := context.Background()
	farmer, err := fx.eng.Register(ctx, engine.RegisterInput{
		Phone: phone, Name: "Amina", Location: "Nakuru", Crop: "corn", FarmSize: d(2.5),
	})
	require.NoError(t, err)
	if balance > 0 {
		_, err = fx.eng.SeedBalance(ctx, phone, d(balance))
		require.NoError(t, err)
	}
	return farmer
}

func (fx *fixture) balance(t *testing.T, farmer *model.Farmer) decimal.Decimal {
	t.Helper()
	w, err := fx.mem.GetWalletByFarmer(context.Background(), farmer.ID)
	require.NoError(t, err)
	return w.Balance
}

func (fx *fixture) contracts(t *testing.T, farmer *model.Farmer) []model.FuturesContract {
	t.Helper()
	cs, err := fx.mem.ListContractsByFarmer(context.Background(), farmer.ID, "")
	require.NoError(t, err)
	return cs
}

func (fx *fixture) transactions(t *testing.T, farmer *model.Farmer) []model.Transaction {
	t.Helper()
	w, err := fx.mem.GetWalletByFarmer(context.Background(), farmer.ID)
	require.NoError(t, err)
	txs, err := fx.mem.ListTransactionsByWallet(context.Background(), w.ID)
	require.NoError(t, err)
	return txs
}

func assertMoney(t *testing.T, want float64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "want %v, got %s", want, got)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.MaxContractSize = d(10)
	_, err := engine.New(store.NewMemoryStore(), &fakePrices{}, &fakeIssuer{}, mobilemoney.NewMemory(), cfg)
	assert.Error(t, err)

	cfg = engine.DefaultConfig()
	cfg.RiskFactor = d(-1)
	_, err = engine.New(store.NewMemoryStore(), &fakePrices{}, &fakeIssuer{}, mobilemoney.NewMemory(), cfg)
	assert.Error(t, err)
}
