// Package oracle provides the current market price of each supported crop.
//
// Lookups are served from a cache while the cached price is younger than the
// freshness window. Otherwise the live source is asked; when it fails or is
// not configured, a simulated price is synthesized from the crop's base
// price. Every fresh price is cached, written back to the crop record and
// published to observers.
package oracle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/agrifutures/futures-engine/internal/apperr"
	"github.com/agrifutures/futures-engine/internal/logger"
	"github.com/agrifutures/futures-engine/internal/metrics"
	"github.com/agrifutures/futures-engine/internal/model"
)

const (
	SourceCache     = "cache"
	SourceLive      = "live"
	SourceSimulated = "simulated"
)

// Quote is a price observation for one crop.
type Quote struct {
	Crop   string          `json:"crop"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
	Source string          `json:"source"`
}

// Source fetches a live price. Implementations must honour ctx deadlines.
type Source interface {
	Fetch(ctx context.Context, crop string) (decimal.Decimal, error)
}

// PriceWriter persists the latest price into the crop record.
type PriceWriter interface {
	UpdateCropPrice(ctx context.Context, name string, price decimal.Decimal, at time.Time) error
}

type Config struct {
	FreshnessWindow time.Duration
	// BasePrices lists the supported crops and their simulation anchors.
	BasePrices     map[string]decimal.Decimal
	TrendPerMinute decimal.Decimal
	Volatility     decimal.Decimal
	// FetchTimeout bounds each live source call.
	FetchTimeout time.Duration
}

// DefaultConfig returns the standard five crops with a five minute window.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow: 300 * time.Second,
		BasePrices: map[string]decimal.Decimal{
			"corn":     decimal.NewFromFloat(2.5),
			"wheat":    decimal.NewFromFloat(3.0),
			"rice":     decimal.NewFromFloat(4.0),
			"soybeans": decimal.NewFromFloat(5.0),
			"coffee":   decimal.NewFromFloat(10.0),
		},
		TrendPerMinute: decimal.NewFromFloat(0.001),
		Volatility:     decimal.NewFromFloat(0.05),
		FetchTimeout:   5 * time.Second,
	}
}

type Oracle struct {
	cfg    Config
	live   Source
	sim    *Simulator
	cache  Cache
	writer PriceWriter
	now    func() time.Time
	log    *logger.Logger

	group singleflight.Group

	obsMu     sync.RWMutex
	observers []func(Quote)
}

type Option func(*Oracle)

// WithLiveSource sets the live price source. Without one every miss is
// simulated.
func WithLiveSource(src Source) Option { return func(o *Oracle) { o.live = src } }

func WithCache(c Cache) Option { return func(o *Oracle) { o.cache = c } }

func WithWriter(w PriceWriter) Option { return func(o *Oracle) { o.writer = w } }

func WithClock(now func() time.Time) Option { return func(o *Oracle) { o.now = now } }

// WithRand sets the uniform [0,1) source used by the simulator.
func WithRand(r func() float64) Option { return func(o *Oracle) { o.sim.rand = r } }

func WithLogger(l *logger.Logger) Option { return func(o *Oracle) { o.log = l } }

func New(cfg Config, opts ...Option) *Oracle {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultConfig().FreshnessWindow
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	if len(cfg.BasePrices) == 0 {
		cfg.BasePrices = DefaultConfig().BasePrices
	}
	o := &Oracle{
		cfg:   cfg,
		cache: NewMemoryCache(),
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger.Nop(),
	}
	o.sim = NewSimulator(cfg.BasePrices, cfg.TrendPerMinute, cfg.Volatility)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Subscribe registers fn to receive every freshly fetched or simulated
// price. fn runs on the lookup goroutine and must not block.
func (o *Oracle) Subscribe(fn func(Quote)) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.observers = append(o.observers, fn)
}

// Supported reports whether the oracle prices the named crop.
func (o *Oracle) Supported(crop string) bool {
	_, ok := o.cfg.BasePrices[model.NormalizeCrop(crop)]
	return ok
}

// Crops returns the supported crop names in sorted order.
func (o *Oracle) Crops() []string {
	names := make([]string, 0, len(o.cfg.BasePrices))
	for name := range o.cfg.BasePrices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *Oracle) GetPrice(ctx context.Context, crop string) (decimal.Decimal, error) {
	q, err := o.GetQuote(ctx, crop)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// GetQuote returns the current price of crop with its provenance.
// Unsupported crops yield an apperr NotFound.
func (o *Oracle) GetQuote(ctx context.Context, crop string) (Quote, error) {
	name := model.NormalizeCrop(crop)
	if !o.Supported(name) {
		return Quote{}, apperr.Newf(apperr.CodeNotFound, "unsupported crop %q", crop)
	}

	if q, ok := o.cached(ctx, name); ok {
		return q, nil
	}

	v, err, _ := o.group.Do(name, func() (any, error) {
		// A flight that finished between the check above and Do already
		// refreshed the cache.
		if q, ok := o.cached(ctx, name); ok {
			return q, nil
		}
		return o.refresh(ctx, name), nil
	})
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: refresh %s: %w", name, err)
	}
	return v.(Quote), nil
}

func (o *Oracle) cached(ctx context.Context, name string) (Quote, bool) {
	q, ok := o.cache.Get(ctx, name)
	if !ok || o.now().Sub(q.At) >= o.cfg.FreshnessWindow {
		return Quote{}, false
	}
	metrics.OraclePrices.WithLabelValues(SourceCache).Inc()
	q.Source = SourceCache
	return q, true
}

func (o *Oracle) refresh(ctx context.Context, name string) Quote {
	q := Quote{Crop: name}

	if o.live != nil {
		fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
		price, err := o.live.Fetch(fctx, name)
		cancel()
		switch {
		case err != nil:
			o.log.Warn(o.log.WithFields(ctx, map[string]any{"crop": name, "error": err.Error()}),
				"live price fetch failed, simulating")
		case !price.IsPositive():
			o.log.Warn(o.log.WithField(ctx, "crop", name), "live price not positive, simulating")
		default:
			q.Price = price.Round(2)
			q.Source = SourceLive
		}
	}

	now := o.now()
	if q.Source == "" {
		q.Price = o.sim.Next(name, now)
		q.Source = SourceSimulated
	}
	q.At = now

	o.cache.Set(ctx, q)
	if o.writer != nil {
		if err := o.writer.UpdateCropPrice(ctx, name, q.Price, now); err != nil {
			o.log.Error(o.log.WithField(ctx, "crop", name), "crop price write-back failed", err)
		}
	}
	metrics.OraclePrices.WithLabelValues(q.Source).Inc()

	o.obsMu.RLock()
	observers := o.observers
	o.obsMu.RUnlock()
	for _, fn := range observers {
		fn(q)
	}
	return q
}
