package oracle

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Simulator synthesizes prices as
//
//	base * (1 + trend * minutesSinceLastSynthesis) * (1 + U(-v, +v))
//
// rounded to cents. The first synthesis of a crop uses zero elapsed minutes.
type Simulator struct {
	base       map[string]decimal.Decimal
	trend      decimal.Decimal
	volatility decimal.Decimal
	rand       func() float64

	mu   sync.Mutex
	last map[string]time.Time
}

func NewSimulator(base map[string]decimal.Decimal, trend, volatility decimal.Decimal) *Simulator {
	return &Simulator{
		base:       base,
		trend:      trend,
		volatility: volatility,
		rand:       rand.Float64,
		last:       make(map[string]time.Time),
	}
}

// Next returns the simulated price of crop at now. Unknown crops price at 0.
func (s *Simulator) Next(crop string, now time.Time) decimal.Decimal {
	base, ok := s.base[crop]
	if !ok {
		return decimal.Zero
	}

	s.mu.Lock()
	minutes := decimal.Zero
	if prev, ok := s.last[crop]; ok && now.After(prev) {
		minutes = decimal.NewFromFloat(now.Sub(prev).Minutes())
	}
	s.last[crop] = now
	r := s.rand()
	s.mu.Unlock()

	one := decimal.NewFromInt(1)
	trendFactor := one.Add(s.trend.Mul(minutes))
	// U(-v, +v) from a uniform [0,1) draw.
	noise := s.volatility.Mul(decimal.NewFromFloat(2*r - 1))
	return base.Mul(trendFactor).Mul(one.Add(noise)).Round(2)
}
