package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Constructor tests ---

func TestNewPricer_Valid(t *testing.T) {
	p, err := NewPricer(d(0.2), d(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.RiskFactor().Equal(d(0.2)) || !p.MinimumPremium().Equal(d(5)) {
		t.Errorf("unexpected parameters: %s %s", p.RiskFactor(), p.MinimumPremium())
	}
}

func TestNewPricer_NegativeRiskFactor(t *testing.T) {
	_, err := NewPricer(d(-0.1), d(1))
	if err != ErrInvalidRiskFactor {
		t.Errorf("expected ErrInvalidRiskFactor, got %v", err)
	}
}

func TestNewPricer_NegativeFloor(t *testing.T) {
	_, err := NewPricer(d(0.1), d(-1))
	if err != ErrInvalidMinimumPremium {
		t.Errorf("expected ErrInvalidMinimumPremium, got %v", err)
	}
}

// --- Premium tests ---

func TestPremium_DistanceFromStrike(t *testing.T) {
	// |3.00 - 2.50| * 100 * 0.1 = 5.00
	got := Default().Premium(d(3), d(2.5), d(100))
	if !got.Equal(d(5)) {
		t.Errorf("expected premium 5.00, got %s", got)
	}
}

func TestPremium_SymmetricAroundCurrent(t *testing.T) {
	p := Default()
	above := p.Premium(d(3), d(2.5), d(100))
	below := p.Premium(d(2), d(2.5), d(100))
	if !above.Equal(below) {
		t.Errorf("premium should depend on |strike-current|: above=%s below=%s", above, below)
	}
}

func TestPremium_FloorAtTheMoney(t *testing.T) {
	got := Default().Premium(d(2.5), d(2.5), d(1000))
	if !got.Equal(d(1)) {
		t.Errorf("expected floor 1.00, got %s", got)
	}
}

func TestPremium_FloorSmallDistance(t *testing.T) {
	// 0.01 * 50 * 0.1 = 0.05 < 1.00
	got := Default().Premium(d(2.51), d(2.5), d(50))
	if !got.Equal(d(1)) {
		t.Errorf("expected floor 1.00, got %s", got)
	}
}

func TestPremium_RoundsToCents(t *testing.T) {
	// 0.333 * 100 * 0.1 = 3.33
	got := Default().Premium(d(2.833), d(2.5), d(100))
	if !got.Equal(d(3.33)) {
		t.Errorf("expected 3.33, got %s", got)
	}
}

func TestPremium_Deterministic(t *testing.T) {
	p := Default()
	first := p.Premium(d(4.2), d(3.7), d(250))
	for i := 0; i < 100; i++ {
		if got := p.Premium(d(4.2), d(3.7), d(250)); !got.Equal(first) {
			t.Fatalf("iteration %d: premium changed from %s to %s", i, first, got)
		}
	}
}

func TestPremium_NeverBelowFloor(t *testing.T) {
	p := Default()
	for _, strike := range []float64{0.01, 1, 2.5, 2.6, 10, 100} {
		for _, qty := range []float64{50, 100, 500, 1000} {
			got := p.Premium(d(strike), d(2.5), d(qty))
			if got.LessThan(p.MinimumPremium()) {
				t.Errorf("strike=%v qty=%v: premium %s below floor", strike, qty, got)
			}
		}
	}
}

// --- Payout tests ---

func TestPayout_InTheMoney(t *testing.T) {
	// (3.00 - 2.00) * 100 = 100.00
	got := Payout(d(3), d(2), d(100))
	if !got.Equal(d(100)) {
		t.Errorf("expected payout 100.00, got %s", got)
	}
}

func TestPayout_OutOfTheMoney(t *testing.T) {
	if got := Payout(d(3), d(3.5), d(100)); !got.IsZero() {
		t.Errorf("expected zero payout above strike, got %s", got)
	}
	if got := Payout(d(3), d(3), d(100)); !got.IsZero() {
		t.Errorf("expected zero payout at strike, got %s", got)
	}
}

func TestInTheMoney_Strict(t *testing.T) {
	if InTheMoney(d(3), d(3)) {
		t.Error("current == strike must not be in the money")
	}
	if !InTheMoney(d(3), d(2.99)) {
		t.Error("current below strike should be in the money")
	}
	if InTheMoney(d(3), d(3.01)) {
		t.Error("current above strike must not be in the money")
	}
}
