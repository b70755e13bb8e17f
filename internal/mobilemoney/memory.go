package mobilemoney

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Memory is an in-process processor for development and tests. It keeps a
// running processor-side balance per wallet but leaves funds checks to
// the engine.
type Memory struct {
	mu       sync.Mutex
	seq      int
	wallets  map[string]decimal.Decimal
	methods  map[string][]PaymentMethod
	payments []MemoryPayment

	// Fail, when set, is consulted before each call with the operation
	// name ("create_wallet", "attach_payment_method", "deposit",
	// "withdraw", "balance"). A non-nil result is returned instead of performing the
	// call.
	Fail func(op string) error

	// PendingDeposits makes deposits answer ACT, as a processor does when
	// the farmer still has to approve the push on their handset.
	PendingDeposits bool
}

// MemoryPayment records a deposit or withdrawal seen by Memory.
type MemoryPayment struct {
	ID       string
	Op       string
	WalletID string
	Amount   decimal.Decimal
}

func NewMemory() *Memory {
	return &Memory{wallets: make(map[string]decimal.Decimal), methods: make(map[string][]PaymentMethod)}
}

func (m *Memory) check(op string) error {
	if m.Fail != nil {
		return m.Fail(op)
	}
	return nil
}

func (m *Memory) CreateWallet(_ context.Context, req WalletRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("create_wallet"); err != nil {
		return "", err
	}
	m.seq++
	id := fmt.Sprintf("ewallet_%06d", m.seq)
	m.wallets[id] = decimal.Zero
	return id, nil
}

func (m *Memory) AttachPaymentMethod(_ context.Context, walletID string, pm PaymentMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("attach_payment_method"); err != nil {
		return err
	}
	if _, ok := m.wallets[walletID]; !ok {
		return &RejectedError{Path: "/v1/payment_methods", ErrorCode: "ERROR_WALLET_NOT_FOUND"}
	}
	m.methods[walletID] = append(m.methods[walletID], pm)
	return nil
}

// PaymentMethods returns the methods attached to walletID.
func (m *Memory) PaymentMethods(walletID string) []PaymentMethod {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PaymentMethod(nil), m.methods[walletID]...)
}

func (m *Memory) Deposit(_ context.Context, walletID string, amount decimal.Decimal, _ string) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("deposit"); err != nil {
		return Payment{}, err
	}
	bal, ok := m.wallets[walletID]
	if !ok {
		return Payment{}, &RejectedError{Path: "/v1/account/deposit", ErrorCode: "ERROR_WALLET_NOT_FOUND"}
	}
	m.wallets[walletID] = bal.Add(amount)
	status := PaymentClosed
	if m.PendingDeposits {
		status = PaymentActive
	}
	return Payment{ID: m.record("deposit", walletID, amount), Status: status}, nil
}

func (m *Memory) Withdraw(_ context.Context, walletID string, amount decimal.Decimal, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("withdraw"); err != nil {
		return "", err
	}
	bal, ok := m.wallets[walletID]
	if !ok {
		return "", &RejectedError{Path: "/v1/account/withdraw", ErrorCode: "ERROR_WALLET_NOT_FOUND"}
	}
	m.wallets[walletID] = bal.Sub(amount)
	return m.record("withdraw", walletID, amount), nil
}

func (m *Memory) record(op, walletID string, amount decimal.Decimal) string {
	m.seq++
	id := fmt.Sprintf("payment_%06d", m.seq)
	m.payments = append(m.payments, MemoryPayment{ID: id, Op: op, WalletID: walletID, Amount: amount})
	return id
}

// Balance returns the processor-side balance of walletID.
func (m *Memory) Balance(_ context.Context, walletID, _ string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("balance"); err != nil {
		return decimal.Zero, err
	}
	bal, ok := m.wallets[walletID]
	if !ok {
		return decimal.Zero, &RejectedError{Path: "/v1/user/" + walletID, ErrorCode: "ERROR_WALLET_NOT_FOUND"}
	}
	return bal, nil
}

func (m *Memory) Payments() []MemoryPayment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryPayment, len(m.payments))
	copy(out, m.payments)
	return out
}
