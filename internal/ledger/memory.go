package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/stellar/go/txnbuild"
)

// Issued records a payment of a contract asset seen by MemoryNetwork.
type Issued struct {
	To     string
	Code   string
	Amount string
}

// MemoryNetwork is an in-process Network for development and tests. It
// tracks accounts, sequence numbers and trust lines, and rejects a payment
// of an asset the destination does not trust.
type MemoryNetwork struct {
	mu       sync.Mutex
	accounts map[string]int64
	trust    map[string]map[string]string // account -> asset code -> limit
	issued   []Issued

	// Reject, when set, is consulted before applying each transaction. A
	// non-empty result code fails the submission with that code.
	Reject func(tx *txnbuild.Transaction) string
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		accounts: make(map[string]int64),
		trust:    make(map[string]map[string]string),
	}
}

func (m *MemoryNetwork) LoadAccount(_ context.Context, address string) (txnbuild.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.accounts[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return &txnbuild.SimpleAccount{AccountID: address, Sequence: seq}, nil
}

func (m *MemoryNetwork) FundAccount(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[address]; !ok {
		m.accounts[address] = 0
	}
	return nil
}

func (m *MemoryNetwork) BaseFee(context.Context) (int64, error) {
	return txnbuild.MinBaseFee, nil
}

func (m *MemoryNetwork) Submit(_ context.Context, tx *txnbuild.Transaction) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Reject != nil {
		if code := m.Reject(tx); code != "" {
			return Result{ResultCode: code}, nil
		}
	}

	source := tx.SourceAccount().AccountID
	if _, ok := m.accounts[source]; !ok {
		return Result{ResultCode: "tx_no_source_account"}, nil
	}

	for _, op := range tx.Operations() {
		switch op := op.(type) {
		case *txnbuild.ChangeTrust:
			if m.trust[source] == nil {
				m.trust[source] = make(map[string]string)
			}
			m.trust[source][op.Line.GetCode()] = op.Limit
		case *txnbuild.Payment:
			if _, ok := m.accounts[op.Destination]; !ok {
				return Result{ResultCode: "tx_failed:op_no_destination"}, nil
			}
			if _, ok := m.trust[op.Destination][op.Asset.GetCode()]; !ok {
				return Result{ResultCode: "tx_failed:op_no_trust"}, nil
			}
			m.issued = append(m.issued, Issued{To: op.Destination, Code: op.Asset.GetCode(), Amount: op.Amount})
		default:
			return Result{ResultCode: "tx_failed:op_not_supported"}, nil
		}
	}

	m.accounts[source]++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", source, m.accounts[source])))
	return Result{Successful: true, Hash: hex.EncodeToString(sum[:])}, nil
}

// AssetExists reports whether any account trusts code. MemoryNetwork
// serves a single issuer, so issuer is not consulted.
func (m *MemoryNetwork) AssetExists(_ context.Context, code, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lines := range m.trust {
		if _, ok := lines[code]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Trusts reports whether address holds a trust line for code.
func (m *MemoryNetwork) Trusts(address, code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.trust[address][code]
	return ok
}

// Issued returns every asset payment applied so far.
func (m *MemoryNetwork) Issued() []Issued {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Issued, len(m.issued))
	copy(out, m.issued)
	return out
}

func (m *MemoryNetwork) Exists(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[address]
	return ok
}
