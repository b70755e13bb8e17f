package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrifutures/futures-engine/internal/keylock"
	"github.com/agrifutures/futures-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions stage their writes and apply them under the store mutex at
// commit. Row locks are per-key mutexes held until the transaction ends.
type MemoryStore struct {
	mu sync.RWMutex

	farmers        map[string]*model.Farmer
	farmerByPhone  map[string]string
	wallets        map[string]*model.Wallet
	walletByFarmer map[string]string
	crops          map[string]*model.Crop
	contracts      map[int64]*model.FuturesContract
	nextContractID int64
	transactions   []*model.Transaction
	txByRef        map[string]*model.Transaction
	flags          []model.ReconciliationFlag

	rows *keylock.Locker
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		farmers:        make(map[string]*model.Farmer),
		farmerByPhone:  make(map[string]string),
		wallets:        make(map[string]*model.Wallet),
		walletByFarmer: make(map[string]string),
		crops:          make(map[string]*model.Crop),
		contracts:      make(map[int64]*model.FuturesContract),
		txByRef:        make(map[string]*model.Transaction),
		rows:           keylock.New(),
	}
}

func (s *MemoryStore) CreateFarmerWithWallet(_ context.Context, f *model.Farmer, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.farmers[f.ID]; ok {
		return fmt.Errorf("farmer %s: %w", f.ID, ErrConflict)
	}
	if _, ok := s.farmerByPhone[f.PhoneNumber]; ok {
		return fmt.Errorf("phone %s already registered: %w", f.PhoneNumber, ErrConflict)
	}
	for _, existing := range s.farmers {
		if f.LedgerPublicKey != "" && existing.LedgerPublicKey == f.LedgerPublicKey {
			return fmt.Errorf("ledger key already assigned: %w", ErrConflict)
		}
	}
	for _, existing := range s.wallets {
		if existing.MobileMoneyRef == w.MobileMoneyRef {
			return fmt.Errorf("mobile money ref %s already assigned: %w", w.MobileMoneyRef, ErrConflict)
		}
	}
	if w.FarmerID != f.ID {
		return fmt.Errorf("wallet farmer %s does not match farmer %s: %w", w.FarmerID, f.ID, ErrConflict)
	}

	fc := *f
	wc := *w
	s.farmers[f.ID] = &fc
	s.farmerByPhone[f.PhoneNumber] = f.ID
	s.wallets[w.ID] = &wc
	s.walletByFarmer[f.ID] = w.ID
	return nil
}

func (s *MemoryStore) GetFarmer(_ context.Context, id string) (*model.Farmer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.farmers[id]
	if !ok {
		return nil, fmt.Errorf("farmer %s: %w", id, ErrNotFound)
	}
	copy := *f
	return &copy, nil
}

func (s *MemoryStore) GetFarmerByPhone(ctx context.Context, phone string) (*model.Farmer, error) {
	s.mu.RLock()
	id, ok := s.farmerByPhone[phone]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("farmer with phone %s: %w", phone, ErrNotFound)
	}
	return s.GetFarmer(ctx, id)
}

func (s *MemoryStore) UpdateFarmerLanguage(_ context.Context, id, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.farmers[id]
	if !ok {
		return fmt.Errorf("farmer %s: %w", id, ErrNotFound)
	}
	f.Language = language
	return nil
}

func (s *MemoryStore) GetWalletByFarmer(_ context.Context, farmerID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[s.walletByFarmer[farmerID]]
	if !ok {
		return nil, fmt.Errorf("wallet for farmer %s: %w", farmerID, ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) ListCrops(_ context.Context) ([]model.Crop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	crops := make([]model.Crop, 0, len(s.crops))
	for _, c := range s.crops {
		crops = append(crops, *c)
	}
	sort.Slice(crops, func(i, j int) bool { return crops[i].Name < crops[j].Name })
	return crops, nil
}

func (s *MemoryStore) GetCrop(_ context.Context, name string) (*model.Crop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.crops[name]
	if !ok {
		return nil, fmt.Errorf("crop %s: %w", name, ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) UpdateCropPrice(_ context.Context, name string, price decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.crops[name] = &model.Crop{Name: name, CurrentPrice: price, LastUpdated: at}
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id int64) (*model.FuturesContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %d: %w", id, ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ListContractsByFarmer(_ context.Context, farmerID string, status model.ContractStatus) ([]model.FuturesContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FuturesContract
	for _, c := range s.contracts {
		if c.FarmerID != farmerID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

func (s *MemoryStore) ExpireContracts(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.contracts {
		if c.Status == model.ContractActive && c.ExpiresAt.Before(now) {
			c.Status = model.ContractExpired
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) InsertTransaction(_ context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertTransactionLocked(t)
}

func (s *MemoryStore) insertTransactionLocked(t *model.Transaction) error {
	if t.ExternalRef != "" {
		if _, ok := s.txByRef[t.ExternalRef]; ok {
			return fmt.Errorf("transaction ref %s: %w", t.ExternalRef, ErrConflict)
		}
	}
	if _, ok := s.wallets[t.WalletID]; !ok {
		return fmt.Errorf("wallet %s: %w", t.WalletID, ErrNotFound)
	}
	copy := *t
	s.transactions = append(s.transactions, &copy)
	if t.ExternalRef != "" {
		s.txByRef[t.ExternalRef] = &copy
	}
	return nil
}

func (s *MemoryStore) ListTransactionsByWallet(_ context.Context, walletID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.transactions {
		if t.WalletID == walletID {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertReconciliationFlag(_ context.Context, f *model.ReconciliationFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flags = append(s.flags, *f)
	return nil
}

func (s *MemoryStore) ListReconciliationFlags(_ context.Context) ([]model.ReconciliationFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.ReconciliationFlag, len(s.flags))
	copy(result, s.flags)
	return result, nil
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:        s,
		held:     make(map[string]bool),
		balances: make(map[string]decimal.Decimal),
		statuses: make(map[int64]statusChange),
		txStatus: make(map[string]txStatusChange),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return tx.commit()
}

type statusChange struct {
	from, to model.ContractStatus
}

type txStatusChange struct {
	status model.TransactionStatus
	at     time.Time
}

// memTx stages writes until commit. Reads see committed state overlaid
// with the transaction's own staged writes.
type memTx struct {
	s       *MemoryStore
	unlocks []func()
	held    map[string]bool

	balances  map[string]decimal.Decimal
	contracts []*model.FuturesContract
	statuses  map[int64]statusChange
	inserts   []*model.Transaction
	txStatus  map[string]txStatusChange
}

func (t *memTx) lock(key string) {
	if t.held[key] {
		return
	}
	t.unlocks = append(t.unlocks, t.s.rows.Lock(key))
	t.held[key] = true
}

func (t *memTx) release() {
	for i := len(t.unlocks) - 1; i >= 0; i-- {
		t.unlocks[i]()
	}
	t.unlocks = nil
}

func (t *memTx) LockWallet(ctx context.Context, farmerID string) (*model.Wallet, error) {
	t.s.mu.RLock()
	walletID, ok := t.s.walletByFarmer[farmerID]
	t.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wallet for farmer %s: %w", farmerID, ErrNotFound)
	}
	return t.LockWalletByID(ctx, walletID)
}

func (t *memTx) LockWalletByID(_ context.Context, walletID string) (*model.Wallet, error) {
	t.lock("wallet:" + walletID)

	t.s.mu.RLock()
	w, ok := t.s.wallets[walletID]
	var copy model.Wallet
	if ok {
		copy = *w
	}
	t.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	if staged, ok := t.balances[walletID]; ok {
		copy.Balance = staged
	}
	return &copy, nil
}

func (t *memTx) UpdateWalletBalance(_ context.Context, walletID string, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("wallet %s balance %s below zero: %w", walletID, balance, ErrConflict)
	}
	t.s.mu.RLock()
	_, ok := t.s.wallets[walletID]
	t.s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	t.balances[walletID] = balance
	return nil
}

func (t *memTx) InsertContract(_ context.Context, c *model.FuturesContract) error {
	t.s.mu.Lock()
	t.s.nextContractID++
	c.ID = t.s.nextContractID
	t.s.mu.Unlock()

	copy := *c
	t.contracts = append(t.contracts, &copy)
	t.held["contract:"+strconv.FormatInt(c.ID, 10)] = true
	return nil
}

func (t *memTx) GetContractForUpdate(_ context.Context, id int64) (*model.FuturesContract, error) {
	for _, c := range t.contracts {
		if c.ID == id {
			copy := *c
			t.overlayStatus(&copy)
			return &copy, nil
		}
	}

	t.lock("contract:" + strconv.FormatInt(id, 10))

	t.s.mu.RLock()
	c, ok := t.s.contracts[id]
	var copy model.FuturesContract
	if ok {
		copy = *c
	}
	t.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("contract %d: %w", id, ErrNotFound)
	}
	t.overlayStatus(&copy)
	return &copy, nil
}

func (t *memTx) overlayStatus(c *model.FuturesContract) {
	if change, ok := t.statuses[c.ID]; ok {
		c.Status = change.to
	}
}

func (t *memTx) UpdateContractStatus(ctx context.Context, id int64, from, to model.ContractStatus) error {
	current, err := t.GetContractForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != from {
		return fmt.Errorf("contract %d is %s, not %s: %w", id, current.Status, from, ErrConflict)
	}
	prior, ok := t.statuses[id]
	if ok {
		from = prior.from
	}
	t.statuses[id] = statusChange{from: from, to: to}
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	copy := *tr
	t.inserts = append(t.inserts, &copy)
	return nil
}

func (t *memTx) GetTransactionByRefForUpdate(_ context.Context, ref string) (*model.Transaction, error) {
	t.lock("tx:" + ref)

	t.s.mu.RLock()
	tr, ok := t.s.txByRef[ref]
	var copy model.Transaction
	if ok {
		copy = *tr
	}
	t.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transaction ref %s: %w", ref, ErrNotFound)
	}
	if change, ok := t.txStatus[copy.ID]; ok {
		copy.Status = change.status
		copy.UpdatedAt = change.at
	}
	return &copy, nil
}

func (t *memTx) UpdateTransactionStatus(_ context.Context, id string, status model.TransactionStatus, at time.Time) error {
	t.txStatus[id] = txStatusChange{status: status, at: at}
	return nil
}

// commit validates staged writes against the committed state and applies
// them all, or none.
func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, change := range t.statuses {
		if c, ok := s.contracts[id]; ok && c.Status != change.from {
			return fmt.Errorf("contract %d changed to %s concurrently: %w", id, c.Status, ErrConflict)
		}
	}
	refs := make(map[string]bool)
	for _, tr := range t.inserts {
		if _, ok := s.wallets[tr.WalletID]; !ok {
			return fmt.Errorf("wallet %s: %w", tr.WalletID, ErrNotFound)
		}
		if tr.ExternalRef == "" {
			continue
		}
		if _, ok := s.txByRef[tr.ExternalRef]; ok || refs[tr.ExternalRef] {
			return fmt.Errorf("transaction ref %s: %w", tr.ExternalRef, ErrConflict)
		}
		refs[tr.ExternalRef] = true
	}
	byID := make(map[string]*model.Transaction, len(s.transactions))
	for _, tr := range s.transactions {
		byID[tr.ID] = tr
	}
	for id := range t.txStatus {
		if _, ok := byID[id]; !ok {
			return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
	}

	for walletID, balance := range t.balances {
		s.wallets[walletID].Balance = balance
	}
	for _, c := range t.contracts {
		s.contracts[c.ID] = c
	}
	for id, change := range t.statuses {
		s.contracts[id].Status = change.to
	}
	for _, tr := range t.inserts {
		s.transactions = append(s.transactions, tr)
		if tr.ExternalRef != "" {
			s.txByRef[tr.ExternalRef] = tr
		}
	}
	for id, change := range t.txStatus {
		byID[id].Status = change.status
		byID[id].UpdatedAt = change.at
	}
	return nil
}
