package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrifutures/futures-engine/internal/model"
	"github.com/agrifutures/futures-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedFarmer(t *testing.T, s store.Store, phone string, balance decimal.Decimal) (*model.Farmer, *model.Wallet) {
	t.Helper()
	f := &model.Farmer{
		ID:              uuid.NewString(),
		PhoneNumber:     phone,
		Name:            "Amina",
		Location:        "Nakuru",
		FarmSize:        d(2.5),
		PrimaryCrop:     "corn",
		Language:        "en",
		LedgerPublicKey: "G" + phone,
		LedgerSecretKey: "S" + phone,
		CreatedAt:       time.Now(),
	}
	w := &model.Wallet{
		ID:             uuid.NewString(),
		FarmerID:       f.ID,
		Balance:        balance,
		MobileMoneyRef: "ewallet_" + phone,
		Currency:       "KES",
	}
	require.NoError(t, s.CreateFarmerWithWallet(context.Background(), f, w))
	return f, w
}

func newContract(farmerID string, expires time.Time) *model.FuturesContract {
	return &model.FuturesContract{
		FarmerID:    farmerID,
		Crop:        "corn",
		Quantity:    d(100),
		StrikePrice: d(3),
		Premium:     d(5),
		CreatedAt:   time.Now(),
		ExpiresAt:   expires,
		AssetCode:   "FUT" + uuid.NewString()[:8],
		Status:      model.ContractActive,
	}
}

func TestCreateFarmerRejectsDuplicatePhone(t *testing.T) {
	s := store.NewMemoryStore()
	seedFarmer(t, s, "+254700000001", decimal.Zero)

	f := &model.Farmer{ID: uuid.NewString(), PhoneNumber: "+254700000001", LedgerPublicKey: "Gother"}
	w := &model.Wallet{ID: uuid.NewString(), FarmerID: f.ID, MobileMoneyRef: "ewallet_other"}
	err := s.CreateFarmerWithWallet(context.Background(), f, w)
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = s.GetFarmer(context.Background(), f.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestInTxCommitsAllWrites(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	f, w := seedFarmer(t, s, "+254700000002", d(100))

	var contractID int64
	err := s.InTx(ctx, func(tx store.Tx) error {
		wallet, err := tx.LockWallet(ctx, f.ID)
		if err != nil {
			return err
		}
		if err := tx.UpdateWalletBalance(ctx, wallet.ID, wallet.Balance.Sub(d(5))); err != nil {
			return err
		}
		c := newContract(f.ID, time.Now().Add(time.Hour))
		if err := tx.InsertContract(ctx, c); err != nil {
			return err
		}
		contractID = c.ID
		return tx.InsertTransaction(ctx, &model.Transaction{
			ID: uuid.NewString(), WalletID: wallet.ID, Type: model.TxPremiumPayment,
			Amount: d(5), Status: model.TxCompleted, ExternalRef: c.AssetCode,
		})
	})
	require.NoError(t, err)

	wallet, err := s.GetWalletByFarmer(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(d(95)), "balance %s", wallet.Balance)

	c, err := s.GetContract(ctx, contractID)
	require.NoError(t, err)
	assert.Equal(t, model.ContractActive, c.Status)

	txs, err := s.ListTransactionsByWallet(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxPremiumPayment, txs[0].Type)
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	f, w := seedFarmer(t, s, "+254700000003", d(100))
	boom := errors.New("ledger down")

	err := s.InTx(ctx, func(tx store.Tx) error {
		wallet, err := tx.LockWallet(ctx, f.ID)
		require.NoError(t, err)
		require.NoError(t, tx.UpdateWalletBalance(ctx, wallet.ID, d(0)))
		require.NoError(t, tx.InsertContract(ctx, newContract(f.ID, time.Now().Add(time.Hour))))
		return boom
	})
	require.ErrorIs(t, err, boom)

	wallet, err := s.GetWalletByFarmer(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(d(100)))

	contracts, err := s.ListContractsByFarmer(ctx, f.ID, "")
	require.NoError(t, err)
	assert.Empty(t, contracts)

	txs, err := s.ListTransactionsByWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestInTxRejectsNegativeBalance(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	f, _ := seedFarmer(t, s, "+254700000004", d(1))

	err := s.InTx(ctx, func(tx store.Tx) error {
		wallet, err := tx.LockWallet(ctx, f.ID)
		if err != nil {
			return err
		}
		return tx.UpdateWalletBalance(ctx, wallet.ID, d(-1))
	})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestLockWalletSerializesReadModifyWrite(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	f, _ := seedFarmer(t, s, "+254700000005", decimal.Zero)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(tx store.Tx) error {
				wallet, err := tx.LockWallet(ctx, f.ID)
				if err != nil {
					return err
				}
				return tx.UpdateWalletBalance(ctx, wallet.ID, wallet.Balance.Add(d(1)))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	wallet, err := s.GetWalletByFarmer(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(d(50)), "balance %s", wallet.Balance)
}

func TestUpdateContractStatusIsConditional(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	f, _ := seedFarmer(t, s, "+254700000006", decimal.Zero)

	c := newContract(f.ID, time.Now().Add(time.Hour))
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error { return tx.InsertContract(ctx, c) }))

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.UpdateContractStatus(ctx, c.ID, model.ContractActive, model.ContractExercised)
	}))

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.UpdateContractStatus(ctx, c.ID, model.ContractActive, model.ContractExpired)
	})
	require.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ContractExercised, got.Status)
}

func TestCommitDetectsConcurrentExpiry(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	f, _ := seedFarmer(t, s, "+254700000007", decimal.Zero)

	c := newContract(f.ID, time.Now().Add(-time.Minute))
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error { return tx.InsertContract(ctx, c) }))

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateContractStatus(ctx, c.ID, model.ContractActive, model.ContractExercised); err != nil {
			return err
		}
		n, err := s.ExpireContracts(ctx, time.Now())
		require.NoError(t, err)
		require.Equal(t, 1, n)
		return nil
	})
	require.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ContractExpired, got.Status)
}

func TestExpireContractsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	f, _ := seedFarmer(t, s, "+254700000008", decimal.Zero)
	now := time.Now()

	past := newContract(f.ID, now.Add(-time.Hour))
	future := newContract(f.ID, now.Add(time.Hour))
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertContract(ctx, past); err != nil {
			return err
		}
		return tx.InsertContract(ctx, future)
	}))

	n, err := s.ExpireContracts(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ExpireContracts(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	active, err := s.ListContractsByFarmer(ctx, f.ID, model.ContractActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, future.ID, active[0].ID)
}

func TestTransactionRefMustBeUnique(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	_, w := seedFarmer(t, s, "+254700000009", decimal.Zero)

	tr := &model.Transaction{ID: uuid.NewString(), WalletID: w.ID, Type: model.TxDeposit,
		Amount: d(10), Status: model.TxPending, ExternalRef: "payment_1"}
	require.NoError(t, s.InsertTransaction(ctx, tr))

	dup := *tr
	dup.ID = uuid.NewString()
	err := s.InTx(ctx, func(tx store.Tx) error { return tx.InsertTransaction(ctx, &dup) })
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestTransactionStatusCorrection(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	_, w := seedFarmer(t, s, "+254700000010", decimal.Zero)

	tr := &model.Transaction{ID: uuid.NewString(), WalletID: w.ID, Type: model.TxDeposit,
		Amount: d(10), Status: model.TxPending, ExternalRef: "payment_2"}
	require.NoError(t, s.InsertTransaction(ctx, tr))

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetTransactionByRefForUpdate(ctx, "payment_2")
		if err != nil {
			return err
		}
		return tx.UpdateTransactionStatus(ctx, got.ID, model.TxCompleted, time.Now())
	}))

	txs, err := s.ListTransactionsByWallet(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxCompleted, txs[0].Status)
}

func TestUpdateCropPriceUpserts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, s.UpdateCropPrice(ctx, "corn", d(2.5), at))
	require.NoError(t, s.UpdateCropPrice(ctx, "corn", d(2.75), at.Add(time.Minute)))

	c, err := s.GetCrop(ctx, "corn")
	require.NoError(t, err)
	assert.True(t, c.CurrentPrice.Equal(d(2.75)))
	assert.Equal(t, at.Add(time.Minute), c.LastUpdated)
}
