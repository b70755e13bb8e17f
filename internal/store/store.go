// Package store defines the persistence interface for the futures engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrifutures/futures-engine/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a unique key is taken or a conditional
	// update finds the row in an unexpected state.
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Farmers and wallets ---

	// CreateFarmerWithWallet persists a farmer and its wallet atomically.
	CreateFarmerWithWallet(ctx context.Context, farmer *model.Farmer, wallet *model.Wallet) error

	GetFarmer(ctx context.Context, id string) (*model.Farmer, error)

	GetFarmerByPhone(ctx context.Context, phone string) (*model.Farmer, error)

	// UpdateFarmerLanguage is the only mutation allowed on a farmer.
	UpdateFarmerLanguage(ctx context.Context, id, language string) error

	GetWalletByFarmer(ctx context.Context, farmerID string) (*model.Wallet, error)

	// --- Crops ---

	ListCrops(ctx context.Context) ([]model.Crop, error)

	GetCrop(ctx context.Context, name string) (*model.Crop, error)

	// UpdateCropPrice upserts the current oracle price of a crop.
	UpdateCropPrice(ctx context.Context, name string, price decimal.Decimal, at time.Time) error

	// --- Contracts ---

	GetContract(ctx context.Context, id int64) (*model.FuturesContract, error)

	// ListContractsByFarmer returns a farmer's contracts, newest first. An
	// empty status returns every status.
	ListContractsByFarmer(ctx context.Context, farmerID string, status model.ContractStatus) ([]model.FuturesContract, error)

	// ExpireContracts moves every ACTIVE contract with expires_at < now to
	// EXPIRED and returns the number moved.
	ExpireContracts(ctx context.Context, now time.Time) (int, error)

	// --- Transactions ---

	// InsertTransaction appends a transaction outside any wallet movement,
	// such as a failed deposit attempt.
	InsertTransaction(ctx context.Context, t *model.Transaction) error

	// ListTransactionsByWallet returns a wallet's transactions oldest first.
	ListTransactionsByWallet(ctx context.Context, walletID string) ([]model.Transaction, error)

	// --- Reconciliation ---

	InsertReconciliationFlag(ctx context.Context, f *model.ReconciliationFlag) error

	ListReconciliationFlags(ctx context.Context) ([]model.ReconciliationFlag, error)

	// InTx runs fn in a transaction. fn's writes commit together when it
	// returns nil and are discarded otherwise. Row locks taken through Tx
	// are held until InTx returns.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transaction-scoped view used for every wallet movement.
type Tx interface {
	// LockWallet loads a farmer's wallet and holds its row lock.
	LockWallet(ctx context.Context, farmerID string) (*model.Wallet, error)

	LockWalletByID(ctx context.Context, walletID string) (*model.Wallet, error)

	UpdateWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal) error

	// InsertContract persists c and assigns c.ID.
	InsertContract(ctx context.Context, c *model.FuturesContract) error

	// GetContractForUpdate loads a contract and holds its row lock.
	GetContractForUpdate(ctx context.Context, id int64) (*model.FuturesContract, error)

	// UpdateContractStatus moves a contract from one status to another and
	// returns ErrConflict when it is no longer in from.
	UpdateContractStatus(ctx context.Context, id int64, from, to model.ContractStatus) error

	InsertTransaction(ctx context.Context, t *model.Transaction) error

	// GetTransactionByRefForUpdate loads the transaction with the given
	// external reference and holds its row lock.
	GetTransactionByRefForUpdate(ctx context.Context, ref string) (*model.Transaction, error)

	UpdateTransactionStatus(ctx context.Context, id string, status model.TransactionStatus, at time.Time) error
}
