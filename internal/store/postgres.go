package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agrifutures/futures-engine/internal/model"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func mapPgError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %s: %w", what, pgErr.ConstraintName, ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Farmers and wallets ---

const farmerColumns = `id, phone_number, name, location, farm_size::TEXT, primary_crop,
	language, ledger_public_key, ledger_secret_key, created_at`

func (s *PostgresStore) CreateFarmerWithWallet(ctx context.Context, f *model.Farmer, w *model.Wallet) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO farmers (id, phone_number, name, location, farm_size, primary_crop,
			                      language, ledger_public_key, ledger_secret_key, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)`,
			f.ID, f.PhoneNumber, f.Name, f.Location, f.FarmSize.String(), f.PrimaryCrop,
			f.Language, f.LedgerPublicKey, f.LedgerSecretKey, f.CreatedAt,
		)
		if err != nil {
			return mapPgError(err, "insert farmer")
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO wallets (id, farmer_id, balance, mobile_money_ref, currency)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
			w.ID, w.FarmerID, w.Balance.String(), w.MobileMoneyRef, w.Currency,
		)
		return mapPgError(err, "insert wallet")
	})
}

func scanFarmer(row pgx.Row) (*model.Farmer, error) {
	var f model.Farmer
	var farmSize string
	if err := row.Scan(&f.ID, &f.PhoneNumber, &f.Name, &f.Location, &farmSize, &f.PrimaryCrop,
		&f.Language, &f.LedgerPublicKey, &f.LedgerSecretKey, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.FarmSize, _ = decimal.NewFromString(farmSize)
	return &f, nil
}

func (s *PostgresStore) GetFarmer(ctx context.Context, id string) (*model.Farmer, error) {
	f, err := scanFarmer(s.pool.QueryRow(ctx,
		`SELECT `+farmerColumns+` FROM farmers WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError(err, "get farmer "+id)
	}
	return f, nil
}

func (s *PostgresStore) GetFarmerByPhone(ctx context.Context, phone string) (*model.Farmer, error) {
	f, err := scanFarmer(s.pool.QueryRow(ctx,
		`SELECT `+farmerColumns+` FROM farmers WHERE phone_number = $1`, phone))
	if err != nil {
		return nil, mapPgError(err, "get farmer by phone "+phone)
	}
	return f, nil
}

func (s *PostgresStore) UpdateFarmerLanguage(ctx context.Context, id, language string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE farmers SET language = $2 WHERE id = $1`, id, language)
	if err != nil {
		return mapPgError(err, "update farmer language")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("farmer %s: %w", id, ErrNotFound)
	}
	return nil
}

const walletColumns = `id, farmer_id, balance::TEXT, mobile_money_ref, currency`

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	var balance string
	if err := row.Scan(&w.ID, &w.FarmerID, &balance, &w.MobileMoneyRef, &w.Currency); err != nil {
		return nil, err
	}
	w.Balance, _ = decimal.NewFromString(balance)
	return &w, nil
}

func (s *PostgresStore) GetWalletByFarmer(ctx context.Context, farmerID string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE farmer_id = $1`, farmerID))
	if err != nil {
		return nil, mapPgError(err, "get wallet for farmer "+farmerID)
	}
	return w, nil
}

// --- Crops ---

func (s *PostgresStore) ListCrops(ctx context.Context) ([]model.Crop, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, current_price::TEXT, last_updated FROM crops ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var crops []model.Crop
	for rows.Next() {
		var c model.Crop
		var price string
		if err := rows.Scan(&c.Name, &price, &c.LastUpdated); err != nil {
			return nil, err
		}
		c.CurrentPrice, _ = decimal.NewFromString(price)
		crops = append(crops, c)
	}
	return crops, rows.Err()
}

func (s *PostgresStore) GetCrop(ctx context.Context, name string) (*model.Crop, error) {
	var c model.Crop
	var price string
	err := s.pool.QueryRow(ctx,
		`SELECT name, current_price::TEXT, last_updated FROM crops WHERE name = $1`, name).
		Scan(&c.Name, &price, &c.LastUpdated)
	if err != nil {
		return nil, mapPgError(err, "get crop "+name)
	}
	c.CurrentPrice, _ = decimal.NewFromString(price)
	return &c, nil
}

func (s *PostgresStore) UpdateCropPrice(ctx context.Context, name string, price decimal.Decimal, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO crops (name, current_price, last_updated)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (name) DO UPDATE
		 SET current_price = EXCLUDED.current_price, last_updated = EXCLUDED.last_updated`,
		name, price.String(), at,
	)
	return mapPgError(err, "update crop price")
}

// --- Contracts ---

const contractColumns = `id, farmer_id, crop, quantity::TEXT, strike_price::TEXT, premium::TEXT,
	created_at, expires_at, asset_code, status`

func scanContract(row pgx.Row) (*model.FuturesContract, error) {
	var c model.FuturesContract
	var qty, strike, premium, status string
	if err := row.Scan(&c.ID, &c.FarmerID, &c.Crop, &qty, &strike, &premium,
		&c.CreatedAt, &c.ExpiresAt, &c.AssetCode, &status); err != nil {
		return nil, err
	}
	c.Quantity, _ = decimal.NewFromString(qty)
	c.StrikePrice, _ = decimal.NewFromString(strike)
	c.Premium, _ = decimal.NewFromString(premium)
	c.Status = model.ContractStatus(status)
	return &c, nil
}

func (s *PostgresStore) GetContract(ctx context.Context, id int64) (*model.FuturesContract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM futures_contracts WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError(err, fmt.Sprintf("get contract %d", id))
	}
	return c, nil
}

func (s *PostgresStore) ListContractsByFarmer(ctx context.Context, farmerID string, status model.ContractStatus) ([]model.FuturesContract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractColumns+` FROM futures_contracts
		 WHERE farmer_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY id DESC`, farmerID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []model.FuturesContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	return contracts, rows.Err()
}

func (s *PostgresStore) ExpireContracts(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE futures_contracts SET status = 'EXPIRED'
		 WHERE status = 'ACTIVE' AND expires_at < $1`, now)
	if err != nil {
		return 0, mapPgError(err, "expire contracts")
	}
	return int(tag.RowsAffected()), nil
}

// --- Transactions ---

const transactionColumns = `id, wallet_id, type, amount::TEXT, status, COALESCE(external_ref, ''),
	created_at, updated_at`

func insertTransaction(ctx context.Context, q querier, t *model.Transaction) error {
	_, err := q.Exec(ctx,
		`INSERT INTO transactions (id, wallet_id, type, amount, status, external_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, NULLIF($6, ''), $7, $8)`,
		t.ID, t.WalletID, string(t.Type), t.Amount.String(), string(t.Status),
		t.ExternalRef, t.CreatedAt, t.UpdatedAt,
	)
	return mapPgError(err, "insert transaction")
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var typ, amount, status string
	if err := row.Scan(&t.ID, &t.WalletID, &typ, &amount, &status, &t.ExternalRef,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(typ)
	t.Amount, _ = decimal.NewFromString(amount)
	t.Status = model.TransactionStatus(status)
	return &t, nil
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	return insertTransaction(ctx, s.pool, t)
}

func (s *PostgresStore) ListTransactionsByWallet(ctx context.Context, walletID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE wallet_id = $1 ORDER BY created_at, id`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

// --- Reconciliation ---

func (s *PostgresStore) InsertReconciliationFlag(ctx context.Context, f *model.ReconciliationFlag) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconciliation_flags (id, kind, farmer_id, reference, amount, detail, created_at, resolved)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		f.ID, string(f.Kind), f.FarmerID, f.Reference, f.Amount.String(), f.Detail, f.CreatedAt, f.Resolved,
	)
	return mapPgError(err, "insert reconciliation flag")
}

func (s *PostgresStore) ListReconciliationFlags(ctx context.Context) ([]model.ReconciliationFlag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, farmer_id, reference, amount::TEXT, detail, created_at, resolved
		 FROM reconciliation_flags ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []model.ReconciliationFlag
	for rows.Next() {
		var f model.ReconciliationFlag
		var kind, amount string
		if err := rows.Scan(&f.ID, &kind, &f.FarmerID, &f.Reference, &amount,
			&f.Detail, &f.CreatedAt, &f.Resolved); err != nil {
			return nil, err
		}
		f.Kind = model.ReconciliationKind(kind)
		f.Amount, _ = decimal.NewFromString(amount)
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// --- Transactions scope ---

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockWallet(ctx context.Context, farmerID string) (*model.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE farmer_id = $1 FOR UPDATE`, farmerID))
	if err != nil {
		return nil, mapPgError(err, "lock wallet for farmer "+farmerID)
	}
	return w, nil
}

func (t *pgTx) LockWalletByID(ctx context.Context, walletID string) (*model.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, walletID))
	if err != nil {
		return nil, mapPgError(err, "lock wallet "+walletID)
	}
	return w, nil
}

func (t *pgTx) UpdateWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("wallet %s balance %s below zero: %w", walletID, balance, ErrConflict)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallets SET balance = $2::NUMERIC WHERE id = $1`, walletID, balance.String())
	if err != nil {
		return mapPgError(err, "update wallet balance")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertContract(ctx context.Context, c *model.FuturesContract) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO futures_contracts (farmer_id, crop, quantity, strike_price, premium,
		                                created_at, expires_at, asset_code, status)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)
		 RETURNING id`,
		c.FarmerID, c.Crop, c.Quantity.String(), c.StrikePrice.String(), c.Premium.String(),
		c.CreatedAt, c.ExpiresAt, c.AssetCode, string(c.Status),
	).Scan(&c.ID)
	return mapPgError(err, "insert contract")
}

func (t *pgTx) GetContractForUpdate(ctx context.Context, id int64) (*model.FuturesContract, error) {
	c, err := scanContract(t.tx.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM futures_contracts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapPgError(err, fmt.Sprintf("lock contract %d", id))
	}
	return c, nil
}

func (t *pgTx) UpdateContractStatus(ctx context.Context, id int64, from, to model.ContractStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE futures_contracts SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return mapPgError(err, "update contract status")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract %d not %s: %w", id, from, ErrConflict)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	return insertTransaction(ctx, t.tx, tr)
}

func (t *pgTx) GetTransactionByRefForUpdate(ctx context.Context, ref string) (*model.Transaction, error) {
	tr, err := scanTransaction(t.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE external_ref = $1 FOR UPDATE`, ref))
	if err != nil {
		return nil, mapPgError(err, "lock transaction "+ref)
	}
	return tr, nil
}

func (t *pgTx) UpdateTransactionStatus(ctx context.Context, id string, status model.TransactionStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE transactions SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
	if err != nil {
		return mapPgError(err, "update transaction status")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}
