// Package model defines the core domain types shared across the futures engine.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Farmer is identified by phone number. Only the language preference may
// change after creation.
type Farmer struct {
	ID              string          `json:"id" db:"id"`
	PhoneNumber     string          `json:"phone_number" db:"phone_number"`
	Name            string          `json:"name" db:"name"`
	Location        string          `json:"location" db:"location"`
	FarmSize        decimal.Decimal `json:"farm_size" db:"farm_size"` // acres
	PrimaryCrop     string          `json:"primary_crop" db:"primary_crop"`
	Language        string          `json:"language" db:"language"`
	LedgerPublicKey string          `json:"ledger_public_key" db:"ledger_public_key"`
	LedgerSecretKey string          `json:"-" db:"ledger_secret_key"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

type Crop struct {
	Name         string          `json:"name" db:"name"`
	CurrentPrice decimal.Decimal `json:"current_price" db:"current_price"`
	LastUpdated  time.Time       `json:"last_updated" db:"last_updated"`
}

// Supported crops. Order is the display order in menus and listings.
var SupportedCrops = []string{"corn", "wheat", "rice", "soybeans", "coffee"}

// NormalizeCrop trims and lower-cases a crop name.
func NormalizeCrop(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func IsSupportedCrop(name string) bool {
	n := NormalizeCrop(name)
	for _, c := range SupportedCrops {
		if c == n {
			return true
		}
	}
	return false
}

type Wallet struct {
	ID             string          `json:"id" db:"id"`
	FarmerID       string          `json:"farmer_id" db:"farmer_id"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	MobileMoneyRef string          `json:"mobile_money_ref" db:"mobile_money_ref"`
	Currency       string          `json:"currency" db:"currency"`
}

type ContractStatus string

const (
	ContractActive    ContractStatus = "ACTIVE"
	ContractExercised ContractStatus = "EXERCISED"
	ContractExpired   ContractStatus = "EXPIRED"
)

// CanTransition reports whether a contract may move from s to next.
// ACTIVE is the only non-terminal status.
func (s ContractStatus) CanTransition(next ContractStatus) bool {
	return s == ContractActive && (next == ContractExercised || next == ContractExpired)
}

func (s ContractStatus) Terminal() bool {
	return s == ContractExercised || s == ContractExpired
}

// FuturesContract is a put-style price guarantee on a quantity of one crop.
// Strike, quantity and premium never change after creation.
type FuturesContract struct {
	ID          int64           `json:"id" db:"id"`
	FarmerID    string          `json:"farmer_id" db:"farmer_id"`
	Crop        string          `json:"crop" db:"crop"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"` // kg
	StrikePrice decimal.Decimal `json:"strike_price" db:"strike_price"`
	Premium     decimal.Decimal `json:"premium" db:"premium"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at" db:"expires_at"`
	AssetCode   string          `json:"asset_code" db:"asset_code"`
	Status      ContractStatus  `json:"status" db:"status"`
}

type TransactionType string

const (
	TxDeposit        TransactionType = "deposit"
	TxWithdrawal     TransactionType = "withdrawal"
	TxPremiumPayment TransactionType = "premium_payment"
	TxPayout         TransactionType = "payout"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// CanCorrect reports whether an asynchronous processor confirmation may move
// a transaction from s to next.
func (s TransactionStatus) CanCorrect(next TransactionStatus) bool {
	if next != TxCompleted && next != TxFailed {
		return false
	}
	return s == TxPending || (s == TxCompleted && next == TxFailed)
}

// Transaction is an append-only movement of money on a wallet.
type Transaction struct {
	ID          string            `json:"id" db:"id"`
	WalletID    string            `json:"wallet_id" db:"wallet_id"`
	Type        TransactionType   `json:"type" db:"type"`
	Amount      decimal.Decimal   `json:"amount" db:"amount"`
	Status      TransactionStatus `json:"status" db:"status"`
	ExternalRef string            `json:"external_ref" db:"external_ref"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

type ReconciliationKind string

const (
	ReconcileBuy             ReconciliationKind = "buy"
	ReconcileDeposit         ReconciliationKind = "deposit"
	ReconcileWithdrawal      ReconciliationKind = "withdrawal"
	ReconcileDepositReversed ReconciliationKind = "deposit_reversed"
)

// ReconciliationFlag records an external effect with no matching local record.
type ReconciliationFlag struct {
	ID        string             `json:"id" db:"id"`
	Kind      ReconciliationKind `json:"kind" db:"kind"`
	FarmerID  string             `json:"farmer_id" db:"farmer_id"`
	Reference string             `json:"reference" db:"reference"`
	Amount    decimal.Decimal    `json:"amount" db:"amount"`
	Detail    string             `json:"detail" db:"detail"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
	Resolved  bool               `json:"resolved" db:"resolved"`
}
