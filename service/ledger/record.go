// Package ledger turns confirmed transactions into immutable records and
// appends them to the transaction history.
package ledger

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// RecordTypeContract marks records produced by contract writes.
const RecordTypeContract = "contract"

// Precision is the number of fractional ether digits kept in records.
const Precision = 8

// Record is one entry of the transaction history. Monetary fields are
// ether amounts rendered by FormatEther.
type Record struct {
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Hash        string    `json:"hash"`
	Value       string    `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Nonce       uint64    `json:"nonce"`
	GasFee      string    `json:"gas_fee"`
	Total       string    `json:"total"`
	BlockNumber uint64    `json:"block_number"`
}

// Ether converts wei to ether rounded half-up to Precision digits.
func Ether(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18).Round(Precision)
}

// FormatEther renders wei as an ether amount with at most Precision
// fractional digits and no trailing zeros, e.g. 1500000000000000000 -> "1.5".
func FormatEther(wei *big.Int) string {
	return Ether(wei).String()
}
