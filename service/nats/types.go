package nats

import (
	"strings"
	"time"
)

// TransactionEvent is a recorded contract transaction published to NATS.
// It is published to the subject "txns.{from_address}" in JetStream, with
// the address lowercased.
type TransactionEvent struct {
	Hash  string `json:"hash"`
	Type  string `json:"type"`
	Title string `json:"title"`

	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Nonce       uint64 `json:"nonce"`

	// Ether amounts at 8 fractional digits
	Value  string `json:"value"`
	GasFee string `json:"gas_fee"`
	Total  string `json:"total"`

	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the JetStream subject for the event.
func (e *TransactionEvent) Subject() string {
	return TransactionSubject(e.FromAddress)
}

// TransactionSubject is the subject for transactions sent from address.
func TransactionSubject(address string) string {
	return "txns." + strings.ToLower(address)
}

// Confirmation lifecycle states.
const (
	ConfirmationPending   = "pending"
	ConfirmationConfirmed = "confirmed"
	ConfirmationRejected  = "rejected"
	ConfirmationDismissed = "dismissed"
)

// ConfirmationEvent announces a change in a pending write confirmation so
// approver surfaces can react without polling.
type ConfirmationEvent struct {
	RequestID       string    `json:"request_id"`
	State           string    `json:"state"`
	ContractName    string    `json:"contract_name"`
	ContractAddress string    `json:"contract_address"`
	FunctionName    string    `json:"function_name"`
	Args            []any     `json:"args,omitempty"`
	Value           string    `json:"value"`
	GasLimit        uint64    `json:"gas_limit"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Subject returns the JetStream subject for the event.
func (e *ConfirmationEvent) Subject() string {
	return "confirmations." + e.State
}
