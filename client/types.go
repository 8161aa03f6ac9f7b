package client

import (
	"encoding/json"
	"math/big"
	"time"
)

// Descriptor describes a pending or executed contract write.
type Descriptor struct {
	ID              string   `json:"id"`
	ContractName    string   `json:"contract_name"`
	ContractAddress string   `json:"contract_address"`
	FunctionName    string   `json:"function_name"`
	Args            []any    `json:"args"`
	From            string   `json:"from"`
	Value           *big.Int `json:"value"`
	GasLimit        uint64   `json:"gas_limit"`
	Confirmations   uint64   `json:"confirmations"`
}

// Transaction is a recorded contract transaction. Amounts are ether
// decimals with 8 fractional digits.
type Transaction struct {
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

// WriteResult is the outcome of a confirmed write.
type WriteResult struct {
	Tx      json.RawMessage `json:"tx"`
	Receipt json.RawMessage `json:"receipt"`
	Record  *Transaction    `json:"record"`
}

// Write is the server-side progress of a write started over HTTP.
type Write struct {
	RequestID  string       `json:"request_id"`
	Descriptor Descriptor   `json:"descriptor"`
	State      string       `json:"state"`
	Done       bool         `json:"done"`
	Error      string       `json:"error,omitempty"`
	Result     *WriteResult `json:"result,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Pending is a write waiting for an approver.
type Pending struct {
	Descriptor  Descriptor `json:"descriptor"`
	PresentedAt time.Time  `json:"presented_at"`
}

// Token is decoded ERC-721 metadata.
type Token struct {
	ID          *big.Int        `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Image       string          `json:"image"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

// Composable is a composable token and, when the server knows which
// accessories to look for, whether it holds any.
type Composable struct {
	Contract     string `json:"contract"`
	Token        Token  `json:"token"`
	HasAccessory *bool  `json:"has_accessory,omitempty"`
}

// ReadRequest names a contract by deployment name, or by Address and ABI.
type ReadRequest struct {
	Contract string `json:"contract,omitempty"`
	Address  string `json:"address,omitempty"`
	ABI      string `json:"abi,omitempty"`
	Function string `json:"function"`
	Args     []any  `json:"args,omitempty"`
}

// ReadResult holds the decoded outputs of a read. Integers arrive as
// decimal strings.
type ReadResult struct {
	Function string          `json:"function"`
	Result   json.RawMessage `json:"result"`
}

// WriteRequest starts a write. Value is wei in decimal or 0x hex.
type WriteRequest struct {
	Contract      string `json:"contract"`
	Function      string `json:"function"`
	Args          []any  `json:"args,omitempty"`
	Value         string `json:"value,omitempty"`
	GasLimit      uint64 `json:"gas_limit,omitempty"`
	Confirmations uint64 `json:"confirmations,omitempty"`
}

// DurableWriteRequest starts a workflow-backed write.
type DurableWriteRequest struct {
	WriteRequest
	ConfirmationTimeout time.Duration `json:"-"`
}

// DurableWrite is the queried state of a workflow-backed write.
type DurableWrite struct {
	Stage      string       `json:"stage"`
	Descriptor *Descriptor  `json:"descriptor,omitempty"`
	Decision   *Decision    `json:"decision,omitempty"`
	Result     *WriteResult `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Decision is the approver's answer to a durable write.
type Decision struct {
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason,omitempty"`
}

// Event is a transaction announced on the server's event stream.
type Event struct {
	Hash        string    `json:"hash"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Nonce       uint64    `json:"nonce"`
	Value       string    `json:"value"`
	GasFee      string    `json:"gas_fee"`
	Total       string    `json:"total"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
}

// terminal reports whether the write has ended.
func (w *Write) terminal() bool {
	return w.Done || w.State == "confirmed" || w.State == "rejected" || w.State == "failed"
}
