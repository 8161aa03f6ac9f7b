package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"reflect"
	"strings"

	"github.com/brojonat/contractgate/service/accessory"
	"github.com/brojonat/contractgate/service/accounts"
	"github.com/brojonat/contractgate/service/confirm"
	"github.com/brojonat/contractgate/service/contracts"
	"github.com/brojonat/contractgate/service/evm"
	"github.com/brojonat/contractgate/service/ledger"
	"github.com/brojonat/contractgate/service/reader"
	"github.com/brojonat/contractgate/service/temporal"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - ABIs can be large
	defaultListLimit   = 100
	maxListLimit       = 1000
)

// readRequest names the contract either by deployment name or by explicit
// address and ABI.
type readRequest struct {
	Contract string          `json:"contract"`
	Address  string          `json:"address"`
	ABI      json.RawMessage `json:"abi"`
	Function string          `json:"function"`
	Args     []any           `json:"args"`
}

// handleRead returns a handler that performs a read-only contract call.
// POST /api/v1/read
func handleRead(dir contracts.Directory, r *reader.Reader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body readRequest
		if !decodeBody(w, req, &body, logger) {
			return
		}

		spec := evm.CallSpec{
			ContractAddress: body.Address,
			ABI:             abiText(body.ABI),
			FunctionName:    body.Function,
			Args:            body.Args,
		}
		if body.Contract != "" {
			dep, ok := dir.Lookup(body.Contract)
			if !ok {
				writeError(w, fmt.Sprintf("contract %q is not deployed", body.Contract), http.StatusNotFound)
				return
			}
			spec = dep.Spec(body.Function, body.Args...)
		}

		result, err := r.Read(req.Context(), spec)
		if err != nil {
			writeFailure(w, req, logger, "read failed", err)
			return
		}

		writeJSON(w, map[string]interface{}{
			"function": spec.FunctionName,
			"result":   jsonValue(result),
		}, http.StatusOK)
	})
}

// handleListAccessories returns a handler that enumerates the accessory
// tokens an owner holds.
// GET /api/v1/accessories/{contract}?owner=ADDRESS
// The owner defaults to the connected account.
func handleListAccessories(dir contracts.Directory, conn *accounts.Connected, scanner *accessory.Scanner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("contract")
		dep, ok := dir.Lookup(name)
		if !ok {
			writeError(w, fmt.Sprintf("contract %q is not deployed", name), http.StatusNotFound)
			return
		}

		owner := r.URL.Query().Get("owner")
		if owner == "" {
			addr, err := conn.Address()
			if err != nil {
				writeFailure(w, r, logger, "no owner", err)
				return
			}
			owner = addr.Hex()
		}
		if !common.IsHexAddress(owner) {
			writeError(w, "owner must be a hex address", http.StatusBadRequest)
			return
		}

		items, err := scanner.EnumerateOwned(r.Context(), owner, dep)
		if err != nil {
			writeFailure(w, r, logger, "accessory scan failed", err)
			return
		}

		logger.Debug("accessories listed", "contract", name, "owner", owner, "count", len(items))
		writeJSON(w, map[string]interface{}{
			"contract":    name,
			"owner":       owner,
			"accessories": items,
			"count":       len(items),
		}, http.StatusOK)
	})
}

// handleGetComposable returns a handler that reads a composable token and
// whether it currently holds any of the configured accessories.
// GET /api/v1/composables/{contract}/{token_id}
func handleGetComposable(dir contracts.Directory, scanner *accessory.Scanner, accessoryNames []string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("contract")
		dep, ok := dir.Lookup(name)
		if !ok {
			writeError(w, fmt.Sprintf("contract %q is not deployed", name), http.StatusNotFound)
			return
		}
		tokenID, err := parseTokenID(r.PathValue("token_id"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		md, err := scanner.TokenMetadata(r.Context(), dep, tokenID)
		if err != nil {
			writeFailure(w, r, logger, "token metadata failed", err)
			return
		}

		resp := map[string]interface{}{
			"contract": name,
			"token":    md,
		}

		var addrs []string
		for _, n := range accessoryNames {
			acc, ok := dir.Lookup(n)
			if !ok {
				logger.Warn("configured accessory is not deployed", "accessory", n)
				continue
			}
			addrs = append(addrs, acc.Address)
		}
		if len(addrs) > 0 {
			has, err := scanner.HasAnyAccessory(r.Context(), dep, tokenID, addrs...)
			if err != nil {
				writeFailure(w, r, logger, "accessory check failed", err)
				return
			}
			resp["has_accessory"] = has
		}

		writeJSON(w, resp, http.StatusOK)
	})
}

// handleListConfirmations returns a handler that lists writes waiting for
// a decision, oldest first.
// GET /api/v1/confirmations
func handleListConfirmations(reg *confirm.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pending := reg.List()
		writeJSON(w, map[string]interface{}{
			"confirmations": pending,
			"count":         len(pending),
		}, http.StatusOK)
	})
}

// handleConfirm returns a handler that approves a pending write.
// POST /api/v1/confirmations/{id}/confirm
func handleConfirm(reg *confirm.Registry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := reg.Confirm(r.Context(), id); err != nil {
			writeFailure(w, r, logger, "confirm failed", err)
			return
		}
		writeJSON(w, map[string]string{"request_id": id, "decision": "confirmed"}, http.StatusOK)
	})
}

// handleReject returns a handler that declines a pending write. The body
// {"reason": "..."} is optional.
// POST /api/v1/confirmations/{id}/reject
func handleReject(reg *confirm.Registry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		reason, ok := decodeReason(w, r, logger)
		if !ok {
			return
		}
		if err := reg.Reject(r.Context(), id, reason); err != nil {
			writeFailure(w, r, logger, "reject failed", err)
			return
		}
		writeJSON(w, map[string]string{"request_id": id, "decision": "rejected"}, http.StatusOK)
	})
}

// handleListTransactions returns a handler that lists recorded transactions, newest first.
// GET /api/v1/transactions?from=ADDRESS&limit=N&offset=N
func handleListTransactions(l ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		from := query.Get("from")
		if from != "" && !common.IsHexAddress(from) {
			writeError(w, "from must be a hex address", http.StatusBadRequest)
			return
		}

		limit, offset, err := parsePage(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		records, err := l.List(r.Context(), ledger.ListParams{From: from, Limit: limit, Offset: offset})
		if err != nil {
			logger.Error("failed to list transactions", "from", from, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []ledger.Record{}
		}

		logger.Debug("transactions listed", "from", from, "count", len(records))
		writeJSON(w, map[string]interface{}{
			"transactions": records,
			"count":        len(records),
			"limit":        limit,
			"offset":       offset,
		}, http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// writeFailure maps a pipeline error to its status code and writes it.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), msg, "error", err)
	} else {
		logger.DebugContext(r.Context(), msg, "error", err)
	}
	writeError(w, err.Error(), status)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, evm.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, evm.ErrContractNotDeployed),
		errors.Is(err, confirm.ErrNotPending),
		errors.Is(err, temporal.ErrWriteNotFound):
		return http.StatusNotFound
	case errors.Is(err, evm.ErrCredentialNotFound):
		return http.StatusPreconditionFailed
	case errors.Is(err, evm.ErrAlreadyInProgress), errors.Is(err, evm.ErrTransactionRejected):
		return http.StatusConflict
	case errors.Is(err, evm.ErrConfirmationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, evm.ErrCallFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decodeBody decodes a size-limited JSON body, keeping numbers exact.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		logger.Debug("failed to decode request", "error", err)
		if strings.Contains(err.Error(), "http: request body too large") {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// decodeReason reads an optional {"reason": "..."} body.
func decodeReason(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (string, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, "failed to read request body", http.StatusBadRequest)
		return "", false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", true
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		logger.Debug("failed to decode reject request", "error", err)
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return "", false
	}
	return body.Reason, true
}

// parsePage parses limit (default 100, max 1000) and offset (default 0).
func parsePage(limitStr, offsetStr string) (int, int, error) {
	limit := defaultListLimit
	if limitStr != "" {
		if _, err := fmt.Sscanf(limitStr, "%d", &limit); err != nil {
			return 0, 0, fmt.Errorf("invalid limit parameter: must be an integer")
		}
		if limit < 1 {
			return 0, 0, fmt.Errorf("limit must be at least 1")
		}
		if limit > maxListLimit {
			return 0, 0, fmt.Errorf("limit cannot exceed %d", maxListLimit)
		}
	}
	offset := 0
	if offsetStr != "" {
		if _, err := fmt.Sscanf(offsetStr, "%d", &offset); err != nil {
			return 0, 0, fmt.Errorf("invalid offset parameter: must be an integer")
		}
		if offset < 0 {
			return 0, 0, fmt.Errorf("offset cannot be negative")
		}
	}
	return limit, offset, nil
}

// parseTokenID accepts a decimal or 0x-prefixed hex token id.
func parseTokenID(s string) (*big.Int, error) {
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base, digits = 16, s[2:]
	}
	id, ok := new(big.Int).SetString(digits, base)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid token id %q", s)
	}
	return id, nil
}

// abiText accepts an ABI given either as a JSON array or as a JSON string
// holding the array.
func abiText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

// jsonValue renders decoded ABI outputs for JSON: integers as decimal
// strings, addresses and byte values as hex.
func jsonValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case *big.Int:
		if t == nil {
			return nil
		}
		return t.String()
	case common.Address:
		return t.Hex()
	case common.Hash:
		return t.Hex()
	case []byte:
		return hexutil.Encode(t)
	case string, bool:
		return t
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return hexutil.Encode(b)
		}
		fallthrough
	case reflect.Slice:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = jsonValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		return rv.Uint()
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		return rv.Int()
	}
	return v
}
