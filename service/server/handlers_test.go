package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/contractgate/service/accessory"
	"github.com/brojonat/contractgate/service/accounts"
	"github.com/brojonat/contractgate/service/confirm"
	"github.com/brojonat/contractgate/service/contracts"
	"github.com/brojonat/contractgate/service/evm"
	"github.com/brojonat/contractgate/service/ledger"
	"github.com/brojonat/contractgate/service/mediator"
	"github.com/brojonat/contractgate/service/reader"
	"github.com/brojonat/contractgate/service/temporal"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	belt = contracts.Deployment{
		Name:    "Belt",
		Address: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
		ABI:     evm.ERC721ABI,
	}
	snowman = contracts.Deployment{
		Name:    "Snowman",
		Address: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		ABI:     evm.ComposableABI,
	}
)

func tokenURI(name string) string {
	image := "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte("<svg/>"))
	doc := fmt.Sprintf(`{"name":%q,"description":"test","image":%q}`, name, image)
	return "data:application/json;base64," + base64.StdEncoding.EncodeToString([]byte(doc))
}

// chain answers reads like a node holding two belts and one snowman.
func chain(spec evm.CallSpec) ([]any, error) {
	switch spec.FunctionName {
	case "balanceOf":
		return []any{big.NewInt(2)}, nil
	case "tokenOfOwnerByIndex":
		return []any{big.NewInt(10)}, nil
	case "tokenURI":
		return []any{tokenURI(fmt.Sprintf("Token #%v", spec.Args[0]))}, nil
	case "hasAccessory":
		return []any{true}, nil
	}
	return nil, evm.NewCallError(spec.FunctionName, errors.New("execution reverted"))
}

type testServer struct {
	handler  http.Handler
	provider *evm.MockProvider
	registry *confirm.Registry
	ledger   *ledger.MemoryLedger
	tracker  *WriteTracker
	from     common.Address
}

func newTestServer(t *testing.T, durable DurableWrites) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := accounts.NewStore(logger)
	from, err := store.AddHexKey(devKey)
	require.NoError(t, err)
	conn := accounts.NewConnected(store, from.Hex())

	provider := evm.NewMockProvider()
	provider.CallFunc = chain
	dir := contracts.NewStatic(31337, belt, snowman)
	rd := reader.New(conn, provider, nil, logger)
	registry := confirm.NewRegistry(nil, nil, logger)
	mem := ledger.NewMemoryLedger()
	tracker := NewWriteTracker()

	writes := mediator.NewSet(mediator.Deps{
		Directory:     dir,
		Accounts:      conn,
		Provider:      provider,
		Gate:          registry,
		Recorder:      ledger.NewRecorder(mem, "memory", nil, logger),
		Logger:        logger,
		OnStateChange: tracker.Observe,
	}, mediator.Config{})

	srv := New(":0", Deps{
		Directory:      dir,
		Accounts:       conn,
		Reader:         rd,
		Scanner:        accessory.NewScanner(rd, 10, nil, logger),
		Writes:         writes,
		Tracker:        tracker,
		Confirmations:  registry,
		Ledger:         mem,
		AccessoryNames: []string{"Belt"},
		Durable:        durable,
		Logger:         logger,
	})
	return &testServer{
		handler:  srv.Handler(),
		provider: provider,
		registry: registry,
		ledger:   mem,
		tracker:  tracker,
		from:     from,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (s *testServer) waitPending(t *testing.T, n int) []confirm.Pending {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.registry.List()) == n }, 2*time.Second, 5*time.Millisecond)
	return s.registry.List()
}

func (s *testServer) waitDone(t *testing.T, id string) WriteStatus {
	t.Helper()
	var ws WriteStatus
	require.Eventually(t, func() bool {
		var ok bool
		ws, ok = s.tracker.Get(id)
		return ok && ws.Done
	}, 2*time.Second, 5*time.Millisecond)
	return ws
}

func TestHandleRead(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		check      func(t *testing.T, out map[string]any)
	}{
		{
			name:       "by deployment name",
			body:       `{"contract":"Belt","function":"balanceOf","args":["0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"]}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, out map[string]any) {
				assert.Equal(t, "2", out["result"])
			},
		},
		{
			name:       "by explicit address and string abi",
			body:       fmt.Sprintf(`{"address":%q,"abi":%q,"function":"tokenURI","args":[7]}`, belt.Address, evm.ERC721ABI),
			wantStatus: http.StatusOK,
			check: func(t *testing.T, out map[string]any) {
				assert.Equal(t, tokenURI("Token #7"), out["result"])
			},
		},
		{
			name:       "unknown contract",
			body:       `{"contract":"Hat","function":"balanceOf","args":[]}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "missing function",
			body:       `{"contract":"Belt"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing address and abi",
			body:       `{"function":"balanceOf"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "reverted call",
			body:       `{"contract":"Belt","function":"ownerOf","args":[1]}`,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "malformed JSON",
			body:       `{"contract":`,
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, out map[string]any) {
				assert.Contains(t, out["error"], "invalid request body")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := s.do(t, "POST", "/api/v1/read", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.check != nil {
				tt.check(t, out)
			}
		})
	}
}

func TestHandleRead_NoConnectedAccount(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn := accounts.NewConnected(accounts.NewStore(logger), "")
	provider := evm.NewMockProvider()
	provider.CallFunc = chain
	h := handleRead(contracts.NewStatic(1, belt), reader.New(conn, provider, nil, logger), logger)

	req := httptest.NewRequest("POST", "/api/v1/read", strings.NewReader(`{"contract":"Belt","function":"tokenURI","args":[1]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Zero(t, provider.GetCallCount())
}

func TestHandleListAccessories(t *testing.T) {
	s := newTestServer(t, nil)

	rec, out := s.do(t, "GET", "/api/v1/accessories/Belt", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, s.from.Hex(), out["owner"])
	assert.Equal(t, float64(2), out["count"])
	items := out["accessories"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "Token #10", items[0].(map[string]any)["name"])

	rec, _ = s.do(t, "GET", "/api/v1/accessories/Belt?owner=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, "GET", "/api/v1/accessories/Hat", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetComposable(t *testing.T) {
	s := newTestServer(t, nil)

	rec, out := s.do(t, "GET", "/api/v1/composables/Snowman/3", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["has_accessory"])
	assert.Equal(t, "Token #3", out["token"].(map[string]any)["name"])

	rec, _ = s.do(t, "GET", "/api/v1/composables/Snowman/-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteFlow_Confirmed(t *testing.T) {
	s := newTestServer(t, nil)

	rec, out := s.do(t, "POST", "/api/v1/writes", `{"contract":"Snowman","function":"removeAllAccessories","args":["3"],"value":"0"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := out["request_id"].(string)
	require.NotEmpty(t, id)

	pending := s.waitPending(t, 1)
	assert.Equal(t, id, pending[0].Descriptor.ID)

	rec, out = s.do(t, "GET", "/api/v1/confirmations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), out["count"])

	rec, _ = s.do(t, "POST", "/api/v1/confirmations/"+id+"/confirm", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ws := s.waitDone(t, id)
	assert.Equal(t, mediator.Confirmed, ws.State)
	require.NotNil(t, ws.Result)
	assert.Equal(t, "removeAllAccessories", ws.Result.Record.Title)

	rec, out = s.do(t, "GET", "/api/v1/writes/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "confirmed", out["state"])
	assert.Equal(t, true, out["done"])

	rec, out = s.do(t, "GET", "/api/v1/transactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), out["count"])
	assert.Equal(t, 1, s.provider.GetSendCount())
}

func TestWriteFlow_Rejected(t *testing.T) {
	s := newTestServer(t, nil)

	rec, out := s.do(t, "POST", "/api/v1/writes", `{"contract":"Snowman","function":"removeAllAccessories","args":[3]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := out["request_id"].(string)
	s.waitPending(t, 1)

	rec, _ = s.do(t, "POST", "/api/v1/confirmations/"+id+"/reject", `{"reason":"not now"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ws := s.waitDone(t, id)
	assert.Equal(t, mediator.Rejected, ws.State)
	assert.Contains(t, ws.Error, "not now")
	assert.Zero(t, s.provider.GetSendCount())
	assert.Zero(t, s.ledger.Len())

	// A decided confirmation is gone.
	rec, _ = s.do(t, "POST", "/api/v1/confirmations/"+id+"/confirm", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteFlow_BusyFunction(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"contract":"Snowman","function":"removeAllAccessories","args":[3]}`

	rec, out := s.do(t, "POST", "/api/v1/writes", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	s.waitPending(t, 1)

	rec, _ = s.do(t, "POST", "/api/v1/writes", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, list := s.do(t, "GET", "/api/v1/writes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "awaiting_confirmation", list["active"].(map[string]any)["Snowman.removeAllAccessories"])

	_, _ = s.do(t, "POST", "/api/v1/confirmations/"+out["request_id"].(string)+"/reject", "")
	s.waitDone(t, out["request_id"].(string))
}

func TestHandleStartWrite_ConcurrentStartsOneWins(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"contract":"Snowman","function":"removeAllAccessories","args":[3]}`

	const n = 8
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest("POST", "/api/v1/writes", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	accepted, conflicts := 0, 0
	for _, code := range codes {
		switch code {
		case http.StatusAccepted:
			accepted++
		case http.StatusConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, accepted, "codes: %v", codes)
	assert.Equal(t, n-1, conflicts, "codes: %v", codes)

	pending := s.waitPending(t, 1)
	id := pending[0].Descriptor.ID
	_, _ = s.do(t, "POST", "/api/v1/confirmations/"+id+"/reject", "")
	s.waitDone(t, id)

	rec, list := s.do(t, "GET", "/api/v1/writes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, list["writes"], 1)
}

func TestHandleStartWrite_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "unknown contract", body: `{"contract":"Hat","function":"mint"}`, wantStatus: http.StatusNotFound},
		{name: "bad args", body: `{"contract":"Snowman","function":"removeAllAccessories","args":["x"]}`, wantStatus: http.StatusBadRequest},
		{name: "missing function", body: `{"contract":"Snowman"}`, wantStatus: http.StatusBadRequest},
		{name: "bad value", body: `{"contract":"Snowman","function":"removeAllAccessories","args":[1],"value":"-5"}`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := s.do(t, "POST", "/api/v1/writes", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, s.registry.List())
}

func TestHandleAttachAccessory(t *testing.T) {
	s := newTestServer(t, nil)

	rec, out := s.do(t, "POST", "/api/v1/accessories/Belt/attach", `{"composable":"Snowman","accessory_id":"10","composable_id":"3"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := out["request_id"].(string)

	pending := s.waitPending(t, 1)
	d := pending[0].Descriptor
	assert.Equal(t, "safeTransferFrom", d.FunctionName)
	assert.Equal(t, belt.Address, d.ContractAddress)
	require.Len(t, d.Args, 4)
	assert.Equal(t, common.HexToAddress(snowman.Address), d.Args[1])

	_, _ = s.do(t, "POST", "/api/v1/confirmations/"+id+"/confirm", "")
	ws := s.waitDone(t, id)
	assert.Equal(t, mediator.Confirmed, ws.State)

	rec, _ = s.do(t, "POST", "/api/v1/accessories/Belt/attach", `{"composable":"Hat","accessory_id":"1","composable_id":"3"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListTransactions_Pagination(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		query      string
		wantStatus int
	}{
		{query: "", wantStatus: http.StatusOK},
		{query: "?limit=10&offset=5", wantStatus: http.StatusOK},
		{query: "?limit=0", wantStatus: http.StatusBadRequest},
		{query: "?limit=5000", wantStatus: http.StatusBadRequest},
		{query: "?offset=-1", wantStatus: http.StatusBadRequest},
		{query: "?limit=abc", wantStatus: http.StatusBadRequest},
		{query: "?from=nope", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec, _ := s.do(t, "GET", "/api/v1/transactions"+tt.query, "")
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

// fakeDurable records calls made by the durable write handlers.
type fakeDurable struct {
	mu      sync.Mutex
	inputs  []temporal.WriteInput
	signals []string
	err     error
}

func (f *fakeDurable) StartWrite(ctx context.Context, input temporal.WriteInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	return "dw-1", f.err
}

func (f *fakeDurable) Confirm(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, "confirm:"+id)
	return f.err
}

func (f *fakeDurable) Reject(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, "reject:"+id+":"+reason)
	return f.err
}

func (f *fakeDurable) State(ctx context.Context, id string) (*temporal.WriteState, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &temporal.WriteState{Stage: mediator.AwaitingConfirmation}, nil
}

func TestDurableWriteHandlers(t *testing.T) {
	durable := &fakeDurable{}
	s := newTestServer(t, durable)

	rec, out := s.do(t, "POST", "/api/v1/durable-writes", `{"contract":"Snowman","function":"removeAllAccessories","args":["3"],"confirmation_timeout":"10m"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "dw-1", out["request_id"])
	require.Len(t, durable.inputs, 1)
	assert.Equal(t, 10*time.Minute, durable.inputs[0].ConfirmationTimeout)

	rec, out = s.do(t, "GET", "/api/v1/durable-writes/dw-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "awaiting_confirmation", out["stage"])

	rec, _ = s.do(t, "POST", "/api/v1/durable-writes/dw-1/reject", `{"reason":"gas"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec, _ = s.do(t, "POST", "/api/v1/durable-writes/dw-1/confirm", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"reject:dw-1:gas", "confirm:dw-1"}, durable.signals)

	rec, _ = s.do(t, "POST", "/api/v1/durable-writes", `{"contract":"Snowman","function":"x","confirmation_timeout":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	durable.err = fmt.Errorf("failed to query: %w", temporal.ErrWriteNotFound)
	rec, _ = s.do(t, "GET", "/api/v1/durable-writes/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDurableWriteRoutes_DisabledWithoutClient(t *testing.T) {
	s := newTestServer(t, nil)
	rec, _ := s.do(t, "GET", "/api/v1/durable-writes/dw-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", evm.ErrInvalidSpec), http.StatusBadRequest},
		{fmt.Errorf("x: %w", evm.ErrContractNotDeployed), http.StatusNotFound},
		{confirm.ErrNotPending, http.StatusNotFound},
		{fmt.Errorf("x: %w", evm.ErrCredentialNotFound), http.StatusPreconditionFailed},
		{evm.ErrAlreadyInProgress, http.StatusConflict},
		{&evm.RejectedError{Reason: "no"}, http.StatusConflict},
		{evm.ErrConfirmationTimeout, http.StatusGatewayTimeout},
		{evm.NewCallError("balanceOf", errors.New("boom")), http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestJSONValue(t *testing.T) {
	addr := common.HexToAddress(belt.Address)
	var fixed [4]byte
	copy(fixed[:], []byte{0xde, 0xad, 0xbe, 0xef})

	assert.Equal(t, "12345678901234567890", jsonValue(new(big.Int).SetUint64(12345678901234567890)))
	assert.Equal(t, addr.Hex(), jsonValue(addr))
	assert.Equal(t, "0xdeadbeef", jsonValue(fixed))
	assert.Equal(t, "0x01", jsonValue([]byte{1}))
	assert.Equal(t, []any{"1", "2"}, jsonValue([]*big.Int{big.NewInt(1), big.NewInt(2)}))
	assert.Equal(t, []any{"7", true}, jsonValue([]any{big.NewInt(7), true}))
	assert.Equal(t, uint64(8), jsonValue(uint8(8)))
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest("OPTIONS", "/api/v1/writes", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestWriteTracker_EvictsFinished(t *testing.T) {
	tr := NewWriteTracker()
	tr.retain = 2

	tr.Start(mediator.CallDescriptor{ID: "a"})
	tr.Finish("a", nil, nil)
	tr.Start(mediator.CallDescriptor{ID: "b"})
	tr.Start(mediator.CallDescriptor{ID: "c"})

	_, ok := tr.Get("a")
	assert.False(t, ok)
	_, ok = tr.Get("b")
	assert.True(t, ok)

	tr.Observe("b", mediator.Signing, nil)
	ws, _ := tr.Get("b")
	assert.Equal(t, mediator.Signing, ws.State)

	tr.Finish("c", nil, &evm.RejectedError{})
	ws, _ = tr.Get("c")
	assert.Equal(t, mediator.Rejected, ws.State)
	assert.True(t, ws.Done)
}
