package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/read", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Belt", body["contract"])
		assert.Equal(t, "balanceOf", body["function"])
		assert.NotContains(t, body, "abi")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"function": "balanceOf", "result": "2"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	res, err := client.Read(context.Background(), ReadRequest{
		Contract: "Belt",
		Function: "balanceOf",
		Args:     []any{"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"},
	})
	require.NoError(t, err)
	assert.Equal(t, "balanceOf", res.Function)
	assert.JSONEq(t, `"2"`, string(res.Result))
}

func TestRead_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": `contract "Hat" is not deployed`})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Read(context.Background(), ReadRequest{Contract: "Hat", Function: "balanceOf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not deployed")
	assert.True(t, IsStatus(err, http.StatusNotFound))
}

func TestParseErrorResponse_PlainBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	err := client.Confirm(context.Background(), "abc")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Contains(t, err.Error(), "status 502: bad gateway")
}

func TestAccessories(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/accessories/Belt", r.URL.Path)
		assert.Equal(t, "0xabc", r.URL.Query().Get("owner"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"contract":"Belt","owner":"0xabc","count":1,"accessories":[{"id":12345678901234567890,"name":"Belt #1","image":"<svg/>"}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	tokens, err := client.Accessories(context.Background(), "Belt", "0xabc")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "Belt #1", tokens[0].Name)
	assert.Equal(t, "12345678901234567890", tokens[0].ID.String())
}

func TestComposable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/composables/Snowman/3", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"contract":"Snowman","token":{"id":3,"name":"Snowman #3","image":""},"has_accessory":true}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	c, err := client.Composable(context.Background(), "Snowman", "3")
	require.NoError(t, err)
	require.NotNil(t, c.HasAccessory)
	assert.True(t, *c.HasAccessory)
	assert.Equal(t, "Snowman #3", c.Token.Name)
}

func TestStartWrite(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/writes", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Snowman", body["contract"])
		assert.Equal(t, "removeAllAccessories", body["function"])
		assert.NotContains(t, body, "gas_limit")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"request_id":"w-1","descriptor":{"id":"w-1","contract_name":"Snowman","function_name":"removeAllAccessories","args":["3"],"value":0,"gas_limit":1000000,"confirmations":1}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	d, err := client.StartWrite(context.Background(), WriteRequest{
		Contract: "Snowman",
		Function: "removeAllAccessories",
		Args:     []any{"3"},
	})
	require.NoError(t, err)
	assert.Equal(t, "w-1", d.ID)
	assert.Equal(t, uint64(1000000), d.GasLimit)
	assert.Equal(t, int64(0), d.Value.Int64())
}

func TestStartWrite_Busy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "write already in progress"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.StartWrite(context.Background(), WriteRequest{Contract: "Snowman", Function: "removeAllAccessories"})
	assert.True(t, IsStatus(err, http.StatusConflict))
}

func TestAttachAndRemoveAccessories(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/api/v1/accessories/Belt/attach" {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]string{"composable": "Snowman", "accessory_id": "10", "composable_id": "3"}, body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"request_id":"w-2","descriptor":{"id":"w-2"}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.AttachAccessory(context.Background(), "Belt", "Snowman", "10", "3")
	require.NoError(t, err)
	_, err = client.RemoveAccessories(context.Background(), "Snowman", "3")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/api/v1/accessories/Belt/attach",
		"/api/v1/composables/Snowman/3/remove-accessories",
	}, paths)
}

func TestAwaitWrite_PollsUntilDone(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/writes/w-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if polls.Add(1) < 3 {
			fmt.Fprint(w, `{"request_id":"w-1","state":"awaiting_confirmation","done":false}`)
			return
		}
		fmt.Fprint(w, `{"request_id":"w-1","state":"confirmed","done":true,"result":{"record":{"hash":"0x01","total":"0.00002100"}}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w, err := client.AwaitWrite(ctx, "w-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "confirmed", w.State)
	require.NotNil(t, w.Result)
	assert.Equal(t, "0.00002100", w.Result.Record.Total)
	assert.Equal(t, int32(3), polls.Load())
}

func TestAwaitWrite_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"request_id":"w-1","state":"awaiting_confirmation"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.AwaitWrite(ctx, "w-1", 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfirmations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/confirmations":
			fmt.Fprint(w, `{"count":1,"confirmations":[{"descriptor":{"id":"w-1","function_name":"removeAllAccessories"},"presented_at":"2026-01-02T03:04:05Z"}]}`)
		case "/api/v1/confirmations/w-1/confirm":
			assert.Equal(t, "POST", r.Method)
			fmt.Fprint(w, `{"request_id":"w-1","decision":"confirmed"}`)
		case "/api/v1/confirmations/w-1/reject":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "too expensive", body["reason"])
			fmt.Fprint(w, `{"request_id":"w-1","decision":"rejected"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx := context.Background()

	pending, err := client.ListConfirmations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "removeAllAccessories", pending[0].Descriptor.FunctionName)

	require.NoError(t, client.Confirm(ctx, "w-1"))
	require.NoError(t, client.Reject(ctx, "w-1", "too expensive"))
}

func TestListTransactions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transactions", r.URL.Path)
		assert.Equal(t, "0xabc", r.URL.Query().Get("from"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Empty(t, r.URL.Query().Get("offset"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"count":1,"limit":10,"offset":0,"transactions":[{"type":"contract","title":"removeAllAccessories","hash":"0x01","value":"0.00000000","gas_fee":"0.00002100","total":"0.00002100"}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	txs, err := client.ListTransactions(context.Background(), "0xabc", 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "0.00002100", txs[0].GasFee)
}

func TestDurableWrites(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/durable-writes":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "5m0s", body["confirmation_timeout"])
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"request_id":"dw-1"}`)
		case "/api/v1/durable-writes/dw-1":
			fmt.Fprint(w, `{"stage":"rejected","decision":{"confirmed":false,"reason":"no"},"error":"Transaction Rejected! (no)"}`)
		case "/api/v1/durable-writes/dw-1/confirm", "/api/v1/durable-writes/dw-1/reject":
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"request_id":"dw-1"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx := context.Background()

	id, err := client.StartDurableWrite(ctx, DurableWriteRequest{
		WriteRequest:        WriteRequest{Contract: "Snowman", Function: "removeAllAccessories"},
		ConfirmationTimeout: 5 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "dw-1", id)

	state, err := client.GetDurableWrite(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "rejected", state.Stage)
	require.NotNil(t, state.Decision)
	assert.Equal(t, "no", state.Decision.Reason)

	require.NoError(t, client.ConfirmDurable(ctx, id))
	require.NoError(t, client.RejectDurable(ctx, id, ""))
}

func TestAwaitTransaction_Matching(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/transactions/0xabc", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		fmt.Fprint(w, "event: connected\ndata: {\"stream\":\"0xabc\"}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: transaction\ndata: {\"hash\":\"0x01\",\"title\":\"mint\"}\n\n")
		fmt.Fprint(w, "event: transaction\ndata: {\"hash\":\"0x02\",\"title\":\"removeAllAccessories\"}\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev, err := client.AwaitTransaction(ctx, "0xabc", func(e *Event) bool {
		return e.Title == "removeAllAccessories"
	})
	require.NoError(t, err)
	assert.Equal(t, "0x02", ev.Hash)
}

func TestAwaitTransaction_StreamClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: transaction\ndata: {\"hash\":\"0x01\"}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.AwaitTransaction(context.Background(), "", func(e *Event) bool { return false })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream closed")
}
