package confirm

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/contractgate/service/mediator"
	natspkg "github.com/brojonat/contractgate/service/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func descriptor(id string) mediator.CallDescriptor {
	return mediator.CallDescriptor{
		ID:              id,
		ContractName:    "Snowman",
		ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		FunctionName:    "mint",
		From:            "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		Value:           big.NewInt(10_000_000_000_000_000),
		GasLimit:        1_000_000,
	}
}

type answers struct {
	confirmed atomic.Int32
	rejected  atomic.Int32
	reason    atomic.Value
}

func (a *answers) confirm() { a.confirmed.Add(1) }
func (a *answers) reject(reason string) {
	a.rejected.Add(1)
	a.reason.Store(reason)
}

func newTestRegistry(pub natspkg.Publisher) *Registry {
	return NewRegistry(pub, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistry_ConfirmOnce(t *testing.T) {
	ctx := context.Background()
	pub := natspkg.NewMockPublisher()
	r := newTestRegistry(pub)

	var a answers
	r.Present(ctx, descriptor("req-1"), a.confirm, a.reject)

	pending := r.List()
	require.Len(t, pending, 1)
	assert.Equal(t, "req-1", pending[0].Descriptor.ID)

	require.NoError(t, r.Confirm(ctx, "req-1"))
	assert.ErrorIs(t, r.Confirm(ctx, "req-1"), ErrNotPending)
	assert.ErrorIs(t, r.Reject(ctx, "req-1", "late"), ErrNotPending)

	assert.Equal(t, int32(1), a.confirmed.Load())
	assert.Equal(t, int32(0), a.rejected.Load())
	assert.Empty(t, r.List())

	events := pub.GetConfirmationEvents()
	require.Len(t, events, 2)
	assert.Equal(t, natspkg.ConfirmationPending, events[0].State)
	assert.Equal(t, natspkg.ConfirmationConfirmed, events[1].State)
	assert.Equal(t, "10000000000000000", events[0].Value)
}

func TestRegistry_Reject(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	var a answers
	r.Present(ctx, descriptor("req-2"), a.confirm, a.reject)
	require.NoError(t, r.Reject(ctx, "req-2", "too expensive"))

	assert.Equal(t, int32(1), a.rejected.Load())
	assert.Equal(t, "too expensive", a.reason.Load())
	_, ok := r.Get("req-2")
	assert.False(t, ok)
}

func TestRegistry_Dismiss(t *testing.T) {
	ctx := context.Background()
	pub := natspkg.NewMockPublisher()
	r := newTestRegistry(pub)

	var a answers
	r.Present(ctx, descriptor("req-3"), a.confirm, a.reject)
	r.Dismiss("req-3")
	r.Dismiss("req-3")

	assert.ErrorIs(t, r.Confirm(ctx, "req-3"), ErrNotPending)
	assert.Equal(t, int32(0), a.confirmed.Load()+a.rejected.Load())

	events := pub.GetConfirmationEvents()
	require.Len(t, events, 2)
	assert.Equal(t, natspkg.ConfirmationDismissed, events[1].State)
}

func TestRegistry_ListOrder(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	for _, id := range []string{"a", "b", "c"} {
		r.Present(ctx, descriptor(id), func() {}, func(string) {})
		time.Sleep(time.Millisecond)
	}
	pending := r.List()
	require.Len(t, pending, 3)
	assert.Equal(t, "a", pending[0].Descriptor.ID)
	assert.Equal(t, "c", pending[2].Descriptor.ID)
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		auto      bool
		confirmed bool
	}{
		{"yes", "y\n", false, true},
		{"full yes", "YES\n", false, true},
		{"no", "n\n", false, false},
		{"empty line", "\n", false, false},
		{"eof", "", false, false},
		{"auto confirm", "", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			gate := NewTerminal(strings.NewReader(tt.input), &out)
			gate.AutoConfirm = tt.auto

			decided := make(chan bool, 2)
			gate.Present(context.Background(), descriptor("req-t"),
				func() { decided <- true },
				func(string) { decided <- false },
			)

			select {
			case got := <-decided:
				assert.Equal(t, tt.confirmed, got)
			case <-time.After(time.Second):
				t.Fatal("terminal gate never answered")
			}
			assert.Contains(t, out.String(), "Snowman")
			assert.Contains(t, out.String(), "0.01 ETH")
		})
	}
}
