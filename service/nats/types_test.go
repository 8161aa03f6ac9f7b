package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	e := &TransactionEvent{FromAddress: "0xF39Fd6e51aad88F6F4ce6aB8827279cffFb92266"}
	assert.Equal(t, "txns.0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", e.Subject())

	c := &ConfirmationEvent{State: ConfirmationPending}
	assert.Equal(t, "confirmations.pending", c.Subject())
}

func TestMockPublisher(t *testing.T) {
	ctx := context.Background()
	m := NewMockPublisher()

	require.NoError(t, m.PublishTransaction(ctx, &TransactionEvent{Hash: "0x1", FromAddress: "0xAB"}))
	require.NoError(t, m.PublishTransaction(ctx, &TransactionEvent{Hash: "0x2", FromAddress: "0xcd"}))
	require.NoError(t, m.PublishConfirmation(ctx, &ConfirmationEvent{RequestID: "r1", State: ConfirmationPending}))

	assert.Equal(t, 2, m.GetPublishedEventCount())
	assert.Len(t, m.GetPublishedEventsFrom("0xab"), 1)
	assert.Len(t, m.GetConfirmationEvents(), 1)

	m.SetPublishError(errors.New("nats down"))
	assert.Error(t, m.PublishTransaction(ctx, &TransactionEvent{Hash: "0x3"}))
	assert.Equal(t, 2, m.GetPublishedEventCount())

	m.Reset()
	assert.Equal(t, 0, m.GetPublishedEventCount())
	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())
}
