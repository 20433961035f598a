package cmdchan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendAndCommandsDeliversOneCommand(t *testing.T) {
	c := New()
	c.Send(Command{Kind: Seek, UPos: 42})

	select {
	case cmd := <-c.Commands():
		require.Equal(t, Seek, cmd.Kind)
		require.Equal(t, uint64(42), cmd.UPos)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command")
	}
}

func TestTryCommandNonBlockingWhenEmpty(t *testing.T) {
	c := New()
	_, ok := c.TryCommand()
	require.False(t, ok)
}

func TestTryCommandReturnsQueuedCommand(t *testing.T) {
	c := New()
	c.Send(Command{Kind: Close})
	cmd, ok := c.TryCommand()
	require.True(t, ok)
	require.Equal(t, Close, cmd.Kind)
}

func TestReplyAndWaitReplyRoundTrip(t *testing.T) {
	c := New()
	go c.Reply(Reply{Kind: SeekDone})

	r, err := c.WaitReply(context.Background())
	require.NoError(t, err)
	require.Equal(t, SeekDone, r.Kind)
}

func TestWaitReplyReturnsContextErrorOnCancellation(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.WaitReply(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSeekFailReplyCarriesError(t *testing.T) {
	c := New()
	sentinel := context.Canceled
	go c.Reply(Reply{Kind: SeekFail, Err: sentinel})

	r, err := c.WaitReply(context.Background())
	require.NoError(t, err)
	require.Equal(t, SeekFail, r.Kind)
	require.ErrorIs(t, r.Err, sentinel)
}
