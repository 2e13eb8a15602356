package stream

import (
	"testing"
	"time"

	"github.com/danmuck/corrstream/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolderReconnectsMem(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	opts := Options{Registry: NewRegistry()}
	policy := RetryPolicy{Attempts: 3, Backoff: BackoffConfig{InitialDelay: time.Millisecond}}

	server, err := NewHolder("mem:out-0", true, opts, policy)
	require.NoError(t, err)
	client, err := NewHolder("mem:out-0", false, opts, policy)
	require.NoError(t, err)
	defer server.Close()
	defer client.Close()

	assert.Nil(t, server.Stream())
	ss, err := server.Connect(ctx)
	require.NoError(t, err)
	cs, err := client.Connect(ctx)
	require.NoError(t, err)

	again, err := server.Connect(ctx)
	require.NoError(t, err)
	assert.Same(t, ss, again)

	require.NoError(t, cs.Send([]byte{1}))
	buf := make([]byte, 1)
	require.NoError(t, ss.Recv(buf))

	ss, err = server.Reconnect(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, cs.Recv(buf), ErrConnectionLost)

	cs, err = client.Reconnect(ctx)
	require.NoError(t, err)
	require.NoError(t, cs.Send([]byte{2}))
	require.NoError(t, ss.Recv(buf))
	assert.Equal(t, byte(2), buf[0])

	require.NoError(t, client.Close())
	_, err = client.Connect(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHolderRefusesReconnectForDatagramSchemes(t *testing.T) {
	testlog.Start(t)
	h, err := NewHolder("udp:4346", true, Options{}, RetryPolicy{})
	require.NoError(t, err)
	assert.False(t, h.Reconnectable())
	_, err = h.Reconnect(testCtx(t))
	assert.ErrorIs(t, err, ErrNotReconnectable)

	_, err = NewHolder("tcp:", false, Options{}, RetryPolicy{})
	assert.ErrorIs(t, err, ErrMalformedDescriptor)
}
