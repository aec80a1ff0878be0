package workerproto

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesfs/moses/pkg/ferr"
)

func startTestServer(t *testing.T, handler Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(handler, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})

	go srv.Serve(ctx, ln)
	return ln.Addr().String()
}

func TestPingRoundTrip(t *testing.T) {
	addr := startTestServer(t, func(ctx context.Context, req Request, emit func(ResponseKind, interface{})) (ResponseKind, interface{}, error) {
		return ResponseSuccess, struct{}{}, nil
	})

	c, err := Dial(context.Background(), addr, nil)
	require.NoError(t, err)
	defer c.Close()

	latency, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latency, time.Duration(0))
}

func TestCallStreamsProgressBeforeTerminal(t *testing.T) {
	addr := startTestServer(t, func(ctx context.Context, req Request, emit func(ResponseKind, interface{})) (ResponseKind, interface{}, error) {
		emit(ResponseProgress, ProgressPayload{Label: "writing", Percent: 50})
		emit(ResponseLog, LogPayload{Level: "info", Message: "halfway there"})
		return ResponseSuccess, struct{}{}, nil
	})

	c, err := Dial(context.Background(), addr, nil)
	require.NoError(t, err)
	defer c.Close()

	var progressSeen []ProgressPayload
	var logsSeen []LogPayload

	resp, err := c.Call(context.Background(), CommandFormat, FormatPayload{DevicePath: "/dev/null"}, Callbacks{
		OnProgress: func(p ProgressPayload) { progressSeen = append(progressSeen, p) },
		OnLog:      func(l LogPayload) { logsSeen = append(logsSeen, l) },
	})
	require.NoError(t, err)
	assert.Equal(t, ResponseSuccess, resp.Type)
	assert.Len(t, progressSeen, 1)
	assert.Len(t, logsSeen, 1)
}

func TestCallSurfacesWorkerError(t *testing.T) {
	addr := startTestServer(t, func(ctx context.Context, req Request, emit func(ResponseKind, interface{})) (ResponseKind, interface{}, error) {
		return ResponseError, ErrorPayload{Kind: "not_found", Message: "no such device"}, nil
	})

	c, err := Dial(context.Background(), addr, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), CommandAnalyze, struct{}{}, Callbacks{})
	assert.True(t, ferr.Is(err, ferr.KindNotFound))
}

// TestWorkerErrorKindSurvivesTheWire drives a handler error through
// the server's payload serialization and the client's reconstruction,
// checking the Kind a caller dispatches on is the one the worker
// produced rather than a generic catch-all.
func TestWorkerErrorKindSurvivesTheWire(t *testing.T) {
	addr := startTestServer(t, func(ctx context.Context, req Request, emit func(ResponseKind, interface{})) (ResponseKind, interface{}, error) {
		return ResponseError, nil, ferr.UnsafeDevice("system drive check not performed")
	})

	c, err := Dial(context.Background(), addr, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), CommandFormat, FormatPayload{DevicePath: "/dev/sda"}, Callbacks{})
	assert.True(t, ferr.Is(err, ferr.KindUnsafeDevice))
	assert.Contains(t, err.Error(), "system drive")
}
