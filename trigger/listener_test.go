package trigger

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/elhananby/ximea-camera/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "listener channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

// runListener runs l until the test ends and waits for it to stop so no
// logging happens after the test completes
func runListener(t *testing.T, l *Listener) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestListenerForwardsDecodedMessages(t *testing.T) {
	transport := NewMemoryTransport()
	l := NewListener(transport, time.Millisecond, 8, zaptest.NewLogger(t))

	runListener(t, l)

	require.NoError(t, transport.Publish(`trigger {"obj_id": 3, "frame": 99}`))
	require.NoError(t, transport.Publish("{not valid"))
	require.NoError(t, transport.Publish("   "))
	require.NoError(t, transport.Publish("trigger kill"))

	msg := receive(t, l.Messages())
	assert.Equal(t, KindTrigger, msg.Kind)
	assert.Equal(t, uint32(3), msg.Event.ObjID)

	msg = receive(t, l.Messages())
	assert.Equal(t, KindMalformed, msg.Kind)

	// Empty payloads are not forwarded
	msg = receive(t, l.Messages())
	assert.True(t, msg.IsKill())

	stats := l.Stats()
	assert.Equal(t, uint64(4), stats.Received)
	assert.Equal(t, uint64(1), stats.Triggers)
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(1), stats.Commands)
}

func TestListenerPreservesOrder(t *testing.T) {
	transport := NewMemoryTransport()
	l := NewListener(transport, time.Millisecond, 2, zaptest.NewLogger(t))

	for i := 1; i <= 10; i++ {
		require.NoError(t, transport.Publish(`{"obj_id": 1, "frame": `+strconv.Itoa(i)+`}`))
	}

	runListener(t, l)

	for i := 1; i <= 10; i++ {
		msg := receive(t, l.Messages())
		assert.Equal(t, uint64(i), msg.Event.Frame)
	}
}

func TestListenerClosesChannelOnCancel(t *testing.T) {
	l := NewListener(NewMemoryTransport(), time.Millisecond, 1, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	_, ok := <-l.Messages()
	assert.False(t, ok)
}

type failingTransport struct {
	calls int
}

func (f *failingTransport) Poll() (string, bool, error) {
	f.calls++
	if f.calls == 1 {
		return "", false, errors.New("socket hiccup")
	}
	if f.calls == 2 {
		return "kill", true, nil
	}
	return "", false, nil
}

func (f *failingTransport) Close() error { return nil }

func TestListenerSurvivesTransportErrors(t *testing.T) {
	l := NewListener(&failingTransport{}, time.Millisecond, 1, zaptest.NewLogger(t))

	runListener(t, l)

	msg := receive(t, l.Messages())
	assert.True(t, msg.IsKill())
	assert.Equal(t, uint64(1), l.Stats().TransportErrors)
}

func TestListenerLogsTaggedErrors(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	transport := &failingTransport{}
	l := NewListener(transport, time.Millisecond, 4, zap.New(core))

	runListener(t, l)
	assert.True(t, receive(t, l.Messages()).IsKill())

	errorField := func(msg string) error {
		entries := logs.FilterMessage(msg).All()
		require.NotEmpty(t, entries, msg)
		for _, f := range entries[0].Context {
			if f.Key == "error" {
				return f.Interface.(error)
			}
		}
		t.Fatalf("%q has no error field", msg)
		return nil
	}

	err := errorField("Trigger transport poll failed")
	assert.True(t, fault.IsKind(err, fault.KindTransport))
	assert.Contains(t, err.Error(), "socket hiccup")

	mem := NewMemoryTransport()
	l2 := NewListener(mem, time.Millisecond, 4, zap.New(core))
	runListener(t, l2)
	require.NoError(t, mem.Publish(`trigger {"obj_id": "x"}`))
	assert.Equal(t, KindMalformed, receive(t, l2.Messages()).Kind)

	err = errorField("Malformed trigger payload")
	assert.True(t, fault.IsKind(err, fault.KindDecode))
}
