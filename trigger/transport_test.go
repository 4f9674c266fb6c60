package trigger

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMemoryTransportFIFO(t *testing.T) {
	m := NewMemoryTransport()
	require.NoError(t, m.Publish("a"))
	require.NoError(t, m.Publish("b"))
	assert.Equal(t, 2, m.Pending())

	raw, ok, err := m.Poll()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", raw)

	raw, ok, _ = m.Poll()
	assert.True(t, ok)
	assert.Equal(t, "b", raw)

	_, ok, err = m.Poll()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTransportClose(t *testing.T) {
	m := NewMemoryTransport()
	require.NoError(t, m.Publish("queued"))
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Publish("late"), ErrClosed)

	raw, ok, err := m.Poll()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "queued", raw)

	_, _, err = m.Poll()
	assert.ErrorIs(t, err, ErrClosed)
}

type erroringTransport struct{}

func (erroringTransport) Poll() (string, bool, error) { return "", false, errors.New("boom") }
func (erroringTransport) Close() error                { return nil }

func TestMergeRoundRobin(t *testing.T) {
	a := NewMemoryTransport()
	b := NewMemoryTransport()
	require.NoError(t, a.Publish("a1"))
	require.NoError(t, a.Publish("a2"))
	require.NoError(t, b.Publish("b1"))

	merged := Merge(a, b)
	var got []string
	for {
		raw, ok, err := merged.Poll()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, raw)
	}
	assert.Equal(t, []string{"a1", "b1", "a2"}, got)
}

func TestMergeReportsErrorsButKeepsPolling(t *testing.T) {
	m := NewMemoryTransport()
	require.NoError(t, m.Publish("x"))

	merged := Merge(erroringTransport{}, m)
	raw, ok, err := merged.Poll()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "x", raw)

	_, ok, err = merged.Poll()
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestMergeSingleIsIdentity(t *testing.T) {
	m := NewMemoryTransport()
	assert.Same(t, Transport(m), Merge(m))
}

func pollUntil(t *testing.T, tr Transport) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		raw, ok, err := tr.Poll()
		require.NoError(t, err)
		if ok {
			return raw
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out polling transport")
	return ""
}

func TestWebSocketTransportReceivesTextFrames(t *testing.T) {
	tr := NewWebSocketTransport(nil, 4, zaptest.NewLogger(t))
	srv := httptest.NewServer(tr)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`trigger {"obj_id": 5, "frame": 10}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("kill")))

	assert.Equal(t, `trigger {"obj_id": 5, "frame": 10}`, pollUntil(t, tr))
	assert.Equal(t, "kill", pollUntil(t, tr))
	assert.Equal(t, 1, tr.Publishers())

	conn.Close()
	require.NoError(t, tr.Close())

	_, _, err = tr.Poll()
	assert.ErrorIs(t, err, ErrClosed)

	// Wait for the read pump to log its disconnect before the test ends
	deadline := time.Now().Add(2 * time.Second)
	for tr.Publishers() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketTransportRejectsOrigin(t *testing.T) {
	tr := NewWebSocketTransport([]string{"http://allowed.example"}, 1, zaptest.NewLogger(t))
	srv := httptest.NewServer(tr)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := map[string][]string{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 403, resp.StatusCode)
	}
}

func TestZMQTransportReceivesTopicMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := zmq4.NewPub(ctx)
	defer pub.Close()
	require.NoError(t, pub.Listen("tcp://127.0.0.1:0"))
	port := pub.Addr().(*net.TCPAddr).Port

	tr := NewZMQTransport(ZMQConfig{
		Address:    "127.0.0.1",
		Port:       port,
		Topic:      "trigger",
		RetryDelay: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))
	assert.Equal(t, "tcp://127.0.0.1:"+strconv.Itoa(port), tr.Endpoint())

	// Subscriptions propagate asynchronously, so keep publishing until one lands
	var raw string
	deadline := time.Now().Add(5 * time.Second)
	for raw == "" && time.Now().Before(deadline) {
		require.NoError(t, pub.Send(zmq4.NewMsgString("other {}")))
		require.NoError(t, pub.Send(zmq4.NewMsgString(`trigger {"obj_id": 2, "frame": 8}`)))
		time.Sleep(20 * time.Millisecond)
		for {
			r, ok, _ := tr.Poll()
			if !ok {
				break
			}
			if raw == "" {
				raw = r
			}
		}
	}
	require.Equal(t, `trigger {"obj_id": 2, "frame": 8}`, raw)

	msg := Decode(raw)
	assert.Equal(t, KindTrigger, msg.Kind)
	assert.Equal(t, "obj_id_2_frame_8", msg.Event.ClipName())

	require.NoError(t, tr.Close())
	// Messages already buffered are still handed out before the close shows
	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		_, _, err = tr.Poll()
	}
	assert.ErrorIs(t, err, ErrClosed)
}
