package valkey

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/valkey/resp"
)

// pubsubServer accepts one connection, answers the connect-time PING,
// replies SUBSCRIBE with a confirmation frame, then lets the test push
// arbitrary messages.
type pubsubServer struct {
	ln    net.Listener
	conn  net.Conn
	w     *resp.Writer
	ready chan struct{} // closed once the connection is accepted
}

func startPubSubServer(t *testing.T) (*pubsubServer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &pubsubServer{ln: ln, ready: make(chan struct{})}
	go srv.serve(t)
	return srv, ln.Addr().String()
}

func (s *pubsubServer) serve(t *testing.T) {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.conn = conn
	s.w = resp.NewWriter(conn, 4096)
	close(s.ready)

	r := resp.NewReader(conn, 4096)
	for {
		f, err := r.ReadFrame()
		if err != nil {
			return
		}
		if f.Type != resp.TypeArray || len(f.Elems) == 0 {
			continue
		}
		name, _ := f.Elems[0].Bytes()
		if string(name) == "PING" {
			s.w.WriteFrame(resp.SimpleStringFrame("PONG"))
			s.w.Flush()
			continue
		}
		if string(name) == "SUBSCRIBE" && len(f.Elems) > 1 {
			ch, _ := f.Elems[1].Bytes()
			reply := resp.ArrayFrame(
				resp.BulkStringFrame([]byte("subscribe")),
				resp.BulkStringFrame(ch),
				resp.IntegerFrame(1),
			)
			s.w.WriteFrame(reply)
			s.w.Flush()
		}
	}
}

func (s *pubsubServer) pushMessage(channel, payload string) {
	<-s.ready
	reply := resp.ArrayFrame(
		resp.BulkStringFrame([]byte("message")),
		resp.BulkStringFrame([]byte(channel)),
		resp.BulkStringFrame([]byte(payload)),
	)
	s.w.WriteFrame(reply)
	s.w.Flush()
}

func (s *pubsubServer) Close() {
	s.ln.Close()
	if s.conn != nil {
		s.conn.Close()
	}
}

func TestSubscriberReceivesMessages(t *testing.T) {
	srv, addr := startPubSubServer(t)
	defer srv.Close()

	cfg := testConfig(addr)
	sub, err := NewSubscriber(context.Background(), cfg)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, sub.Subscribe("news"))

	msg := <-sub.Messages()
	assert.Equal(t, KindSubscribe, msg.Kind)
	assert.Equal(t, "news", msg.Channel)
	assert.Equal(t, 1, msg.Count)

	srv.pushMessage("news", "hello")
	msg = <-sub.Messages()
	assert.Equal(t, KindMessage, msg.Kind)
	assert.Equal(t, "news", msg.Channel)
	assert.Equal(t, []byte("hello"), msg.Payload)
}

func TestSubscribeIdempotent(t *testing.T) {
	srv, addr := startPubSubServer(t)
	defer srv.Close()

	sub, err := NewSubscriber(context.Background(), testConfig(addr))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, sub.Subscribe("news"))
	<-sub.Messages() // consume subscribe confirmation

	// Re-subscribing must not send SUBSCRIBE again: no second
	// confirmation arrives.
	require.NoError(t, sub.Subscribe("news"))
	select {
	case m := <-sub.Messages():
		t.Fatalf("unexpected message on duplicate subscribe: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExecuteRejectedInPubSubMode(t *testing.T) {
	srv, addr := startPubSubServer(t)
	defer srv.Close()

	sub, err := NewSubscriber(context.Background(), testConfig(addr))
	require.NoError(t, err)
	defer sub.Close()

	_, err = sub.conn.Execute(context.Background(), "GET", []byte("k"))
	assert.Error(t, err)
}
