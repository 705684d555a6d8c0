package valkey

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/valkey/resp"
)

// echoServer accepts exactly one connection and echoes back the first
// argument of every command as a BulkString reply, in arrival order. It
// never speaks HELLO/AUTH; tests disable PreferRESP3 so the handshake
// is a no-op.
type echoServer struct {
	ln   net.Listener
	conn net.Conn
}

func startEchoServer(t *testing.T) (*echoServer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &echoServer{ln: ln}
	go srv.serve(t)
	return srv, ln.Addr().String()
}

func (s *echoServer) serve(t *testing.T) {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.conn = conn
	r := resp.NewReader(conn, 4096)
	w := resp.NewWriter(conn, 4096)
	for {
		f, err := r.ReadFrame()
		if err != nil {
			return
		}
		if f.Type != resp.TypeArray || len(f.Elems) == 0 {
			continue
		}
		name, _ := f.Elems[0].Bytes()
		var reply resp.Frame
		switch string(name) {
		case "SLOW":
			time.Sleep(50 * time.Millisecond)
			reply = resp.BulkStringFrame([]byte("slow-done"))
		case "FAIL":
			reply = resp.SimpleErrorFrame("ERR boom")
		default:
			if len(f.Elems) > 1 {
				b, _ := f.Elems[1].Bytes()
				reply = resp.BulkStringFrame(b)
			} else {
				reply = resp.SimpleStringFrame("OK")
			}
		}
		if err := w.WriteFrame(reply); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *echoServer) Close() {
	s.ln.Close()
	if s.conn != nil {
		s.conn.Close()
	}
}

func testConfig(addr string) ConnectionConfig {
	cfg := DefaultConnectionConfig()
	cfg.Endpoints = []string{addr}
	cfg.PreferRESP3 = false
	cfg.AutoReconnect = false
	cfg.AbortOnConnectFail = true
	return cfg
}

func TestConnectExecuteRoundTrip(t *testing.T) {
	srv, addr := startEchoServer(t)
	defer srv.Close()

	conn, err := Connect(context.Background(), testConfig(addr))
	require.NoError(t, err)
	defer conn.Close()

	f, err := conn.Execute(context.Background(), "GET", []byte("hello"))
	require.NoError(t, err)
	b, ok := f.Bytes()
	require.True(t, ok)
	assert.Equal(t, "hello", string(b))
}

func TestExecuteFIFOOrdering(t *testing.T) {
	srv, addr := startEchoServer(t)
	defer srv.Close()

	conn, err := Connect(context.Background(), testConfig(addr))
	require.NoError(t, err)
	defer conn.Close()

	const n = 50
	results := make([]string, n)
	var wg sync.WaitGroup
	var startOrder sync.Mutex
	submitted := make([]int, 0, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			startOrder.Lock()
			submitted = append(submitted, i)
			startOrder.Unlock()
			f, err := conn.Execute(context.Background(), "GET", []byte(strconv.Itoa(i)))
			require.NoError(t, err)
			b, _ := f.Bytes()
			results[i] = string(b)
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, strconv.Itoa(i), results[i])
	}
}

func TestExecuteOnClosedConnection(t *testing.T) {
	srv, addr := startEchoServer(t)
	defer srv.Close()

	conn, err := Connect(context.Background(), testConfig(addr))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = conn.Execute(context.Background(), "GET", []byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExecuteServerError(t *testing.T) {
	srv, addr := startEchoServer(t)
	defer srv.Close()

	conn, err := Connect(context.Background(), testConfig(addr))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Execute(context.Background(), "FAIL")
	require.Error(t, err)
	serr, ok := err.(ServerError)
	require.True(t, ok)
	assert.Equal(t, "ERR", serr.Class())
}

func TestPing(t *testing.T) {
	srv, addr := startEchoServer(t)
	defer srv.Close()

	conn, err := Connect(context.Background(), testConfig(addr))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Ping(context.Background()))
}

// pingFailServer accepts one connection and rejects PING specifically,
// OKing everything else, to exercise dialAndHandshake's post-handshake
// liveness check.
type pingFailServer struct {
	ln   net.Listener
	conn net.Conn
}

func startPingFailServer(t *testing.T) (*pingFailServer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &pingFailServer{ln: ln}
	go srv.serve()
	return srv, ln.Addr().String()
}

func (s *pingFailServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.conn = conn
	r := resp.NewReader(conn, 4096)
	w := resp.NewWriter(conn, 4096)
	for {
		f, err := r.ReadFrame()
		if err != nil {
			return
		}
		name, _ := f.Elems[0].Bytes()
		var reply resp.Frame
		if string(name) == "PING" {
			reply = resp.SimpleErrorFrame("ERR ping rejected")
		} else {
			reply = resp.SimpleStringFrame("OK")
		}
		if err := w.WriteFrame(reply); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *pingFailServer) Close() {
	s.ln.Close()
	if s.conn != nil {
		s.conn.Close()
	}
}

func TestDialAndHandshakeRejectsFailingPing(t *testing.T) {
	srv, addr := startPingFailServer(t)
	defer srv.Close()

	cfg := testConfig(addr)
	_, err := Connect(context.Background(), cfg)
	require.Error(t, err)
	serr, ok := err.(ServerError)
	require.True(t, ok)
	assert.Equal(t, "ERR", serr.Class())
}

func TestCancelDoesNotDisruptOtherRequests(t *testing.T) {
	srv, addr := startEchoServer(t)
	defer srv.Close()

	conn, err := Connect(context.Background(), testConfig(addr))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	slowDone := make(chan struct{})
	go func() {
		_, err := conn.Execute(ctx, "SLOW")
		assert.ErrorIs(t, err, context.Canceled)
		close(slowDone)
	}()

	// Give the SLOW request time to be enqueued first, then cancel it
	// while the server is still sleeping.
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-slowDone

	// A second request submitted after cancellation must still resolve
	// correctly: the FIFO slot of the cancelled request is dropped, not
	// removed, so the server's delayed SLOW reply doesn't get matched to
	// this one (spec §5 invariant 7).
	f, err := conn.Execute(context.Background(), "GET", []byte("after"))
	require.NoError(t, err)
	b, _ := f.Bytes()
	assert.Equal(t, "after", string(b))
}
