package valkey

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelinerBatchesConcurrentSubmissions(t *testing.T) {
	srv, addr := startEchoServer(t)
	defer srv.Close()

	conn, err := Connect(context.Background(), testConfig(addr))
	require.NoError(t, err)
	defer conn.Close()

	cfg := DefaultPipelinerConfig()
	cfg.MaxBatch = 10
	p := NewPipeliner(conn, cfg)
	defer p.Close()

	const n = 40
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			f, err := p.Submit(context.Background(), "GET", []byte(strconv.Itoa(i)))
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

func TestPipelinerSingleSubmission(t *testing.T) {
	srv, addr := startEchoServer(t)
	defer srv.Close()

	conn, err := Connect(context.Background(), testConfig(addr))
	require.NoError(t, err)
	defer conn.Close()

	p := NewPipeliner(conn, DefaultPipelinerConfig())
	defer p.Close()

	f, err := p.Submit(context.Background(), "GET", []byte("solo"))
	require.NoError(t, err)
	b, _ := f.Bytes()
	assert.Equal(t, "solo", string(b))
}
