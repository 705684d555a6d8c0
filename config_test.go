package valkey

import "testing"

func TestNormalizeAddr(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "localhost:6379"},
		{"localhost", "localhost:6379"},
		{"redis.example.com:7000", "redis.example.com:7000"},
		{":6380", "localhost:6380"},
		{"/var/run/redis.sock", "/var/run/redis.sock"},
		{"/var/run/../run/redis.sock", "/var/run/redis.sock"},
	}
	for _, c := range cases {
		if got := normalizeAddr(c.in); got != c.want {
			t.Errorf("normalizeAddr(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestIsUnixAddr(t *testing.T) {
	if !isUnixAddr("/tmp/redis.sock") {
		t.Error("expected /tmp/redis.sock to be a unix address")
	}
	if isUnixAddr("localhost:6379") {
		t.Error("did not expect localhost:6379 to be a unix address")
	}
	if isUnixAddr("") {
		t.Error("did not expect empty string to be a unix address")
	}
}

func TestDefaultConfigsQueueSize(t *testing.T) {
	cfg := DefaultConnectionConfig()
	cfg.Endpoints = []string{"/tmp/redis.sock"}
	if got := cfg.queueSize(); got != queueSizeUnix {
		t.Errorf("queueSize() for unix addr = %d, want %d", got, queueSizeUnix)
	}

	cfg.Endpoints = []string{"localhost:6379"}
	if got := cfg.queueSize(); got != queueSizeTCP {
		t.Errorf("queueSize() for tcp addr = %d, want %d", got, queueSizeTCP)
	}
}
