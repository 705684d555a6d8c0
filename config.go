package valkey

import (
	"crypto/tls"
	"net"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Fixed settings shared across connection configurations.
const (
	// conservativeMSS sizes the default read/write buffers: IPv6 minimum
	// MTU of 1280 bytes, minus a 40 byte IP header, minus a 32 byte TCP
	// header (with timestamps).
	conservativeMSS = 1208

	// Number of pending requests buffered per network protocol before
	// Execute's write-mutex section itself becomes the backpressure
	// point.
	queueSizeTCP  = 128
	queueSizeUnix = 512
)

// ConnectionConfig configures a single Connection (spec §6).
type ConnectionConfig struct {
	// Endpoints lists candidate host:port (or unix socket path) addresses.
	// Only the first is dialed directly by Connect; ClusterClient uses
	// all of them as cluster seed nodes.
	Endpoints []string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	KeepAlive      time.Duration

	TLS        bool
	TLSConfig  *tls.Config // nil uses sane defaults when TLS is true
	ServerName string

	Username string
	Password string

	ClientName string
	DB         int

	// AbortOnConnectFail controls only the first dial from Connect: if
	// true and it fails, Connect returns the error instead of handing
	// back a Connection that keeps retrying in the background.
	AbortOnConnectFail bool

	AutoReconnect        bool
	MaxReconnectAttempts int // 0 = unlimited
	ReconnectBackoffBase time.Duration
	ReconnectBackoffMax  time.Duration

	PreferRESP3 bool
	ClusterMode bool

	SendBufferSize int
	RecvBufferSize int

	Logger *zap.Logger
}

// DefaultConnectionConfig returns a ConnectionConfig with the defaults
// named throughout spec §4 and §6.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Endpoints:            []string{"localhost:6379"},
		ConnectTimeout:       time.Second,
		KeepAlive:            30 * time.Second,
		AbortOnConnectFail:   true,
		AutoReconnect:        true,
		MaxReconnectAttempts: 0,
		ReconnectBackoffBase: 100 * time.Millisecond,
		ReconnectBackoffMax:  time.Second / 2,
		PreferRESP3:          true,
		SendBufferSize:       conservativeMSS,
		RecvBufferSize:       conservativeMSS,
		Logger:               zap.NewNop(),
	}
}

func (c ConnectionConfig) addr() string {
	if len(c.Endpoints) == 0 {
		return normalizeAddr("")
	}
	return normalizeAddr(c.Endpoints[0])
}

func (c ConnectionConfig) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c ConnectionConfig) queueSize() int {
	if isUnixAddr(c.addr()) {
		return queueSizeUnix
	}
	return queueSizeTCP
}

// ClusterConfig configures a ClusterClient (spec §4.7, §6).
type ClusterConfig struct {
	MaxRedirects                int
	TopologyRefreshInterval     time.Duration // 0 disables periodic refresh
	AllowReadFromReplicas       bool
	AutoHandleMoved             bool
	AutoHandleAsk               bool
	ThrowOnAllUnavailable       bool
	ValidateCrossSlotOperations bool
}

// DefaultClusterConfig returns the defaults from spec §4.7/§6.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		MaxRedirects:                5,
		TopologyRefreshInterval:     5 * time.Minute,
		AutoHandleMoved:             true,
		AutoHandleAsk:               true,
		ThrowOnAllUnavailable:       true,
		ValidateCrossSlotOperations: true,
	}
}

// isUnixAddr reports whether s names a Unix domain socket path.
func isUnixAddr(s string) bool {
	return len(s) != 0 && s[0] == '/'
}

// normalizeAddr defaults the host to localhost and the port to 6379, or
// cleans a Unix socket path.
func normalizeAddr(s string) string {
	if isUnixAddr(s) {
		return filepath.Clean(s)
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	}
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "6379"
	}
	return net.JoinHostPort(host, port)
}
