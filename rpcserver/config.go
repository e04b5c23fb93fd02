package rpcserver

// Config defines control server settings.
type Config struct {
	// Addr serves /ws and /health over HTTP.
	Addr string
	// TCPAddr serves newline-delimited JSON-RPC. Empty disables it.
	TCPAddr string
	// WriteQueue bounds queued outbound frames per connection.
	WriteQueue int
	// AllowRemote permits non-loopback binds and peers.
	AllowRemote bool
}

const (
	defaultWriteQueue = 256
	maxFrameBytes     = 16 << 20
)
