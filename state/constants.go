package state

import "time"

const (
	// DedupCapacity is the number of recent message ids remembered for duplicate suppression.
	DedupCapacity = 50

	// MaxPacketSize bounds a single framed transport message.
	MaxPacketSize = 4 << 20
)

var (
	ForwardTimeout   = time.Second * 5
	DefaultMaxTtl    = uint32(64)
	RefreshInterval  = time.Second * 30
	ProbeDelay       = time.Second * 5
	HandshakeDelay   = time.Second * 5
	ReadvertiseDelay = time.Millisecond * 100
	ListenerBuffer   = 16
	EventBusBuffer   = 128
	MaxConnections   = 256

	// default port
	DefaultPort = 57180
)
