package transport

import (
	"math"
	"time"
)

// Defaults used for absent configuration keys.
const (
	DefaultMaxConnections = 64
	DefaultReceiveTimeout = 30 * time.Second
	DefaultMaxMessageSize = 4 * 1024 * 1024
)

// Config is the binding configuration of a transport.
type Config struct {
	// Port to listen on, 0 means any free port.
	Port uint16

	// BaseAddress is the host part of the address.
	BaseAddress string

	// SubAddress is the local part of the address, generated when empty.
	SubAddress string

	// MaxConnections limits the number of inbound connections.
	MaxConnections int

	// ReceiveTimeout limits the time allowed for the remote side to complete the handshake.
	ReceiveTimeout time.Duration

	// MaxMessageSize limits the size of a single frame.
	MaxMessageSize uint64
}

// WithDefaults returns config where absent values are replaced by defaults.
func (c Config) WithDefaults(baseAddress string) Config {
	if c.BaseAddress == "" {
		c.BaseAddress = baseAddress
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	return c
}

// WorstRank is assigned to transports missing in the rank table.
const WorstRank = math.MaxInt

// Ranks maps transport to its relative performance order, 1 is the best.
type Ranks map[Tag]int

// DefaultRanks is the rank table of the transports shipped with the module.
var DefaultRanks = Ranks{
	"inproc": 1,
	"tcp":    2,
}

// Of returns rank of the transport.
func (r Ranks) Of(tag Tag) int {
	if rank, exists := r[tag]; exists {
		return rank
	}
	return WorstRank
}
