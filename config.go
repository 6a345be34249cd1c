package parley

import (
	"bytes"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/outofforest/parley/id"
	"github.com/outofforest/parley/transport"
	"github.com/outofforest/parley/transport/inproc"
	"github.com/outofforest/parley/transport/tcp"
	"github.com/outofforest/parley/wire"
)

// DefaultCommandTimeout is the time given to remote command when caller sets no deadline.
const DefaultCommandTimeout = 10 * time.Second

// Duration is the time.Duration encoded as text, e.g. "30s".
type Duration time.Duration

// UnmarshalText parses duration.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// TransportConfig is the configuration of a single transport.
type TransportConfig struct {
	Port           uint16   `toml:"port,omitempty"`
	BaseAddress    string   `toml:"base_address,omitempty"`
	SubAddress     string   `toml:"sub_address,omitempty"`
	MaxConnections int      `toml:"max_connections,omitempty"`
	ReceiveTimeout Duration `toml:"receive_timeout,omitempty"`
	MaxMessageSize uint64   `toml:"max_message_size,omitempty"`
}

// Binding converts configuration to the form expected by transports.
func (c TransportConfig) Binding() transport.Config {
	return transport.Config{
		Port:           c.Port,
		BaseAddress:    c.BaseAddress,
		SubAddress:     c.SubAddress,
		MaxConnections: c.MaxConnections,
		ReceiveTimeout: time.Duration(c.ReceiveTimeout),
		MaxMessageSize: c.MaxMessageSize,
	}
}

// TransportsConfig lists enabled transports. Transport is enabled when its section is present.
type TransportsConfig struct {
	TCP    *TransportConfig `toml:"tcp,omitempty"`
	Inproc *TransportConfig `toml:"inproc,omitempty"`
}

// PeerConfig describes endpoint known up front.
type PeerConfig struct {
	Endpoint  string `toml:"endpoint"`
	Transport string `toml:"transport"`
	Address   string `toml:"address"`
}

// Info converts peer to connection information.
func (p PeerConfig) Info() (wire.ChannelConnectionInformation, error) {
	e, err := id.ParseEndpointID(p.Endpoint)
	if err != nil {
		return wire.ChannelConnectionInformation{}, err
	}
	tag := transport.Tag(p.Transport)
	if tag == "" {
		tag = tcp.Tag
	}
	if p.Address == "" {
		return wire.ChannelConnectionInformation{}, errors.Errorf("no address for peer %s", p.Endpoint)
	}
	return wire.ChannelConnectionInformation{
		Endpoint:    e,
		ChannelType: tag,
		Address:     p.Address,
	}, nil
}

// Config is the configuration of the node.
type Config struct {
	CommandTimeout Duration         `toml:"command_timeout"`
	Ranks          map[string]int   `toml:"ranks,omitempty"`
	Transports     TransportsConfig `toml:"transports"`
	Peers          []PeerConfig     `toml:"peers,omitempty"`
}

// DefaultConfig returns default configuration: TCP transport on ephemeral port.
func DefaultConfig() Config {
	return Config{
		CommandTimeout: Duration(DefaultCommandTimeout),
		Transports: TransportsConfig{
			TCP: &TransportConfig{},
		},
	}
}

// LoadConfig loads configuration from TOML file. Absent keys keep their default values.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return Config{}, errors.Wrapf(err, "loading config %q failed", path)
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = Duration(DefaultCommandTimeout)
	}
	return config, nil
}

// Encode returns configuration in TOML format.
func (c Config) Encode() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := toml.NewEncoder(buf).Encode(c); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

// RankTable returns transport rank table, DefaultRanks if none is configured.
func (c Config) RankTable() transport.Ranks {
	if len(c.Ranks) == 0 {
		return transport.DefaultRanks
	}
	ranks := transport.Ranks{}
	for tag, rank := range c.Ranks {
		ranks[transport.Tag(tag)] = rank
	}
	return ranks
}

// ChannelTypes creates configured transports. Bus is required if inproc transport is enabled.
func (c Config) ChannelTypes(bus *inproc.Bus) ([]transport.ChannelType, error) {
	var types []transport.ChannelType
	if c.Transports.Inproc != nil {
		if bus == nil {
			return nil, errors.New("inproc transport requires bus")
		}
		types = append(types, inproc.New(bus, c.Transports.Inproc.Binding()))
	}
	if c.Transports.TCP != nil {
		types = append(types, tcp.New(c.Transports.TCP.Binding()))
	}
	if len(types) == 0 {
		return nil, errors.New("no transports configured")
	}
	return types, nil
}
