package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"overlay/pkg/transport"
	"overlay/pkg/utils"

	"github.com/spf13/viper"
)

type Mode string

const (
	ModeRegistry Mode = "registry"
	ModeNode     Mode = "node"
)

const (
	DefaultRegistryAddress = "127.0.0.1:9000"
	DefaultNodeHost        = "127.0.0.1"
	DefaultStorage         = "100"
	DefaultRate            = "500"

	// controlPortOffset places a node's control plane next to its data port.
	controlPortOffset = 1000
)

type Config struct {
	Mode      Mode            `mapstructure:"mode"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Node      NodeConfig      `mapstructure:"node"`
	Transport TransportConfig `mapstructure:"transport"`
}

type RegistryConfig struct {
	Address              string `mapstructure:"address"`
	StatusAddress        string `mapstructure:"status_address"`
	BroadcastConcurrency int    `mapstructure:"broadcast_concurrency"`
}

// NodeConfig holds a storage node's settings. Storage and rates are kept in
// their textual form ("100", "1GiB", "500", "2MiB/s") until Resolve turns
// them into bytes; bare numbers mean MB and KB/s respectively.
type NodeConfig struct {
	NodeID          string `mapstructure:"node_id"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	RegistryAddress string `mapstructure:"registry_address"`
	StorageDir      string `mapstructure:"storage_dir"`
	Storage         string `mapstructure:"storage"`
	SendRate        string `mapstructure:"send_rate"`
	RecvRate        string `mapstructure:"recv_rate"`
	ControlAddress  string `mapstructure:"control_address"`
	StatusAddress   string `mapstructure:"status_address"`

	MaxStorageBytes int64 `mapstructure:"-"`
	SendRateBytes   int64 `mapstructure:"-"`
	RecvRateBytes   int64 `mapstructure:"-"`
}

type TransportConfig struct {
	IOTimeout      time.Duration `mapstructure:"io_timeout"`
	MaxFrameSize   string        `mapstructure:"max_frame_size"`
	MaxConnections int           `mapstructure:"max_connections"`

	MaxFrameBytes uint32 `mapstructure:"-"`
}

// Resolve parses the textual limits and fills in derived defaults. The
// registry only learns whole MB of storage and whole KB/s of bandwidth, so
// limits are rounded up to those units and the node enforces what it
// advertises. Port 0 picks a free port at listen time; see BindPort.
func (n *NodeConfig) Resolve() error {
	if n.NodeID == "" {
		return errors.New("node id is required")
	}
	if n.Port < 0 || n.Port > 65535 {
		return fmt.Errorf("invalid node port %d", n.Port)
	}

	var err error
	if n.MaxStorageBytes, err = utils.ParseStorage(n.Storage); err != nil {
		return fmt.Errorf("invalid storage limit: %w", err)
	}
	if n.SendRateBytes, err = utils.ParseRate(n.SendRate); err != nil {
		return fmt.Errorf("invalid send rate: %w", err)
	}
	if n.RecvRateBytes, err = utils.ParseRate(n.RecvRate); err != nil {
		return fmt.Errorf("invalid receive rate: %w", err)
	}
	n.MaxStorageBytes = utils.RoundUp(n.MaxStorageBytes, utils.MegaByte)
	n.SendRateBytes = utils.RoundUp(n.SendRateBytes, utils.KiloByte)
	n.RecvRateBytes = utils.RoundUp(n.RecvRateBytes, utils.KiloByte)

	if n.StorageDir == "" {
		n.StorageDir = filepath.Join("storage", n.NodeID)
	}
	if n.Port > 0 {
		n.BindPort(n.Port)
	}
	return nil
}

// BindPort records the port the node actually listens on and derives the
// default control address from it.
func (n *NodeConfig) BindPort(port int) {
	n.Port = port
	if n.ControlAddress == "" && port+controlPortOffset <= 65535 {
		n.ControlAddress = net.JoinHostPort(n.Host, strconv.Itoa(port+controlPortOffset))
	}
}

// CheckPacing fails when a throttled chunk takes longer to trickle through
// than the per-chunk I/O deadline allows, which would cut every multi-chunk
// transfer short. A zero timeout means the transport default; a negative one
// disables deadlines.
func (n *NodeConfig) CheckPacing(ioTimeout time.Duration) error {
	if ioTimeout == 0 {
		ioTimeout = transport.DefaultIOTimeout
	}
	if ioTimeout < 0 {
		return nil
	}
	for _, r := range []struct {
		name string
		rate int64
	}{{"send", n.SendRateBytes}, {"receive", n.RecvRateBytes}} {
		if r.rate <= 0 {
			continue
		}
		perChunk := time.Duration(transport.ChunkSize) * time.Second / time.Duration(r.rate)
		if perChunk >= ioTimeout {
			return fmt.Errorf("%s rate %s needs %s per %d-byte chunk, above the %s I/O timeout",
				r.name, utils.FormatRate(r.rate), perChunk, transport.ChunkSize, ioTimeout)
		}
	}
	return nil
}

// ListenAddress is where the node accepts peer connections.
func (n *NodeConfig) ListenAddress() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (t *TransportConfig) Resolve() error {
	if t.MaxFrameSize == "" {
		return nil
	}
	size, err := utils.ParseDataSize(t.MaxFrameSize, 1)
	if err != nil {
		return fmt.Errorf("invalid max frame size: %w", err)
	}
	if size <= 0 || size > int64(^uint32(0)) {
		return fmt.Errorf("max frame size %d out of range", size)
	}
	t.MaxFrameBytes = uint32(size)
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(ModeNode))

	v.SetDefault("registry.address", DefaultRegistryAddress)
	v.SetDefault("registry.status_address", "")
	v.SetDefault("registry.broadcast_concurrency", 16)

	v.SetDefault("node.node_id", "")
	v.SetDefault("node.host", DefaultNodeHost)
	v.SetDefault("node.port", 0)
	v.SetDefault("node.registry_address", DefaultRegistryAddress)
	v.SetDefault("node.storage_dir", "")
	v.SetDefault("node.storage", DefaultStorage)
	v.SetDefault("node.send_rate", DefaultRate)
	v.SetDefault("node.recv_rate", DefaultRate)
	v.SetDefault("node.control_address", "")
	v.SetDefault("node.status_address", "")

	v.SetDefault("transport.io_timeout", 30*time.Second)
	v.SetDefault("transport.max_frame_size", "256MiB")
	v.SetDefault("transport.max_connections", 256)
}

// Default returns the built-in configuration, as Load would with no file
// and no environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	if err := cfg.Transport.Resolve(); err != nil {
		panic(fmt.Sprintf("config defaults do not resolve: %v", err))
	}
	return cfg
}

// Load reads configuration from defaults, an optional file and OVERLAY_*
// environment variables (OVERLAY_NODE_PORT=9001 sets node.port). A path
// that cannot be read is an error; with no path a missing ./overlay.yaml is
// not.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("overlay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("overlay")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Transport.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}
