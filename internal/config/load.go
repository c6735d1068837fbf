package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/WebFirstLanguage/kadnet/internal/dht"
	"github.com/WebFirstLanguage/kadnet/internal/store"
	"github.com/WebFirstLanguage/kadnet/pkg/constants"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
)

func getViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("kadnet")
	v.AddConfigPath(".")             // config file reading order starts with current working directory
	v.AddConfigPath("$HOME/.kadnet") // then home directory
	v.AddConfigPath("/etc/kadnet/")  // finally /etc/kadnet

	v.SetEnvPrefix("KADNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("general.data_dir", defaultDataDir())
	v.SetDefault("general.snapshot_file", constants.DefaultSnapshotFile)
	v.SetDefault("general.debug", false)

	v.SetDefault("node.listen_address", constants.DefaultListenAddress)
	v.SetDefault("node.id", "")
	v.SetDefault("node.bucket_size", constants.DHTBucketSize)
	v.SetDefault("node.rpc_timeout", constants.RPCTimeout)
	v.SetDefault("node.value_expiration", constants.ValueExpiration)
	v.SetDefault("node.rate_limit.enabled", false)
	v.SetDefault("node.rate_limit.capacity", 200)
	v.SetDefault("node.rate_limit.refill", "50ms")

	v.SetDefault("dht.alpha", constants.DHTAlpha)
	v.SetDefault("dht.replication_count", constants.DHTReplicationCount)
	v.SetDefault("dht.replicate_interval", constants.ReplicateInterval)
	v.SetDefault("dht.republish_interval", constants.RepublishInterval)
	v.SetDefault("dht.refresh_interval", constants.RefreshInterval)
	v.SetDefault("dht.seeds", []string{})

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.capacity", constants.DHTStorageCapacity)
	v.SetDefault("store.dir", "values")

	v.SetDefault("control.enabled", true)
	v.SetDefault("control.address", constants.DefaultControlAddress)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return constants.DefaultDataDir
	}
	return filepath.Join(home, constants.DefaultDataDir)
}

// Load builds the configuration. When path is empty the standard locations are
// searched and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := getViper()
	setDefaultConfig(v)

	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendDisk:
	default:
		return fmt.Errorf("%w: unknown store backend %q", kad.ErrInvalidInput, c.Store.Backend)
	}
	if c.Store.Capacity <= 0 {
		return fmt.Errorf("%w: store capacity must be positive", kad.ErrInvalidInput)
	}
	if c.Node.ID != "" {
		if _, err := kad.ParseHex(c.Node.ID); err != nil {
			return fmt.Errorf("invalid node id: %w", err)
		}
	}
	if _, err := c.SeedAddrs(); err != nil {
		return err
	}
	return nil
}

// SnapshotPath returns the snapshot location, or "" when snapshots are disabled
func (c *Config) SnapshotPath() string {
	if c.General.SnapshotFile == "" {
		return ""
	}
	return filepath.Join(c.General.DataDir, c.General.SnapshotFile)
}

// SeedAddrs parses the configured seed endpoints
func (c *Config) SeedAddrs() ([]netip.AddrPort, error) {
	seeds := make([]netip.AddrPort, 0, len(c.DHT.Seeds))
	for _, s := range c.DHT.Seeds {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf("%w: seed %q: %v", kad.ErrInvalidInput, s, err)
		}
		seeds = append(seeds, ap)
	}
	return seeds, nil
}

// OpenStore creates the configured value store on fs
func (c *Config) OpenStore(fs afero.Fs) (store.Store, error) {
	if c.Store.Backend == BackendDisk {
		dir := c.Store.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(c.General.DataDir, dir)
		}
		return store.OpenDisk(fs, dir, c.Store.Capacity)
	}
	return store.NewMemory(c.Store.Capacity), nil
}

// NodeConfig converts the node section. The store is left for the caller.
func (c *Config) NodeConfig(log *zap.Logger) (*dht.NodeConfig, error) {
	nc := &dht.NodeConfig{
		Address:         c.Node.ListenAddress,
		BucketSize:      c.Node.BucketSize,
		RPCTimeout:      c.Node.RPCTimeout,
		ValueExpiration: c.Node.ValueExpiration,
		Logger:          log,
	}
	if c.Node.ID != "" {
		id, err := kad.ParseHex(c.Node.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid node id: %w", err)
		}
		nc.ID = id
	}
	if c.Node.RateLimit.Enabled {
		nc.RateLimit = &dht.RateLimiterConfig{
			Capacity: c.Node.RateLimit.Capacity,
			Refill:   c.Node.RateLimit.Refill,
		}
	}
	return nc, nil
}

// DHTConfig converts the dht section for the given node
func (c *Config) DHTConfig(node *dht.Node, log *zap.Logger) (*dht.Config, error) {
	seeds, err := c.SeedAddrs()
	if err != nil {
		return nil, err
	}
	return &dht.Config{
		Node:              node,
		Alpha:             c.DHT.Alpha,
		ReplicationCount:  c.DHT.ReplicationCount,
		ReplicateInterval: c.DHT.ReplicateInterval,
		RepublishInterval: c.DHT.RepublishInterval,
		RefreshInterval:   c.DHT.RefreshInterval,
		Seeds:             seeds,
		Logger:            log,
	}, nil
}
