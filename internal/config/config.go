// Package config loads kadnet settings from defaults, an optional config file
// and KADNET_ environment variables.
package config

import "time"

type Config struct {
	General `mapstructure:"general"`
	Node    `mapstructure:"node"`
	DHT     `mapstructure:"dht"`
	Store   `mapstructure:"store"`
	Control `mapstructure:"control"`
}

type General struct {
	DataDir      string `mapstructure:"data_dir"`
	SnapshotFile string `mapstructure:"snapshot_file"` // relative to data_dir, empty disables snapshots
	Debug        bool   `mapstructure:"debug"`
}

type Node struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ID              string        `mapstructure:"id"` // hex, empty means random or from snapshot
	BucketSize      int           `mapstructure:"bucket_size"`
	RPCTimeout      time.Duration `mapstructure:"rpc_timeout"`
	ValueExpiration time.Duration `mapstructure:"value_expiration"`
	RateLimit       RateLimit     `mapstructure:"rate_limit"`
}

type RateLimit struct {
	Enabled  bool          `mapstructure:"enabled"`
	Capacity int           `mapstructure:"capacity"`
	Refill   time.Duration `mapstructure:"refill"`
}

type DHT struct {
	Alpha             int           `mapstructure:"alpha"`
	ReplicationCount  int           `mapstructure:"replication_count"`
	ReplicateInterval time.Duration `mapstructure:"replicate_interval"`
	RepublishInterval time.Duration `mapstructure:"republish_interval"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	Seeds             []string      `mapstructure:"seeds"` // host:port
}

type Store struct {
	Backend  string `mapstructure:"backend"` // memory or disk
	Capacity int    `mapstructure:"capacity"`
	Dir      string `mapstructure:"dir"` // relative to data_dir
}

type Control struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}
