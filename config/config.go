package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/viper"

	"vault-node/models"
)

// Config holds every tunable of a vault node.
type Config struct {
	K                     int
	MinSuccessfulPercent  float64
	TrustPercent          float64
	MinChunkCopies        int
	MaxWatchCopies        int
	WaitingTimeout        time.Duration
	RPCTimeout            time.Duration
	MaxParallelRPCs       int
	AmendmentTimeout      time.Duration
	MaxPendingAmendments  int
	MaxRepeatedAmendments int
	ExpectationTimeout    time.Duration
	MaxExpectations       int
	MaxRepeatedExpects    int
	ChunkCacheSize        int
	Capacity              datasize.ByteSize
	KeyFile               string
	LevelDBPath           string
	Port                  int
	AppLogFile            string
	LogLevel              string
	Peers                 []models.Contact
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kademlia.k", 16)
	v.SetDefault("kademlia.min_successful_percentage_store", 0.75)
	v.SetDefault("kademlia.trust_percentage", 0.25)
	v.SetDefault("chunkinfo.min_chunk_copies", 4)
	v.SetDefault("chunkinfo.max_watch_copies", 8)
	v.SetDefault("chunkinfo.waiting_timeout", "10m")
	v.SetDefault("rpc.timeout", "10s")
	v.SetDefault("rpc.max_parallel", 8)
	v.SetDefault("amendment.timeout", "2m")
	v.SetDefault("amendment.max_pending", 1000)
	v.SetDefault("amendment.max_repeated", 32)
	v.SetDefault("expectation.timeout", "1m")
	v.SetDefault("expectation.max", 1000)
	v.SetDefault("expectation.max_repeated", 16)
	v.SetDefault("chunkstore.cache_size", 256)
	v.SetDefault("vault.capacity", "10GB")
	v.SetDefault("vault.key_file", "data/vault.key")
	v.SetDefault("leveldb.path", "data/leveldb")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.app_log_file", "vault.log")
	v.SetDefault("log.level", "info")
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := fromViper(v)
	if err != nil {
		// defaults are static and always parse
		panic(err)
	}
	return cfg
}

// Load reads the YAML file at path and applies VAULT_ environment overrides.
// An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("VAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var capacity datasize.ByteSize
	if err := capacity.UnmarshalText([]byte(v.GetString("vault.capacity"))); err != nil {
		return nil, fmt.Errorf("parse vault.capacity: %w", err)
	}

	var peers []models.Contact
	if err := v.UnmarshalKey("peers", &peers); err != nil {
		return nil, fmt.Errorf("parse peers: %w", err)
	}

	cfg := &Config{
		K:                     v.GetInt("kademlia.k"),
		MinSuccessfulPercent:  v.GetFloat64("kademlia.min_successful_percentage_store"),
		TrustPercent:          v.GetFloat64("kademlia.trust_percentage"),
		MinChunkCopies:        v.GetInt("chunkinfo.min_chunk_copies"),
		MaxWatchCopies:        v.GetInt("chunkinfo.max_watch_copies"),
		WaitingTimeout:        v.GetDuration("chunkinfo.waiting_timeout"),
		RPCTimeout:            v.GetDuration("rpc.timeout"),
		MaxParallelRPCs:       v.GetInt("rpc.max_parallel"),
		AmendmentTimeout:      v.GetDuration("amendment.timeout"),
		MaxPendingAmendments:  v.GetInt("amendment.max_pending"),
		MaxRepeatedAmendments: v.GetInt("amendment.max_repeated"),
		ExpectationTimeout:    v.GetDuration("expectation.timeout"),
		MaxExpectations:       v.GetInt("expectation.max"),
		MaxRepeatedExpects:    v.GetInt("expectation.max_repeated"),
		ChunkCacheSize:        v.GetInt("chunkstore.cache_size"),
		Capacity:              capacity,
		KeyFile:               v.GetString("vault.key_file"),
		LevelDBPath:           v.GetString("leveldb.path"),
		Port:                  v.GetInt("server.port"),
		AppLogFile:            v.GetString("log.app_log_file"),
		LogLevel:              v.GetString("log.level"),
		Peers:                 peers,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the quorum arithmetic cannot work with.
func (c *Config) Validate() error {
	if c.K < 1 {
		return fmt.Errorf("kademlia.k must be positive, got %d", c.K)
	}
	if c.MinSuccessfulPercent <= 0 || c.MinSuccessfulPercent > 1 {
		return fmt.Errorf("kademlia.min_successful_percentage_store out of range: %v", c.MinSuccessfulPercent)
	}
	if c.TrustPercent <= 0 || c.TrustPercent > 1 {
		return fmt.Errorf("kademlia.trust_percentage out of range: %v", c.TrustPercent)
	}
	if c.MinChunkCopies < 1 {
		return fmt.Errorf("chunkinfo.min_chunk_copies must be positive, got %d", c.MinChunkCopies)
	}
	if c.MaxWatchCopies < c.MinChunkCopies {
		return fmt.Errorf("chunkinfo.max_watch_copies (%d) below min_chunk_copies (%d)", c.MaxWatchCopies, c.MinChunkCopies)
	}
	if c.MaxParallelRPCs < 1 {
		return fmt.Errorf("rpc.max_parallel must be positive, got %d", c.MaxParallelRPCs)
	}
	return nil
}

// StoreThreshold is the number of agreeing holders a store-class operation needs.
func (c *Config) StoreThreshold() int {
	t := int(math.Floor(float64(c.K) * c.MinSuccessfulPercent))
	if t < 1 {
		return 1
	}
	return t
}

// TrustThreshold is the signed margin a trust-class operation needs. It never
// exceeds the store threshold.
func (c *Config) TrustThreshold() int {
	if c.TrustPercent >= c.MinSuccessfulPercent {
		return c.StoreThreshold()
	}
	t := int(math.Floor(float64(c.K) * c.TrustPercent))
	if t < 1 {
		return 1
	}
	return t
}
