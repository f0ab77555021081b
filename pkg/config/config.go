package config

import "time"

// Config is the root application configuration. yaml and validate tags
// drive parsing and validation.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger" validate:"required"`
	Server  ServerConfig  `yaml:"http-server" validate:"required"`
	Storage `yaml:"storage" validate:"required"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type Storage struct {
	Memtable MemtableConfig `yaml:"memtable" validate:"required"`
	Cache    CacheConfig    `yaml:"cache" validate:"required"`
	Arena    ArenaConfig    `yaml:"arena" validate:"required"`
}

type MemtableConfig struct {
	FlushThresholdBytes int64 `yaml:"flush_threshold" validate:"required,min=1"`
	FlushChanBuffSize   int   `yaml:"flush_chan_buff_size" validate:"required,min=1"`
}

type CacheConfig struct {
	// Only one eviction decision in WideEvictionRatio may take a wide
	// partition over the strictly least recently used entry.
	WideEvictionRatio  uint32 `yaml:"wide_eviction_ratio" validate:"required,min=1"`
	WideThresholdBytes int64  `yaml:"wide_threshold" validate:"required,min=1"`
	// Partitions above the ceiling are cached as marker entries only and
	// served from the durable layer on every read.
	WideCacheCeilingBytes int64   `yaml:"wide_cache_ceiling" validate:"required,min=1"`
	EvictionPassRate      float64 `yaml:"eviction_pass_rate" validate:"required,gt=0"`
	EvictionPassBurst     int     `yaml:"eviction_pass_burst" validate:"required,min=1"`
}

type ArenaConfig struct {
	BudgetBytes int64 `yaml:"budget" validate:"required,min=1"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Storage: Storage{
			Memtable: MemtableConfig{
				FlushThresholdBytes: 4 << 20,
				FlushChanBuffSize:   3,
			},
			Cache: CacheConfig{
				WideEvictionRatio:     1000,
				WideThresholdBytes:    128 << 10,
				WideCacheCeilingBytes: 4 << 20,
				EvictionPassRate:      8,
				EvictionPassBurst:     2,
			},
			Arena: ArenaConfig{
				BudgetBytes: 64 << 20,
			},
		},
	}
}
