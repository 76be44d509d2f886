package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Ring struct {
		GossipInterval time.Duration `mapstructure:"gossip_interval"`
		PingTimeout    time.Duration `mapstructure:"ping_timeout"`
		ResyncTimeout  time.Duration `mapstructure:"resync_timeout"`
		IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
		HealWait       time.Duration `mapstructure:"heal_wait"`
	} `mapstructure:"ring"`

	Storage struct {
		Root string `mapstructure:"root"`
	} `mapstructure:"storage"`

	Gateway struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
		CacheDB      string        `mapstructure:"cache_db"`
	} `mapstructure:"gateway"`

	LogLevel string `mapstructure:"log_level"`
}

func Load(path string) (*Config, error) {
	v := viper.New()

	// ➊ YAML file (optional)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	// ➋ ENV overrides — e.g. OURO_RING_GOSSIP_INTERVAL=2s
	v.SetEnvPrefix("OURO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// ➌ Hard defaults
	v.SetDefault("ring.gossip_interval", "5s")
	v.SetDefault("ring.ping_timeout", "2s")
	v.SetDefault("ring.resync_timeout", "5s")
	v.SetDefault("ring.idle_timeout", "30s")
	v.SetDefault("ring.heal_wait", "30s")
	v.SetDefault("storage.root", "nodes")
	v.SetDefault("gateway.poll_interval", "10s")
	v.SetDefault("gateway.cache_db", "")
	v.SetDefault("log_level", "info")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
