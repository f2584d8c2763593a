// Package config loads InfoMesh node configuration from a file, the
// environment, and built-in defaults, matching the recognized keys in
// spec §6.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Role selects a node's orchestration mode, per spec §4.18.
type Role string

const (
	RoleFull    Role = "full"
	RoleCrawler Role = "crawler"
	RoleSearch  Role = "search"
)

// Config is the unified configuration for a node.
type Config struct {
	Node struct {
		Role          Role   `mapstructure:"role"`
		DataDir       string `mapstructure:"data_dir"`
		ListenAddress string `mapstructure:"listen_address"`
		ListenPort    int    `mapstructure:"listen_port"`
		// OwnerEmail identifies the person running this node for credit
		// sync (§4.16); only its sha256 hash ever goes on the wire.
		// Empty disables credit sync entirely.
		OwnerEmail string `mapstructure:"owner_email"`
	} `mapstructure:"node"`

	Network struct {
		BootstrapNodes     []string `mapstructure:"bootstrap_nodes"`
		PeerACL            []string `mapstructure:"peer_acl"`
		IndexSubmitPeers   []string `mapstructure:"index_submit_peers"`
		ReplicationFactor  int      `mapstructure:"replication_factor"`
		SubnetMaxPerBucket int      `mapstructure:"subnet_max_per_bucket"`
		UploadLimitMbps    float64  `mapstructure:"upload_limit_mbps"`
		DownloadLimitMbps  float64  `mapstructure:"download_limit_mbps"`
		// PowDifficultyBits is the minimum leading-zero-bit count a node's
		// proof of work must reach before its routing node id is accepted,
		// per spec §3/§4.14.
		PowDifficultyBits int `mapstructure:"pow_difficulty_bits"`
	} `mapstructure:"network"`

	Crawl struct {
		UserAgent        string  `mapstructure:"user_agent"`
		PolitenessDelay  float64 `mapstructure:"politeness_delay"`
		URLsPerHour      int     `mapstructure:"urls_per_hour"`
		PendingPerDomain int     `mapstructure:"pending_per_domain"`
		MaxDepth         int     `mapstructure:"max_depth"`
		RespectRobots    bool    `mapstructure:"respect_robots"`
		MaxConcurrent    int     `mapstructure:"max_concurrent"`
		// SeedURLs and SeedCategory drive the continuous crawl loop's
		// initial seeding and idle re-seeding (§4.18). SeedCategory is a
		// label only (one of node.Categories); the URLs themselves
		// always come from SeedURLs.
		SeedURLs     []string `mapstructure:"seed_urls"`
		SeedCategory string   `mapstructure:"seed_category"`
	} `mapstructure:"crawl"`

	Index struct {
		DBPath         string `mapstructure:"db_path"`
		FTSTokenizer   string `mapstructure:"fts_tokenizer"`
		VectorSearch   bool   `mapstructure:"vector_search"`
		EmbeddingModel string `mapstructure:"embedding_model"`
		MaxDocSizeKB   int    `mapstructure:"max_doc_size_kb"`
	} `mapstructure:"index"`

	Storage struct {
		CompressionEnabled bool `mapstructure:"compression_enabled"`
		CompressionLevel   int  `mapstructure:"compression_level"`
		CacheTTLDays       int  `mapstructure:"cache_ttl_days"`
	} `mapstructure:"storage"`
}

// setDefaults fixes the values spec §6 calls out explicitly ("default
// 3" for replication_factor and subnet_max_per_bucket, 0 disabling the
// bandwidth limits) before a config file or environment overrides them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("node.role", RoleFull)
	v.SetDefault("node.data_dir", ".infomesh")
	v.SetDefault("node.listen_address", "0.0.0.0")
	v.SetDefault("node.listen_port", 4001)

	v.SetDefault("network.bootstrap_nodes", []string{"default"})
	v.SetDefault("network.replication_factor", 3)
	v.SetDefault("network.subnet_max_per_bucket", 3)
	v.SetDefault("network.upload_limit_mbps", 0.0)
	v.SetDefault("network.download_limit_mbps", 0.0)
	v.SetDefault("network.pow_difficulty_bits", 20)

	v.SetDefault("crawl.user_agent", "InfoMeshBot/1.0")
	v.SetDefault("crawl.politeness_delay", 1.0)
	v.SetDefault("crawl.urls_per_hour", 3600)
	v.SetDefault("crawl.pending_per_domain", 50)
	v.SetDefault("crawl.max_depth", 5)
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.max_concurrent", 10)
	v.SetDefault("crawl.seed_category", "tech-docs")

	v.SetDefault("index.db_path", "index.db")
	v.SetDefault("index.fts_tokenizer", "unicode61")
	v.SetDefault("index.vector_search", false)
	v.SetDefault("index.max_doc_size_kb", 2048)

	v.SetDefault("storage.compression_enabled", true)
	v.SetDefault("storage.compression_level", 3)
	v.SetDefault("storage.cache_ttl_days", 30)
}

// Load reads configPath (if non-empty) as a viper config file, merges
// INFOMESH_-prefixed environment variables, and unmarshals the result
// over the defaults above.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("infomesh")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.Node.Role {
	case RoleFull, RoleCrawler, RoleSearch:
	default:
		return fmt.Errorf("config: invalid node.role %q (must be full, crawler, or search)", cfg.Node.Role)
	}
	switch cfg.Index.FTSTokenizer {
	case "unicode61", "ascii", "porter", "trigram":
	default:
		return fmt.Errorf("config: invalid index.fts_tokenizer %q", cfg.Index.FTSTokenizer)
	}
	return nil
}
