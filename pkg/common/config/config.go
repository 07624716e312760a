// Package config loads the store configuration from a YAML file and
// MESH_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/meshworks/mesh-memory/pkg/memory/document"
	"github.com/meshworks/mesh-memory/pkg/memory/dynamo"
	"github.com/meshworks/mesh-memory/pkg/memory/postgres"
	"github.com/meshworks/mesh-memory/pkg/memory/search"
	"github.com/meshworks/mesh-memory/pkg/memory/sqlite"
	"github.com/meshworks/mesh-memory/pkg/observability"
)

// Store type names accepted in store_type
const (
	StoreTypeHybrid          = "hybrid"
	StoreTypeEmbeddedFile    = "embeddedFile"
	StoreTypeEmbeddedDoc     = "embeddedDoc"
	StoreTypeRelational      = "relational"
	StoreTypeDocumentService = "documentService"
	StoreTypeCache           = "cache"
	StoreTypeInMemory        = "inMemory"
)

// Provider names accepted in vector_search_provider
const (
	ProviderCache        = "cache"
	ProviderVectorDB     = "vectorDb"
	ProviderRelational   = "relational"
	ProviderHTTPVectorDB = "httpVectorDb"
	ProviderAINative     = "aiNative"
)

// Config holds the complete store configuration
type Config struct {
	// StoreType selects the MemoryStore implementation
	StoreType string `mapstructure:"store_type"`
	// VectorSearchProvider selects the provider for cache-backed stores
	VectorSearchProvider string `mapstructure:"vector_search_provider"`
	// PreferCacheForRetrieval flips the hybrid read order
	PreferCacheForRetrieval bool `mapstructure:"prefer_cache_for_retrieval"`
	// VectorDimension is pushed into every backend that indexes vectors
	VectorDimension int `mapstructure:"vector_dimension"`

	SQLite   sqlite.Config       `mapstructure:"sqlite"`
	Badger   document.Config     `mapstructure:"badger"`
	Postgres postgres.Config     `mapstructure:"postgres"`
	Dynamo   dynamo.Config       `mapstructure:"dynamo"`
	Redis    search.RedisConfig  `mapstructure:"redis"`
	Qdrant   search.QdrantConfig `mapstructure:"qdrant"`
	Milvus   search.MilvusConfig `mapstructure:"milvus"`
	Chroma   search.ChromaConfig `mapstructure:"chroma"`

	Logging observability.LoggingConfig `mapstructure:"logging"`
}

// Load reads configuration from file and environment variables.
// The config file path comes from MESH_CONFIG_FILE, defaulting to
// configs/config.yaml; a missing file is fine when the environment
// carries the settings.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("MESH_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	processEnvExpansion(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.propagateDimension()
	return &config, nil
}

// propagateDimension copies the top-level vector dimension into every
// backend block that did not set its own.
func (c *Config) propagateDimension() {
	if c.VectorDimension <= 0 {
		return
	}
	if c.Postgres.Dimension == 0 {
		c.Postgres.Dimension = c.VectorDimension
	}
	if c.Redis.Dimension == 0 {
		c.Redis.Dimension = c.VectorDimension
	}
	if c.Qdrant.Dimension == 0 {
		c.Qdrant.Dimension = c.VectorDimension
	}
	if c.Milvus.Dimension == 0 {
		c.Milvus.Dimension = c.VectorDimension
	}
	if c.Chroma.Dimension == 0 {
		c.Chroma.Dimension = c.VectorDimension
	}
}

// processEnvExpansion expands ${VAR} and ${VAR:-default} references in
// string config values.
func processEnvExpansion(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if value == "" {
			continue
		}
		if strings.Contains(value, "${") && strings.Contains(value, "}") {
			expanded := expandEnvVars(value)
			if expanded != value {
				v.Set(key, expanded)
			}
		}
	}
}

func expandEnvVars(value string) string {
	result := value
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}") + start
		if end < start {
			break
		}

		varRef := result[start+2 : end]
		var envVar, defaultVal string
		if strings.Contains(varRef, ":-") {
			parts := strings.SplitN(varRef, ":-", 2)
			envVar = parts[0]
			defaultVal = parts[1]
		} else {
			envVar = varRef
		}

		envVal := os.Getenv(envVar)
		if envVal == "" && defaultVal != "" {
			envVal = defaultVal
		}
		result = result[:start] + envVal + result[end+1:]
	}
	return result
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_type", StoreTypeHybrid)
	v.SetDefault("vector_search_provider", ProviderCache)
	v.SetDefault("prefer_cache_for_retrieval", false)
	v.SetDefault("vector_dimension", 1536)

	v.SetDefault("sqlite.path", "mesh_memory.db")
	v.SetDefault("sqlite.busy_timeout_ms", int((5 * time.Second).Milliseconds()))

	v.SetDefault("badger.dir", "mesh_memory_badger")

	v.SetDefault("postgres.max_open_conns", 25)

	v.SetDefault("dynamo.table", dynamo.DefaultTable)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.index_name", search.DefaultRedisIndex)

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", search.DefaultQdrantCollection)

	v.SetDefault("milvus.endpoint", "http://localhost:19530")
	v.SetDefault("milvus.collection", search.DefaultMilvusCollection)

	v.SetDefault("chroma.endpoint", "http://localhost:8000")
	v.SetDefault("chroma.collection", search.DefaultChromaCollection)

	v.SetDefault("logging.level", "info")
}
