package config

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	blockparams "github.com/treeverse/tables/pkg/block/params"
	dbparams "github.com/treeverse/tables/pkg/db/params"
	"github.com/treeverse/tables/pkg/logging"
	tablesparams "github.com/treeverse/tables/pkg/tables/params"
)

var (
	ErrBadConfiguration    = errors.New("bad configuration")
	ErrMissingRequiredKeys = fmt.Errorf("%w: missing required keys", ErrBadConfiguration)
	ErrInvalidCacheType    = fmt.Errorf("%w: invalid tables.cache.type", ErrBadConfiguration)
	ErrNegativeCacheBehind = fmt.Errorf("%w: tables.cache.max_cache_behind must not be negative", ErrBadConfiguration)
)

type configuration struct {
	ListenAddress string `mapstructure:"listen_address"`

	Logging struct {
		Format        string  `mapstructure:"format"`
		Level         string  `mapstructure:"level"`
		Output        Strings `mapstructure:"output"`
		FileMaxSizeMB int     `mapstructure:"file_max_size_mb"`
		FilesKeep     int     `mapstructure:"files_keep"`
	} `mapstructure:"logging"`

	Database struct {
		Postgres struct {
			ConnectionString      SecureString  `mapstructure:"connection_string" validate:"required"`
			MaxOpenConnections    int32         `mapstructure:"max_open_connections"`
			MaxIdleConnections    int32         `mapstructure:"max_idle_connections"`
			ConnectionMaxLifetime time.Duration `mapstructure:"connection_max_lifetime"`
		} `mapstructure:"postgres"`
	} `mapstructure:"database"`

	Blockstore struct {
		Type   string `mapstructure:"type" validate:"required"`
		Bucket string `mapstructure:"bucket" validate:"required"`
		Local  struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"local"`
		S3 struct {
			Region         string `mapstructure:"region"`
			Endpoint       string `mapstructure:"endpoint"`
			ForcePathStyle bool   `mapstructure:"force_path_style"`
			MaxRetries     int    `mapstructure:"max_retries"`
			Credentials    struct {
				AccessKeyID     SecureString `mapstructure:"access_key_id"`
				SecretAccessKey SecureString `mapstructure:"secret_access_key"`
			} `mapstructure:"credentials"`
		} `mapstructure:"s3"`
	} `mapstructure:"blockstore"`

	Tables struct {
		LockTimeout time.Duration `mapstructure:"lock_timeout"`
		Cache       struct {
			Enabled           bool          `mapstructure:"enabled"`
			Type              string        `mapstructure:"type"`
			MaxCacheBehind    int64         `mapstructure:"max_cache_behind"`
			ContentCacheBytes int64         `mapstructure:"content_cache_bytes"`
			ChangeCacheSize   int           `mapstructure:"change_cache_size"`
			ChangeCacheExpiry time.Duration `mapstructure:"change_cache_expiry"`
		} `mapstructure:"cache"`
		Reconciler struct {
			Workers             int           `mapstructure:"workers"`
			Interval            time.Duration `mapstructure:"interval"`
			BlobReadsPerSecond  int           `mapstructure:"blob_reads_per_second"`
			BlobReadParallelism int           `mapstructure:"blob_read_parallelism"`
		} `mapstructure:"reconciler"`
	} `mapstructure:"tables"`
}

type Config struct {
	values configuration
}

// NewConfig reads the configuration currently loaded into viper
func NewConfig() (*Config, error) {
	c := &Config{}

	// Inform viper of all expected fields, otherwise it cannot read them from the environment
	keys := GetStructKeys(reflect.TypeOf(c.values), "mapstructure", "squash")
	for _, key := range keys {
		viper.SetDefault(key, nil)
	}
	setDefaults()

	err := viper.UnmarshalExact(&c.values, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			DecodeStrings, mapstructure.StringToTimeDurationHookFunc())))
	if err != nil {
		return nil, err
	}
	setupLogger(c)
	return c, nil
}

func setupLogger(c *Config) {
	logging.SetOutputFormat(c.values.Logging.Format)
	logging.SetOutputs(c.values.Logging.Output, c.values.Logging.FileMaxSizeMB, c.values.Logging.FilesKeep)
	logging.SetLevel(c.values.Logging.Level)
}

func (c *Config) Validate() error {
	missingKeys := ValidateMissingRequiredKeys(c.values, "mapstructure", "squash")
	if len(missingKeys) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingRequiredKeys, missingKeys)
	}
	switch c.values.Tables.Cache.Type {
	case tablesparams.CacheTypeDB, tablesparams.CacheTypeMem:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidCacheType, c.values.Tables.Cache.Type)
	}
	if c.values.Tables.Cache.MaxCacheBehind < 0 {
		return ErrNegativeCacheBehind
	}
	return nil
}

func (c *Config) GetListenAddress() string {
	return c.values.ListenAddress
}

func (c *Config) GetDatabaseParams() dbparams.Database {
	return dbparams.Database{
		ConnectionString:      c.values.Database.Postgres.ConnectionString.SecureValue(),
		MaxOpenConnections:    c.values.Database.Postgres.MaxOpenConnections,
		MaxIdleConnections:    c.values.Database.Postgres.MaxIdleConnections,
		ConnectionMaxLifetime: c.values.Database.Postgres.ConnectionMaxLifetime,
		MetricsLabel:          "tables",
	}
}

func (c *Config) BlockstoreType() string {
	return c.values.Blockstore.Type
}

func (c *Config) BlockstoreLocalParams() (blockparams.Local, error) {
	return blockparams.Local{Path: c.values.Blockstore.Local.Path}, nil
}

func (c *Config) BlockstoreS3Params() (blockparams.S3, error) {
	s3 := c.values.Blockstore.S3
	return blockparams.S3{
		Region:          s3.Region,
		Endpoint:        s3.Endpoint,
		ForcePathStyle:  s3.ForcePathStyle,
		AccessKeyID:     s3.Credentials.AccessKeyID.SecureValue(),
		SecretAccessKey: s3.Credentials.SecretAccessKey.SecureValue(),
		MaxRetries:      s3.MaxRetries,
	}, nil
}

func (c *Config) GetTablesParams() tablesparams.Tables {
	t := c.values.Tables
	return tablesparams.Tables{
		Bucket:      c.values.Blockstore.Bucket,
		LockTimeout: t.LockTimeout,
		Cache: tablesparams.Cache{
			Enabled:           t.Cache.Enabled,
			Type:              t.Cache.Type,
			MaxCacheBehind:    t.Cache.MaxCacheBehind,
			ContentCacheBytes: t.Cache.ContentCacheBytes,
			ChangeCacheSize:   t.Cache.ChangeCacheSize,
			ChangeCacheExpiry: t.Cache.ChangeCacheExpiry,
		},
		Reconciler: tablesparams.Reconciler{
			Workers:             t.Reconciler.Workers,
			Interval:            t.Reconciler.Interval,
			BlobReadsPerSecond:  t.Reconciler.BlobReadsPerSecond,
			BlobReadParallelism: t.Reconciler.BlobReadParallelism,
		},
	}
}
