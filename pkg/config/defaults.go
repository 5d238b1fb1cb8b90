package config

import (
	"time"

	"github.com/spf13/viper"
	tablesparams "github.com/treeverse/tables/pkg/tables/params"
)

const (
	ListenAddressKey     = "listen_address"
	DefaultListenAddress = "0.0.0.0:8010"

	LoggingFormatKey            = "logging.format"
	DefaultLoggingFormat        = "text"
	LoggingLevelKey             = "logging.level"
	DefaultLoggingLevel         = "INFO"
	LoggingOutputKey            = "logging.output"
	DefaultLoggingOutput        = "-"
	LoggingFileMaxSizeMBKey     = "logging.file_max_size_mb"
	DefaultLoggingFileMaxSizeMB = 100
	LoggingFilesKeepKey         = "logging.files_keep"
	DefaultLoggingFilesKeep     = 10

	DatabasePostgresConnectionStringKey = "database.postgres.connection_string"

	DatabasePostgresMaxOpenConnectionsKey     = "database.postgres.max_open_connections"
	DefaultDatabasePostgresMaxOpenConnections = 25

	DatabasePostgresMaxIdleConnectionsKey     = "database.postgres.max_idle_connections"
	DefaultDatabasePostgresMaxIdleConnections = 25

	PostgresConnectionMaxLifetimeKey     = "database.postgres.connection_max_lifetime"
	DefaultPostgresConnectionMaxLifetime = "5m"

	BlockstoreTypeKey     = "blockstore.type"
	DefaultBlockstoreType = "local"
	BlockstoreBucketKey   = "blockstore.bucket"

	BlockstoreLocalPathKey     = "blockstore.local.path"
	DefaultBlockstoreLocalPath = "~/tables/data/block"

	BlockstoreS3RegionKey     = "blockstore.s3.region"
	DefaultBlockstoreS3Region = "us-east-1"

	BlockstoreS3MaxRetriesKey     = "blockstore.s3.max_retries"
	DefaultBlockstoreS3MaxRetries = 5

	TablesLockTimeoutKey = "tables.lock_timeout"

	TablesCacheEnabledKey     = "tables.cache.enabled"
	DefaultTablesCacheEnabled = true

	TablesCacheTypeKey = "tables.cache.type"

	TablesCacheMaxBehindKey = "tables.cache.max_cache_behind"

	TablesCacheContentBytesKey     = "tables.cache.content_cache_bytes"
	DefaultTablesCacheContentBytes = 64 * 1024 * 1024

	TablesCacheChangeSizeKey     = "tables.cache.change_cache_size"
	DefaultTablesCacheChangeSize = 10_000

	TablesCacheChangeExpiryKey     = "tables.cache.change_cache_expiry"
	DefaultTablesCacheChangeExpiry = 10 * time.Minute

	TablesReconcilerWorkersKey     = "tables.reconciler.workers"
	DefaultTablesReconcilerWorkers = 4

	TablesReconcilerIntervalKey     = "tables.reconciler.interval"
	DefaultTablesReconcilerInterval = time.Minute

	TablesReconcilerBlobReadsPerSecondKey     = "tables.reconciler.blob_reads_per_second"
	DefaultTablesReconcilerBlobReadsPerSecond = 200

	TablesReconcilerBlobReadParallelismKey     = "tables.reconciler.blob_read_parallelism"
	DefaultTablesReconcilerBlobReadParallelism = 8
)

func setDefaults() {
	viper.SetDefault(ListenAddressKey, DefaultListenAddress)

	viper.SetDefault(LoggingFormatKey, DefaultLoggingFormat)
	viper.SetDefault(LoggingLevelKey, DefaultLoggingLevel)
	viper.SetDefault(LoggingOutputKey, DefaultLoggingOutput)
	viper.SetDefault(LoggingFileMaxSizeMBKey, DefaultLoggingFileMaxSizeMB)
	viper.SetDefault(LoggingFilesKeepKey, DefaultLoggingFilesKeep)

	viper.SetDefault(DatabasePostgresMaxOpenConnectionsKey, DefaultDatabasePostgresMaxOpenConnections)
	viper.SetDefault(DatabasePostgresMaxIdleConnectionsKey, DefaultDatabasePostgresMaxIdleConnections)
	viper.SetDefault(PostgresConnectionMaxLifetimeKey, DefaultPostgresConnectionMaxLifetime)

	viper.SetDefault(BlockstoreTypeKey, DefaultBlockstoreType)
	viper.SetDefault(BlockstoreLocalPathKey, DefaultBlockstoreLocalPath)
	viper.SetDefault(BlockstoreS3RegionKey, DefaultBlockstoreS3Region)
	viper.SetDefault(BlockstoreS3MaxRetriesKey, DefaultBlockstoreS3MaxRetries)

	viper.SetDefault(TablesLockTimeoutKey, tablesparams.DefaultLockTimeout)
	viper.SetDefault(TablesCacheEnabledKey, DefaultTablesCacheEnabled)
	viper.SetDefault(TablesCacheTypeKey, tablesparams.CacheTypeDB)
	viper.SetDefault(TablesCacheMaxBehindKey, tablesparams.DefaultMaxCacheBehind)
	viper.SetDefault(TablesCacheContentBytesKey, DefaultTablesCacheContentBytes)
	viper.SetDefault(TablesCacheChangeSizeKey, DefaultTablesCacheChangeSize)
	viper.SetDefault(TablesCacheChangeExpiryKey, DefaultTablesCacheChangeExpiry)
	viper.SetDefault(TablesReconcilerWorkersKey, DefaultTablesReconcilerWorkers)
	viper.SetDefault(TablesReconcilerIntervalKey, DefaultTablesReconcilerInterval)
	viper.SetDefault(TablesReconcilerBlobReadsPerSecondKey, DefaultTablesReconcilerBlobReadsPerSecond)
	viper.SetDefault(TablesReconcilerBlobReadParallelismKey, DefaultTablesReconcilerBlobReadParallelism)
}
