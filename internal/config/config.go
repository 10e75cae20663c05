package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/wb-go/wbf/zlog"
)

// Modes of the worker binary.
const (
	ModeHybrid  = "hybrid"  // monitor and worker pool in one process
	ModeWorker  = "worker"  // pool only, pulls tasks from the task service
	ModeMonitor = "monitor" // monitor only, creates tasks
)

// Task store backends of the task server.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds the main configuration for the application.
type Config struct {
	Mode           string `mapstructure:"mode" validate:"oneof=hybrid worker monitor"`
	WorkerID       string `mapstructure:"worker_id" validate:"required"`
	Sync           bool   `mapstructure:"sync"` // mirror raw data from upstream
	CompositesPath string `mapstructure:"composites_path" validate:"required"`

	Server      Server      `mapstructure:"server"`
	RawStorage  Storage     `mapstructure:"raw_storage"`
	TileStorage Storage     `mapstructure:"tile_storage"`
	Upstream    Storage     `mapstructure:"upstream"`
	TaskService TaskService `mapstructure:"task_service"`
	Kafka       Kafka       `mapstructure:"kafka"`
	Retry       Retry       `mapstructure:"retry"`
	Worker      Worker      `mapstructure:"worker"`
	Monitor     Monitor     `mapstructure:"monitor"`
	Mirror      Mirror      `mapstructure:"mirror"`
	Processor   Processor   `mapstructure:"processor"`
	Metrics     Metrics     `mapstructure:"metrics"`
	Store       Store       `mapstructure:"store"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort string `mapstructure:"http_port" validate:"required"` // HTTP address to listen on
}

// Storage holds configuration for one object storage bucket.
type Storage struct {
	Endpoint     string `mapstructure:"endpoint" validate:"required"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	BucketName   string `mapstructure:"bucket_name" validate:"required"`
	Region       string `mapstructure:"region"`
	UseSSL       bool   `mapstructure:"use_ssl"`
	Anonymous    bool   `mapstructure:"anonymous"`     // public buckets, no credentials
	CreateBucket bool   `mapstructure:"create_bucket"` // create the bucket if missing
}

// TaskService holds the location of the shared task list.
type TaskService struct {
	URL     string        `mapstructure:"url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Kafka holds configuration for the Kafka event topics. No brokers disables events.
type Kafka struct {
	Brokers       []string `mapstructure:"brokers"`        // List of Kafka broker addresses
	GroupID       string   `mapstructure:"group_id"`       // Consumer group ID
	TaskTopic     string   `mapstructure:"task_topic"`     // task created events
	ArtifactTopic string   `mapstructure:"artifact_topic"` // artifact published events
}

// Enabled reports whether any broker is configured.
func (k Kafka) Enabled() bool {
	return len(k.Brokers) > 0
}

// Retry defines retry policy configuration.
type Retry struct {
	Attempts int           `mapstructure:"attempts" validate:"gte=1"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`                     // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`                   // Backoff multiplier for delays
}

// Worker configures the worker pool and its feeder.
type Worker struct {
	Slots         int           `mapstructure:"slots" validate:"gte=1"`
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"gte=1"`
	RetryBoost    int           `mapstructure:"retry_boost"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
	QueueCapacity int           `mapstructure:"queue_capacity" validate:"gte=1"`
	PollInterval  time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// Monitor configures the polling loop.
type Monitor struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Window   time.Duration `mapstructure:"window" validate:"gt=0"` // trailing window of scenes considered
}

// Mirror configures the upstream raw data mirror.
type Mirror struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

// Processor configures compositing and tiling.
type Processor struct {
	ScratchDir  string `mapstructure:"scratch_dir"`
	Concurrency int    `mapstructure:"concurrency" validate:"gte=1"`
	TileSize    int    `mapstructure:"tile_size" validate:"gte=64"`
	PreviewSize int    `mapstructure:"preview_size" validate:"gte=64"`
}

// Metrics holds the Prometheus endpoint address. Empty disables it.
type Metrics struct {
	Addr string `mapstructure:"addr"`
}

// Store configures the task server's task store.
type Store struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=memory postgres redis"`
	StaleAfter    time.Duration `mapstructure:"stale_after" validate:"gt=0"` // in-progress lease
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	Database      Database      `mapstructure:"database"`
	Redis         Redis         `mapstructure:"redis"`
}

// Database holds database master and slave configuration.
type Database struct {
	Master DatabaseNode   `mapstructure:"master"`
	Slaves []DatabaseNode `mapstructure:"slaves"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DatabaseNode holds connection parameters for a single database node.
type DatabaseNode struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`
	Name    string `mapstructure:"name"`
	SSLMode string `mapstructure:"ssl_mode"`
}

// DSN returns the PostgreSQL DSN string for connecting to this database node.
func (n DatabaseNode) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		n.User, n.Pass, n.Host, n.Port, n.Name, n.SSLMode,
	)
}

// Redis holds the Redis task store connection.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeHybrid)
	v.SetDefault("worker_id", "")
	v.SetDefault("sync", false)
	v.SetDefault("composites_path", "./config/composites.yml")

	v.SetDefault("server.http_port", ":8080")

	v.SetDefault("raw_storage.endpoint", "localhost:9000")
	v.SetDefault("raw_storage.access_key", "")
	v.SetDefault("raw_storage.secret_key", "")
	v.SetDefault("raw_storage.bucket_name", "raw")
	v.SetDefault("raw_storage.region", "")
	v.SetDefault("raw_storage.use_ssl", false)
	v.SetDefault("raw_storage.anonymous", false)
	v.SetDefault("raw_storage.create_bucket", true)

	v.SetDefault("tile_storage.endpoint", "localhost:9000")
	v.SetDefault("tile_storage.access_key", "")
	v.SetDefault("tile_storage.secret_key", "")
	v.SetDefault("tile_storage.bucket_name", "tiles")
	v.SetDefault("tile_storage.region", "")
	v.SetDefault("tile_storage.use_ssl", false)
	v.SetDefault("tile_storage.anonymous", false)
	v.SetDefault("tile_storage.create_bucket", true)

	v.SetDefault("upstream.endpoint", "s3.amazonaws.com")
	v.SetDefault("upstream.access_key", "")
	v.SetDefault("upstream.secret_key", "")
	v.SetDefault("upstream.bucket_name", "noaa-himawari9")
	v.SetDefault("upstream.region", "us-east-1")
	v.SetDefault("upstream.use_ssl", true)
	v.SetDefault("upstream.anonymous", true)
	v.SetDefault("upstream.create_bucket", false)

	v.SetDefault("task_service.url", "http://localhost:8080")
	v.SetDefault("task_service.timeout", 10*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.group_id", "himawari-workers")
	v.SetDefault("kafka.task_topic", "himawari.tasks.created")
	v.SetDefault("kafka.artifact_topic", "himawari.artifacts.published")

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", time.Second)
	v.SetDefault("retry.backoff", 2.0)

	v.SetDefault("worker.slots", 2)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.retry_boost", 1)
	v.SetDefault("worker.task_timeout", 30*time.Minute)
	v.SetDefault("worker.queue_capacity", 4)
	v.SetDefault("worker.poll_interval", 30*time.Second)

	v.SetDefault("monitor.interval", time.Minute)
	v.SetDefault("monitor.window", 3*time.Hour)

	v.SetDefault("mirror.interval", time.Minute)

	v.SetDefault("processor.scratch_dir", "")
	v.SetDefault("processor.concurrency", 4)
	v.SetDefault("processor.tile_size", 256)
	v.SetDefault("processor.preview_size", 1024)

	v.SetDefault("metrics.addr", ":9100")

	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.stale_after", time.Hour)
	v.SetDefault("store.sweep_interval", 5*time.Minute)
	v.SetDefault("store.database.master.host", "localhost")
	v.SetDefault("store.database.master.port", "5432")
	v.SetDefault("store.database.master.user", "postgres")
	v.SetDefault("store.database.master.pass", "")
	v.SetDefault("store.database.master.name", "himawari")
	v.SetDefault("store.database.master.ssl_mode", "disable")
	v.SetDefault("store.database.max_open_conns", 10)
	v.SetDefault("store.database.max_idle_conns", 5)
	v.SetDefault("store.database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "himawari:")
}

// bindEnv binds credentials to their conventional environment variables.
func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"store.database.master.host": "DB_HOST",
		"store.database.master.port": "DB_PORT",
		"store.database.master.user": "DB_USER",
		"store.database.master.pass": "DB_PASSWORD",
		"store.database.master.name": "DB_NAME",
		"store.redis.password":       "REDIS_PASSWORD",
		"raw_storage.access_key":     "MINIO_ACCESS_KEY",
		"raw_storage.secret_key":     "MINIO_SECRET_KEY",
		"tile_storage.access_key":    "MINIO_ACCESS_KEY",
		"tile_storage.secret_key":    "MINIO_SECRET_KEY",
	}

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	return nil
}

// Flags registers the command-line flags of the binaries on fs.
func Flags(flags *pflag.FlagSet) {
	flags.String("config", "./config/config.yml", "path to the config file")
	flags.String("mode", ModeHybrid, "worker mode: hybrid, worker or monitor")
	flags.Bool("sync", false, "mirror raw data from the upstream bucket")
	flags.String("worker-id", "", "worker identifier (default hostname_pid)")
	flags.String("store", StoreMemory, "task store backend: memory, postgres or redis")
}

// Load reads the configuration from the file named by the --config flag,
// the environment and the remaining flags in args, in increasing precedence.
func Load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("himawari", pflag.ContinueOnError)
	Flags(flags)
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	path, _ := flags.GetString("config")
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing file leaves defaults, environment and flags.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := bindEnv(v); err != nil {
		return nil, err
	}

	for key, flag := range map[string]string{
		"mode":          "mode",
		"sync":          "sync",
		"worker_id":     "worker-id",
		"store.backend": "store",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads the configuration from args.
// It panics if the configuration cannot be loaded or is invalid.
func MustLoad(args []string) *Config {
	cfg, err := Load(args)
	if err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to load config")
	}
	return cfg
}

// defaultWorkerID is hostname_pid.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s_%d", host, os.Getpid())
}
