package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvPrefix prefixes every environment override, e.g. TOPCHEF_SERVER_ADDRESS.
const EnvPrefix = "TOPCHEF"

// Executor kinds.
const (
	ExecutorEcho    = "echo"
	ExecutorProcess = "process"
	ExecutorVsock   = "vsock"
)

// ErrInvalid is returned when a loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the worker configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Store    StoreConfig    `mapstructure:"store"`
	Status   StatusConfig   `mapstructure:"status"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig locates the TopChef server and the service to bind to.
type ServerConfig struct {
	Address           string        `mapstructure:"address" validate:"required,url"`
	ServiceID         string        `mapstructure:"service_id" validate:"omitempty,uuid"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	LegacyStatuses    bool          `mapstructure:"legacy_statuses"`
}

// WorkerConfig tunes the heartbeat and job loops.
type WorkerConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	JobTimeout        time.Duration `mapstructure:"job_timeout" validate:"gte=0"`
	StopGracePeriod   time.Duration `mapstructure:"stop_grace_period" validate:"gt=0"`
	RetryBatch        int           `mapstructure:"retry_batch" validate:"gt=0"`
}

// ExecutorConfig selects the engine that runs job bodies.
type ExecutorConfig struct {
	Kind      string   `mapstructure:"kind" validate:"oneof=echo process vsock"`
	Command   []string `mapstructure:"command"`
	Dir       string   `mapstructure:"dir"`
	VsockCID  uint32   `mapstructure:"vsock_cid" validate:"required_if=Kind vsock"`
	VsockPort uint32   `mapstructure:"vsock_port" validate:"gt=0"`
}

// StoreConfig points at the SQLite job history. An empty path disables the
// history and the submission outbox.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// StatusConfig configures the status API. An empty address disables it.
type StatusConfig struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"omitempty,hostname_port"`
}

// ArchiveConfig configures the S3 result archive. An empty bucket disables it.
type ArchiveConfig struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint" validate:"omitempty,url"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// LogConfig configures the slog logger.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address: "http://localhost:5000",
			Timeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			HeartbeatInterval: 30 * time.Second,
			PollInterval:      5 * time.Second,
			StopGracePeriod:   10 * time.Second,
			RetryBatch:        10,
		},
		Executor: ExecutorConfig{
			Kind:      ExecutorEcho,
			VsockPort: 1024,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"address":     "server.address",
	"service-id":  "server.service_id",
	"executor":    "executor.kind",
	"command":     "executor.command",
	"store":       "store.path",
	"status-addr": "status.listen_addr",
	"log-level":   "log.level",
	"log-format":  "log.format",
}

// Load builds the configuration from defaults, the optional file at path,
// TOPCHEF_* environment variables and the flags in fs, in increasing order of
// precedence. Only flags the user set override other sources.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToFieldsHook(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.service_id", d.Server.ServiceID)
	v.SetDefault("server.timeout", d.Server.Timeout)
	v.SetDefault("server.requests_per_second", d.Server.RequestsPerSecond)
	v.SetDefault("server.legacy_statuses", d.Server.LegacyStatuses)

	v.SetDefault("worker.heartbeat_interval", d.Worker.HeartbeatInterval)
	v.SetDefault("worker.poll_interval", d.Worker.PollInterval)
	v.SetDefault("worker.job_timeout", d.Worker.JobTimeout)
	v.SetDefault("worker.stop_grace_period", d.Worker.StopGracePeriod)
	v.SetDefault("worker.retry_batch", d.Worker.RetryBatch)

	v.SetDefault("executor.kind", d.Executor.Kind)
	v.SetDefault("executor.command", d.Executor.Command)
	v.SetDefault("executor.dir", d.Executor.Dir)
	v.SetDefault("executor.vsock_cid", d.Executor.VsockCID)
	v.SetDefault("executor.vsock_port", d.Executor.VsockPort)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("status.listen_addr", d.Status.ListenAddr)

	v.SetDefault("archive.bucket", d.Archive.Bucket)
	v.SetDefault("archive.prefix", d.Archive.Prefix)
	v.SetDefault("archive.region", d.Archive.Region)
	v.SetDefault("archive.endpoint", d.Archive.Endpoint)
	v.SetDefault("archive.force_path_style", d.Archive.ForcePathStyle)
	v.SetDefault("archive.access_key_id", d.Archive.AccessKeyID)
	v.SetDefault("archive.secret_access_key", d.Archive.SecretAccessKey)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

// stringToFieldsHook splits a command line such as "python3 run.py" given
// through the environment into its words.
func stringToFieldsHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}
		return strings.Fields(data.(string)), nil
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		return name
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		e := sl.Current().Interface().(ExecutorConfig)
		if e.Kind == ExecutorProcess && len(e.Command) == 0 {
			sl.ReportError(e.Command, "command", "Command", "required_if", "kind process")
		}
	}, ExecutorConfig{})
	return v
}

// Validate checks field constraints. The error lists every offending key.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		key := fe.Namespace()
		if _, rest, ok := strings.Cut(key, "."); ok {
			key = rest
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", key, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", key, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Logger builds the logger described by c. Output goes to fallback unless a
// log file is configured, in which case the file is rotated by size and the
// returned closer must be closed on exit.
func (c LogConfig) Logger(fallback io.Writer) (*slog.Logger, io.Closer) {
	w := fallback
	var closer io.Closer = io.NopCloser(nil)
	if c.File != "" {
		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    max(c.MaxSizeMB, 1),
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   c.Compress,
		}
		w, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(c.Level)}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), closer
	}
	return NewLogger(w, opts.Level.Level()), closer
}
