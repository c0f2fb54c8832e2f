package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/tamer/internal/channel"
	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/logger"
	"codeberg.org/mutker/tamer/internal/sink"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile = "/etc/tamer/tamer.toml"
	DefaultEnvPrefix  = "TAMER"
	DefaultInterval   = time.Second
	DefaultLogLevel   = "info"
	DefaultPIDFile    = "/run/tamer/tamerctl.pid"
)

// Config holds everything tamerctl record needs.
type Config struct {
	Interval      time.Duration
	LogLevel      string
	Policy        string
	Sink          sink.Config
	MetricsListen string
	ProbeRuntime  bool
	ProbeGPU      bool
	PIDFile       string
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"interval":       "interval",
	"log-level":      "log_level",
	"policy":         "channels.policy",
	"sink":           "sink.kind",
	"output":         "sink.path",
	"compression":    "sink.compression",
	"async":          "sink.async",
	"queue-size":     "sink.queue_size",
	"batch-size":     "sink.batch_size",
	"batch-timeout":  "sink.batch_timeout",
	"metrics-listen": "metrics.listen",
	"runtime":        "probe.runtime",
	"gpu":            "probe.gpu",
	"pid-file":       "pid_file",
}

func setDefaults(v *viper.Viper) {
	sinkDefaults := sink.DefaultConfig()

	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("channels.policy", channel.PolicyCompact.String())
	v.SetDefault("sink.kind", string(sinkDefaults.Kind))
	v.SetDefault("sink.path", sinkDefaults.Path)
	v.SetDefault("sink.compression", sinkDefaults.Compression)
	v.SetDefault("sink.async", false)
	v.SetDefault("sink.queue_size", sinkDefaults.QueueSize)
	v.SetDefault("sink.batch_size", sinkDefaults.BatchSize)
	v.SetDefault("sink.batch_timeout", sinkDefaults.BatchTimeout)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("probe.runtime", true)
	v.SetDefault("probe.gpu", false)
	v.SetDefault("pid_file", DefaultPIDFile)
}

// Flags returns the flag set Load parses. Defaults shown in help come from
// the built-in defaults; files and the environment apply underneath flags
// that were not set explicitly.
func Flags(name string) *pflag.FlagSet {
	v := viper.New()
	setDefaults(v)

	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.String("config", "", "Configuration file (default "+DefaultConfigFile+")")
	flags.Duration("interval", v.GetDuration("interval"), "Interval between snapshots")
	flags.String("log-level", v.GetString("log_level"), "Log level: debug, info, warn or error")
	flags.String("policy", v.GetString("channels.policy"), "Disable policy: compact or keep")
	flags.String("sink", v.GetString("sink.kind"), "Sink kind: file, sqlite or memory")
	flags.StringP("output", "o", v.GetString("sink.path"), "Sink path")
	flags.String("compression", v.GetString("sink.compression"), "Recording compression: none, lz4 or zstd")
	flags.Bool("async", v.GetBool("sink.async"), "Deliver to the sink from a background queue")
	flags.Int("queue-size", v.GetInt("sink.queue_size"), "Async queue size")
	flags.Int("batch-size", v.GetInt("sink.batch_size"), "Frames per sqlite transaction")
	flags.Duration("batch-timeout", v.GetDuration("sink.batch_timeout"), "Maximum time frames stay buffered")
	flags.String("metrics-listen", v.GetString("metrics.listen"), "Address of the prometheus endpoint, empty to disable")
	flags.Bool("runtime", v.GetBool("probe.runtime"), "Record the Go runtime channel")
	flags.Bool("gpu", v.GetBool("probe.gpu"), "Record NVIDIA GPUs through NVML")
	flags.String("pid-file", v.GetString("pid_file"), "PID file path, empty to disable")
	return flags
}

// Load parses args and merges flags, environment, config file and defaults
// in that order of precedence.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	flags := Flags("tamerctl record")
	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, explicit := o.configPath, o.configPath != ""
	if flagPath, _ := flags.GetString("config"); flagPath != "" {
		path, explicit = flagPath, true
	} else if envPath := os.Getenv(o.envPrefix + "_CONFIG"); envPath != "" && !explicit {
		path, explicit = envPath, true
	}
	if path == "" {
		path = DefaultConfigFile
	}

	if err := readConfigFile(v, path, explicit); err != nil {
		return nil, err
	}

	cfg := &Config{
		Interval: v.GetDuration("interval"),
		LogLevel: v.GetString("log_level"),
		Policy:   v.GetString("channels.policy"),
		Sink: sink.Config{
			Kind:         sink.Kind(v.GetString("sink.kind")),
			Path:         v.GetString("sink.path"),
			Compression:  v.GetString("sink.compression"),
			Async:        v.GetBool("sink.async"),
			QueueSize:    v.GetInt("sink.queue_size"),
			BatchSize:    v.GetInt("sink.batch_size"),
			BatchTimeout: v.GetDuration("sink.batch_timeout"),
		},
		MetricsListen: v.GetString("metrics.listen"),
		ProbeRuntime:  v.GetBool("probe.runtime"),
		ProbeGPU:      v.GetBool("probe.gpu"),
		PIDFile:       v.GetString("pid_file"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string, explicit bool) error {
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.New().Wrap(errors.ErrReadConfig, err)
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return errors.New().Wrap(errors.ErrReadConfig, err)
	}
	return nil
}

// Validate checks every value and returns the first problem found.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval.String())
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := channel.ParsePolicy(c.Policy); err != nil {
		return err
	}
	if err := c.Sink.Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if !c.ProbeRuntime && !c.ProbeGPU {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "no probe enabled: set probe.runtime or probe.gpu")
	}
	return nil
}
