package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/config"
	"github.com/sushant-115/gojodtx/pkg/logger"
)

const envPrefix = "GOJODTX"

// Server-only keys. Everything else comes from config.DTXKeys.
const (
	keyConfigFile   = "config"
	keyAdminListen  = "admin.listen"
	keyMetricsAddr  = "telemetry.metrics_addr"
	keySampleRatio  = "telemetry.trace_sample_ratio"
	keyLogLevel     = "log.level"
	keyLogFormat    = "log.format"
	keyLogOutput    = "log.output"
	keyRecover      = "recover"
	defaultAdminAdr = "127.0.0.1:7401"
)

type serverConfig struct {
	adminListen string
	metricsAddr string
	sampleRatio float64
	recover     bool
	log         logger.Config
	values      map[string]any
}

// flagName maps a config key to its command-line flag.
func flagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// bindFlags declares one flag per DTX key plus the server flags and binds
// them all to v. DTX flags default to empty so the registry defaults apply.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()
	flags.StringP(keyConfigFile, "c", "", "path to a YAML/TOML/JSON config file")
	flags.String(flagName(keyAdminListen), defaultAdminAdr, "admin gRPC listen address")
	flags.String(flagName(keyMetricsAddr), "", "Prometheus /metrics listen address; empty disables telemetry")
	flags.Float64(flagName(keySampleRatio), 1, "fraction of traces sampled")
	flags.String(flagName(keyLogLevel), "info", "log level: debug, info, warn, error")
	flags.String(flagName(keyLogFormat), "json", "log format: json or console")
	flags.String(flagName(keyLogOutput), "stdout", "log output: stdout, stderr or a file path")
	flags.Bool(keyRecover, true, "replay the journal and catch up from peers on start")

	for _, k := range config.DTXKeys() {
		usage := k.Usage
		if k.Required {
			usage += " (required)"
		}
		flags.String(flagName(k.Name), "", usage)
	}

	for _, key := range []string{keyAdminListen, keyMetricsAddr, keySampleRatio, keyLogLevel, keyLogFormat, keyLogOutput, keyRecover} {
		if err := v.BindPFlag(key, flags.Lookup(flagName(key))); err != nil {
			return err
		}
	}
	if err := v.BindPFlag(keyConfigFile, flags.Lookup(keyConfigFile)); err != nil {
		return err
	}
	for _, k := range config.DTXKeys() {
		if err := v.BindPFlag(k.Name, flags.Lookup(flagName(k.Name))); err != nil {
			return err
		}
	}
	return nil
}

func loadConfigFile(v *viper.Viper) error {
	path := strings.TrimSpace(v.GetString(keyConfigFile))
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// resolveConfig collects the effective settings once flags, environment and
// the config file have been merged by v.
func resolveConfig(v *viper.Viper) (serverConfig, error) {
	if err := loadConfigFile(v); err != nil {
		return serverConfig{}, err
	}
	cfg := serverConfig{
		adminListen: v.GetString(keyAdminListen),
		metricsAddr: v.GetString(keyMetricsAddr),
		sampleRatio: v.GetFloat64(keySampleRatio),
		recover:     v.GetBool(keyRecover),
		log: logger.Config{
			Level:      v.GetString(keyLogLevel),
			Format:     v.GetString(keyLogFormat),
			OutputFile: v.GetString(keyLogOutput),
			Service:    "gojodtx",
		},
	}
	values, err := dtxValues(v)
	if err != nil {
		return serverConfig{}, err
	}
	cfg.values = values
	return cfg, nil
}

// dtxValues is the raw key/value map handed to the DTX config registry.
// Unset keys are left out so the registry applies its own defaults. The
// segment size also accepts human sizes such as "64MiB".
func dtxValues(v *viper.Viper) (map[string]any, error) {
	values := make(map[string]any)
	for _, k := range config.DTXKeys() {
		raw := v.Get(k.Name)
		switch t := raw.(type) {
		case nil:
			continue
		case string:
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if k.Name == config.JournalSegmentSize {
				size, err := humanize.ParseBytes(t)
				if err != nil {
					return nil, fmt.Errorf("parse %s: %w", config.JournalSegmentSize, err)
				}
				raw = int64(size)
			}
		}
		values[k.Name] = raw
	}
	return values, nil
}

// watchLogLevel re-reads log.level whenever the config file changes. Other
// settings need a restart.
func watchLogLevel(v *viper.Viper, level zap.AtomicLevel, log *zap.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		want := v.GetString(keyLogLevel)
		if err := level.UnmarshalText([]byte(want)); err != nil {
			log.Warn("ignoring log level from config", zap.String("file", e.Name), zap.String("level", want))
			return
		}
		log.Info("log level reloaded", zap.String("file", e.Name), zap.Stringer("level", level.Level()))
	})
	v.WatchConfig()
}
