package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/morphicai/driftsync/internal/descriptor"
	"github.com/morphicai/driftsync/internal/record"
)

// appConfig is the file/env configuration for the daemon.
type appConfig struct {
	Database string `mapstructure:"database"`

	Remote struct {
		URL         string `mapstructure:"url"`
		RealtimeURL string `mapstructure:"realtime_url"`
		APIKey      string `mapstructure:"api_key"`
	} `mapstructure:"remote"`

	UserID      string `mapstructure:"user_id"`
	DebounceMs  int    `mapstructure:"debounce_ms"`
	MonitorPort int    `mapstructure:"monitor_port"`
	LogFile     string `mapstructure:"log_file"`
	Verbose     bool   `mapstructure:"verbose"`

	Tables []tableConfig `mapstructure:"tables"`
}

// tableConfig declares one synced table pair with verbatim field copies.
type tableConfig struct {
	Local           string   `mapstructure:"local"`
	Remote          string   `mapstructure:"remote"`
	RemotePK        string   `mapstructure:"remote_pk"`
	RemoteIDField   string   `mapstructure:"remote_id_field"`
	LocalTimestamp  string   `mapstructure:"local_timestamp"`
	RemoteTimestamp string   `mapstructure:"remote_timestamp"`
	SoftDeleteField string   `mapstructure:"soft_delete_field"`
	UserField       string   `mapstructure:"user_field"`
	Fields          []string `mapstructure:"fields"`

	UniqueKeys []struct {
		Local  string `mapstructure:"local"`
		Remote string `mapstructure:"remote"`
	} `mapstructure:"unique_keys"`
}

func loadConfig(path string) (*appConfig, error) {
	v := viper.New()
	v.SetDefault("database", "driftsync.db")
	v.SetDefault("debounce_ms", 3000)
	v.SetEnvPrefix("DRIFTSYNC")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("syncd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/driftsync")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg appConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Remote.URL == "" {
		return nil, fmt.Errorf("remote.url is required")
	}
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("at least one table must be configured")
	}
	return &cfg, nil
}

func (c *appConfig) debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// newLogger builds the daemon logger: a size-rotated file when configured,
// stderr when verbose, silent otherwise.
func newLogger(cfg *appConfig) *log.Logger {
	if cfg.LogFile != "" {
		return log.New(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}, "[syncd] ", log.LstdFlags)
	}
	if cfg.Verbose {
		return log.New(os.Stderr, "[syncd] ", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

// buildDescriptors turns table configs into sync descriptors with verbatim
// field mappings.
func buildDescriptors(cfg *appConfig) ([]*descriptor.Descriptor, error) {
	descs := make([]*descriptor.Descriptor, 0, len(cfg.Tables))
	for _, tc := range cfg.Tables {
		d, err := buildDescriptor(tc)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func buildDescriptor(tc tableConfig) (*descriptor.Descriptor, error) {
	remotePK := tc.RemotePK
	if remotePK == "" {
		remotePK = "id"
	}
	ridField := tc.RemoteIDField
	if ridField == "" {
		ridField = "remote_id"
	}
	localTS := tc.LocalTimestamp
	if localTS == "" {
		localTS = "updated_at"
	}
	remoteTS := tc.RemoteTimestamp
	if remoteTS == "" {
		remoteTS = "updated_at"
	}
	remote := tc.Remote
	if remote == "" {
		remote = tc.Local
	}

	fields := tc.Fields
	d := &descriptor.Descriptor{
		LocalTable:  tc.Local,
		RemoteTable: remote,
		Keys: descriptor.Keys{
			RemotePK:           remotePK,
			LocalRemoteIDField: ridField,
		},
		Timestamps:      descriptor.Timestamps{LocalField: localTS, RemoteField: remoteTS},
		SoftDeleteField: tc.SoftDeleteField,
		RemoteToLocal: func(row map[string]any, _ descriptor.Context) (map[string]any, error) {
			out := map[string]any{}
			for _, f := range fields {
				if v, ok := record.Get(row, f); ok {
					out[f] = v
				}
			}
			return out, nil
		},
		LocalToRemote: func(rec map[string]any, _ descriptor.Context) (map[string]any, error) {
			out := map[string]any{}
			for _, f := range fields {
				if v, ok := record.Get(rec, f); ok {
					out[f] = v
				}
			}
			out[remoteTS] = record.FormatISO(record.Timestamp(rec, localTS))
			return out, nil
		},
	}
	for _, uk := range tc.UniqueKeys {
		d.Keys.UniqueKeys = append(d.Keys.UniqueKeys, descriptor.UniqueKeySpec{
			LocalPath:  uk.Local,
			RemotePath: uk.Remote,
		})
	}
	if tc.UserField != "" {
		d.Scope = &descriptor.Scope{UserField: tc.UserField}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
