// Package config loads ephysd's process-level settings: the ports it
// listens/publishes on, where it stores sessions, and which macro file
// (if any) to run at startup. It does not touch the domain grammars
// (macros.cfg, device layout) those remain internal/macro's and
// internal/devicecfg's own line-oriented parsers (SPEC_FULL "viper only owns
// process-level settings"). Grounded on dastard's rpc_server.go, which
// reads `viper.UnmarshalKey` against a config file already loaded by
// cobra/viper elsewhere in that binary; here cmd/ephysd owns that
// bootstrap directly since there is no cobra root command to do it.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Settings is the process-level configuration ephysd needs before it
// can open any hardware or start listening.
type Settings struct {
	RPCPort            int    `mapstructure:"rpc_port"`
	PublishEventsPort  int    `mapstructure:"publish_events_port"`
	PublishStimuliPort int    `mapstructure:"publish_stimuli_port"`
	EventsHostname     string `mapstructure:"events_hostname"`
	StimuliHostname    string `mapstructure:"stimuli_hostname"`

	PersistRoot          string `mapstructure:"persist_root"`
	PersistTemplate      string `mapstructure:"persist_template"`
	PersistHighWaterMark int    `mapstructure:"persist_high_water_mark"`

	DataPath    string `mapstructure:"data_path"`
	DefaultPath string `mapstructure:"default_path"`

	DeviceConfig string `mapstructure:"device_config"`
	MacroConfig  string `mapstructure:"macro_config"`

	Simulate   bool   `mapstructure:"simulate"`
	NoSave     bool   `mapstructure:"no_save"`
	StartMacro string `mapstructure:"start_macro"`
}

func defaults() Settings {
	return Settings{
		RPCPort:              5500,
		PublishEventsPort:    5556,
		PublishStimuliPort:   5557,
		PersistRoot:          "./data",
		PersistTemplate:      "%Y/%m/%d",
		PersistHighWaterMark: 1024,
		DataPath:             "./data",
		DefaultPath:          "./default",
		DeviceConfig:         "device.cfg",
		MacroConfig:          "macros.cfg",
	}
}

// Flags are the CLI-bound overrides cmd/ephysd parses with the stdlib
// flag package and pushes into viper with viper.Set (SPEC_FULL
// "pflag-free flag.FlagSet... dastard does plain flag + viper.Set").
// Any field left at its zero value does not override the config file.
type Flags struct {
	Simulate   bool
	NoSave     bool
	StartMacro string
}

// Load reads config.yaml from dir (if present), applies EPHYSD_* env
// overrides, then layers flags on top, matching dastard's
// viper.ConfigFileUsed()-then-UnmarshalKey pattern but against a single
// top-level Settings blob rather than per-source sections.
func Load(dir string, flags Flags) (Settings, error) {
	v := viper.New()
	for key, val := range defaultsAsMap() {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix("EPHYSD")
	v.AutomaticEnv()

	if dir != "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Settings{}, fmt.Errorf("config: reading %s: %w", dir, err)
			}
		}
	}

	if flags.Simulate {
		v.Set("simulate", true)
	}
	if flags.NoSave {
		v.Set("no_save", true)
	}
	if flags.StartMacro != "" {
		v.Set("start_macro", flags.StartMacro)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return s, nil
}

func defaultsAsMap() map[string]interface{} {
	d := defaults()
	return map[string]interface{}{
		"rpc_port":                 d.RPCPort,
		"publish_events_port":      d.PublishEventsPort,
		"publish_stimuli_port":     d.PublishStimuliPort,
		"persist_root":             d.PersistRoot,
		"persist_template":         d.PersistTemplate,
		"persist_high_water_mark":  d.PersistHighWaterMark,
		"data_path":                d.DataPath,
		"default_path":             d.DefaultPath,
		"device_config":            d.DeviceConfig,
		"macro_config":             d.MacroConfig,
	}
}
