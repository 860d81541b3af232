// SPDX-License-Identifier: GPL-2.0-only

// Package config layers flag, environment, and file configuration: pflag
// registers the flags, viper binds them, AutomaticEnv with a "."/"-" -> "_"
// replacer overlays the environment, and an optional config file sits
// underneath both.
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogLevelAll   = "all"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
	LogLevelNone  = "none"

	defaultListen   = ":3240"
	defaultHTTPAddr = ":3241"
	defaultLogLevel = LogLevelInfo
)

var AvailableLogLevels = strings.Join([]string{
	LogLevelAll, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelNone,
}, ", ")

// Register defines every flag the server command accepts and binds them
// into viper; callers (cmd/usbipd/commands) invoke this once, from a
// *pflag.FlagSet owned by the server subcommand.
// Register does not define registry-path: that flag is a persistent root
// flag shared by list/bind/unbind/server (see cmd/usbipd/commands/root.go).
func Register(fs *flag.FlagSet) {
	fs.String("listen", defaultListen, "TCP address to accept USB/IP client connections on.")
	fs.String("http-listen", defaultHTTPAddr, "Address to serve /health and /metrics on.")
	fs.String("log-level", defaultLogLevel, fmt.Sprintf("Log level to use. Possible values: %s", AvailableLogLevels))
}

// Load binds fs into viper and layers an optional config file and the
// environment on top.
func Load(fs *flag.FlagSet, cfgFile string) error {
	if err := viper.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("usbipd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbipd/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// ApplyOverrides parses "key=value" pairs (the `server k=v ...` trailing
// arguments on the CLI surface) directly into viper, layered above the
// file/env/flag defaults already bound by Load.
func ApplyOverrides(pairs []string) error {
	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("invalid override %q, expected key=value", pair)
		}
		viper.Set(kv[0], kv[1])
	}
	return nil
}

func Listen() string       { return viper.GetString("listen") }
func HTTPListen() string   { return viper.GetString("http-listen") }
func LogLevel() string     { return viper.GetString("log-level") }
func RegistryPath() string { return viper.GetString("registry-path") }

// ShareEntry is a config-declared share, decoded from the optional "shares"
// list in the config file. It mirrors registry.ShareRecord's shape without
// importing the registry package, so callers do their own conversion.
type ShareEntry struct {
	BusID        string `mapstructure:"bus_id"`
	GUID         string `mapstructure:"guid"`
	FriendlyName string `mapstructure:"friendly_name"`
}

// Shares decodes the "shares" config key into a slice of ShareEntry. Viper
// already merged file/env/flag layers by the time Load returns, but flags
// and env can't express a list of structs, so this only ever reads from
// the config file layer. A missing key decodes to an empty slice, not an
// error.
func Shares() ([]ShareEntry, error) {
	raw := viper.Get("shares")
	if raw == nil {
		return nil, nil
	}
	var entries []ShareEntry
	if err := mapstructure.Decode(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode shares: %w", err)
	}
	return entries, nil
}
