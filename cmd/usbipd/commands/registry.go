package commands

import (
	"github.com/spf13/viper"

	"github.com/benmcmorran/usbipd-win/registry"
)

// openRegistry opens the SQLite-backed share registry at the configured
// path. registry-path is bound directly from root.go's persistent flag, so
// this works for list/bind/unbind too, not just server.
func openRegistry() (*registry.Registry, error) {
	path := viper.GetString("registry-path")
	if path == "" {
		path = "usbipd.db"
	}
	store, err := registry.NewGORMStore(path)
	if err != nil {
		return nil, err
	}
	return registry.New(store), nil
}
