package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appconfig "github.com/benmcmorran/usbipd-win/config"
	"github.com/benmcmorran/usbipd-win/metrics"
	"github.com/benmcmorran/usbipd-win/registry"
	"github.com/benmcmorran/usbipd-win/server"
	"github.com/benmcmorran/usbipd-win/session"
)

var serverCmd = &cobra.Command{
	Use:   "server [key=value ...]",
	Short: "Run the USB/IP server attached to the console",
	RunE:  runServer,
}

func init() {
	appconfig.Register(serverCmd.Flags())
}

func runServer(cmd *cobra.Command, overrides []string) error {
	if err := appconfig.Load(cmd.Flags(), cfgFile); err != nil {
		return err
	}
	if err := appconfig.ApplyOverrides(overrides); err != nil {
		return err
	}

	logger, err := newLogger(appconfig.LogLevel())
	if err != nil {
		return err
	}

	// An unsupported driver version is fatal at startup: the listener
	// refuses to begin if check_version rejects the installed kernel filter
	// driver.
	shim, err := newShim()
	if err != nil {
		return fmt.Errorf("failed to open filter driver: %w", err)
	}
	if err := shim.CheckVersion(); err != nil {
		return fmt.Errorf("filter driver check failed: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, err := registry.NewGORMStore(viper.GetString("registry-path"))
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	shareRegistry := registry.New(store)
	shareRegistry.SetMetrics(m)

	shares, err := appconfig.Shares()
	if err != nil {
		return err
	}
	if len(shares) > 0 {
		recs := make([]registry.ShareRecord, len(shares))
		for i, s := range shares {
			recs[i] = registry.ShareRecord{BusID: s.BusID, GUID: s.GUID, FriendlyName: s.FriendlyName}
		}
		if err := shareRegistry.Preseed(context.Background(), recs); err != nil {
			return fmt.Errorf("failed to preseed shares from config: %w", err)
		}
	}

	deps := session.Deps{
		Enumerator: newEnumerator(logger),
		Registry:   shareRegistry,
		Shim:       shim,
		NewBackend: newBackendFactory(),
		Logger:     logger,
		Metrics:    m,
	}

	listener := server.New(server.Config{
		Listen:     appconfig.Listen(),
		HTTPListen: appconfig.HTTPListen(),
	}, deps, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		level.Info(logger).Log("msg", "caught interrupt; shutting down sessions")
		cancel()
	}()

	level.Info(logger).Log("msg", "listening for USB/IP connections", "addr", appconfig.Listen())
	return listener.Run(ctx)
}

func newLogger(logLevel string) (log.Logger, error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	switch logLevel {
	case appconfig.LogLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case appconfig.LogLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case appconfig.LogLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case appconfig.LogLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case appconfig.LogLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case appconfig.LogLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return nil, fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, appconfig.AvailableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger, nil
}
