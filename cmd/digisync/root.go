package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/digicoop/digisync/assess"
	"github.com/digicoop/digisync/offsync"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "digisync",
		Short:         "Offline-first sync for the digitalisation-assessment platform",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./digisync.yaml)")
	cmd.PersistentFlags().String("api-url", "http://localhost:8080", "remote API base URL")
	cmd.PersistentFlags().String("token", "", "bearer token for the remote API")
	cmd.PersistentFlags().String("db", "digisync.db", "path of the local store")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "log to a rotating file instead of stderr")

	for flag, key := range map[string]string{
		"api-url":   "api.url",
		"token":     "api.token",
		"db":        "store.path",
		"log-level": "log.level",
		"log-file":  "log.file",
	} {
		if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newDiscardCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newTokenCmd())
	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("digisync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("DIGISYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "warning: failed to read config: %v\n", err)
		}
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch viper.GetString("log.level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if file := viper.GetString("log.file"); file != "" {
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    20, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// clientContext bundles everything a client-side command needs.
type clientContext struct {
	store   *offsync.Store
	engine  *offsync.Engine
	repos   *assess.Repositories
	api     *assess.APIClient
	monitor *offsync.Monitor
	logger  *slog.Logger
}

func openClient() (*clientContext, error) {
	logger := newLogger()

	store, err := offsync.Open(viper.GetString("store.path"), assess.Tables(), &offsync.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	var token func(context.Context) (string, error)
	if t := viper.GetString("api.token"); t != "" {
		token = func(context.Context) (string, error) { return t, nil }
	}
	api := assess.NewAPIClient(viper.GetString("api.url"), token, logger)

	engine := offsync.NewEngine(store, offsync.DefaultConfig(), logger)
	repos, err := assess.NewRepositories(store, engine, api, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	monitor := offsync.NewMonitor(offsync.HTTPProbe(api.HealthURL(), nil), 15*time.Second)
	return &clientContext{
		store:   store,
		engine:  engine,
		repos:   repos,
		api:     api,
		monitor: monitor,
		logger:  logger,
	}, nil
}

func (c *clientContext) close() {
	if err := c.store.Close(); err != nil {
		c.logger.Warn("failed to close local store", "error", err)
	}
}
