package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 5 * time.Second

var config Config

// loadConfig resolves settings from flags first, then CHIRP_* environment
// variables, then defaults.
func loadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHIRP")
	v.AutomaticEnv()

	v.SetDefault("bind", "0.0.0.0")
	v.SetDefault("port", "8080")
	v.SetDefault("db", "chirp.db")
	v.SetDefault("log_level", "info")

	for key, flag := range map[string]string{
		"bind":      "bind",
		"port":      "port",
		"db":        "db",
		"log_level": "log-level",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return Config{}, err
		}
	}

	c := Config{
		Bind:     v.GetString("bind"),
		Port:     v.GetString("port"),
		DBPath:   v.GetString("db"),
		LogLevel: v.GetString("log_level"),
	}
	if c.Bind == "" {
		return Config{}, fmt.Errorf("bind cannot be empty")
	}
	if c.Port == "" {
		return Config{}, fmt.Errorf("port cannot be empty")
	}
	if c.DBPath == "" {
		return Config{}, fmt.Errorf("database path cannot be empty")
	}
	return c, nil
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chirp-hub",
		Short: "Relay and message store for end-to-end encrypted pairwise chat",
		Long: `chirp-hub accepts websocket clients on /gateway, allocates user ids and
tokens, stores encrypted messages per user pair and fans every message out to
all live transports of both participants. It never sees plaintext.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHub(cmd)
		},
	}
	cmd.Flags().String("bind", "", "address to bind (CHIRP_BIND)")
	cmd.Flags().String("port", "", "port to listen on (CHIRP_PORT)")
	cmd.Flags().String("db", "", "sqlite database file (CHIRP_DB)")
	cmd.Flags().String("log-level", "", "logrus level (CHIRP_LOG_LEVEL)")
	return cmd
}

func runHub(cmd *cobra.Command) error {
	ShowTheBanner()

	LogTask("Load configuration", func() error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		config = c
		return setLogLevel(config.LogLevel)
	})

	var store *SQLStore
	LogTask("Initialise database", func() error {
		var err error
		store, err = initDB(config.DBPath)
		return err
	})
	defer store.Close()

	LogTask("Apply migrations", func() error {
		return store.runMigrations()
	})

	hub := NewHub(store)
	hub.Start()

	srv := &http.Server{
		Addr:    config.GetBindAddress(),
		Handler: LoggingMiddleware(newRouter(hub)),
	}

	errCh := make(chan error, 1)
	go func() {
		LogSuccess(fmt.Sprintf("Binding server to http://%s", config.GetBindAddress()))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigCh:
		LogInfo(fmt.Sprintf("Received %v, shutting down", sig))
	case serveErr = <-errCh:
	}

	// Halting the hub closes every websocket, which lets Shutdown finish.
	hub.Halt()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		LogWarn(fmt.Sprintf("shutdown: %v", err))
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		LogFatalError(err)
	}
}
