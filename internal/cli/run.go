package cli

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/craigderington/lazysocks/internal/config"
	"github.com/craigderington/lazysocks/internal/credstore"
	"github.com/craigderington/lazysocks/internal/monitor"
	"github.com/craigderington/lazysocks/internal/storage"
	"github.com/craigderington/lazysocks/internal/tunnel"
)

const credentialKey = "proxy_password"

var (
	monitorAddr string
	dbPath      string
	debug       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the forwards described by the config file",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&monitorAddr, "monitor-addr", ":8080", "monitor HTTP/websocket address")
	runCmd.Flags().StringVar(&dbPath, "db", "forwards.db", "path to the SQLite forward-definition store")
	runCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func runRun(cmd *cobra.Command, args []string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	encKey := make([]byte, 32)
	if _, err := rand.Read(encKey); err != nil {
		return fmt.Errorf("generate credential store key: %w", err)
	}
	creds, err := credstore.New(encKey)
	if err != nil {
		return fmt.Errorf("init credential store: %w", err)
	}
	if err := creds.Put(credentialKey, cfg.Password); err != nil {
		return fmt.Errorf("store proxy credential: %w", err)
	}
	cfg.Password = ""

	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("open forward store: %w", err)
	}
	defer store.Close()

	t := tunnel.New(log.Logger)

	srv := monitor.NewServer(monitor.Config{
		Addr:   monitorAddr,
		Tunnel: t,
		Logger: log.Logger,
	})

	ctx := context.Background()
	now := time.Now()
	for _, spec := range cfg.Forwards {
		f := t.AddForward(spec)
		if err := store.Save(ctx, storage.FromSpec(f.ForwardSpec, now)); err != nil {
			log.Warn().Err(err).Str("forward_id", f.ID).Msg("failed to persist forward")
		}
	}
	for _, spec := range cfg.ReverseForwards {
		f := t.AddReverseForward(spec)
		if err := store.Save(ctx, storage.FromSpec(f.ForwardSpec, now)); err != nil {
			log.Warn().Err(err).Str("forward_id", f.ID).Msg("failed to persist forward")
		}
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("monitor server stopped")
		}
	}()

	password, err := creds.Get(credentialKey)
	if err != nil {
		return fmt.Errorf("read proxy credential: %w", err)
	}
	if err := t.Start(cfg.ProxyHost, cfg.ProxyPort, cfg.Username, password, srv.StatusCallback()); err != nil {
		return fmt.Errorf("start tunnel: %w", err)
	}

	log.Info().
		Str("proxy", fmt.Sprintf("%s:%d", cfg.ProxyHost, cfg.ProxyPort)).
		Int("forwards", len(cfg.Forwards)).
		Int("reverse_forwards", len(cfg.ReverseForwards)).
		Msg("tunnel started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("monitor server shutdown failed")
	}
	if err := t.Close(); err != nil {
		log.Error().Err(err).Msg("tunnel shutdown failed")
		return err
	}

	log.Info().Msg("stopped gracefully")
	return nil
}
