package commands

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
	"go.uber.org/zap"

	"github.com/whatsapp-automation/bridge/internal/api"
	"github.com/whatsapp-automation/bridge/internal/config"
	"github.com/whatsapp-automation/bridge/internal/delivery"
	"github.com/whatsapp-automation/bridge/internal/generation"
	"github.com/whatsapp-automation/bridge/internal/journal"
	"github.com/whatsapp-automation/bridge/internal/logging"
	"github.com/whatsapp-automation/bridge/internal/media"
	"github.com/whatsapp-automation/bridge/internal/router"
	"github.com/whatsapp-automation/bridge/internal/session"
	"github.com/whatsapp-automation/bridge/internal/telegram"
	"github.com/whatsapp-automation/bridge/internal/transcribe"
	"github.com/whatsapp-automation/bridge/internal/whatsapp"
)

const deviceName = "WhatsApp Bridge"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge and its control API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}

	logger, err := logging.New(logging.Options{
		Mode:     cfg.LogMode,
		Level:    cfg.LogLevel,
		Filename: cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting bridge",
		zap.String("port", cfg.Port),
		zap.String("panel", cfg.PanelURL),
		zap.String("generation", cfg.GenerationURL),
		zap.Int("proxies", cfg.Proxy.Count()))

	for _, dir := range []string{cfg.SessionsDir, cfg.MediaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	whatsapp.SetDeviceName(deviceName)
	watchdog := whatsapp.NewWatchdog(logger)
	watchdog.Start()
	defer watchdog.Stop()

	sweeper := media.NewSweeper(cfg.MediaDir, cfg.MediaRetention, logger)
	if err := sweeper.Start(cfg.MediaRetentionSpec); err != nil {
		return err
	}
	defer sweeper.Stop()

	msgJournal := journal.New(0, 0)
	inbound := router.New(
		transcribe.New(cfg.TranscribeURL, cfg.TranscribeKey, cfg.TranscribeModel, logger),
		generation.New(cfg.PanelURL, cfg.GenerationURL, cfg.OpenAIKey, cfg.GenerationTimeout, logger),
		delivery.NewPolicy(cfg.VoiceThreshold, cfg.AudioBaseDir, logger),
		media.NewStore(cfg.MediaDir),
		msgJournal,
		cfg.IgnoreSenders,
		logger,
	)

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithMailboxSize(cfg.MailboxSize),
	}
	if cfg.TelegramEnabled() {
		opts = append(opts, session.WithObserver(telegram.NewNotifier(cfg.TelegramToken, cfg.TelegramChatID, logger).Observe))
		logger.Info("telegram alerts enabled")
	}
	if cfg.QRTerminal {
		opts = append(opts, session.WithTerminalQR(os.Stdout))
	}

	sessions := session.NewManager(whatsapp.NewFactory(whatsapp.Options{
		SessionsDir: cfg.SessionsDir,
		Proxy:       cfg.Proxy,
		Watchdog:    watchdog,
		Logger:      logger,
	}), inbound, opts...)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(api.NewServer(sessions, msgJournal, watchdog, logger), cfg.CORSOrigins),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", zap.Stringer("signal", sig))
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		sessions.Close()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sessions.Close()
	logger.Info("bridge stopped")
	return nil
}
