package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/tracyhatemice/mailnotify/internal/config"
	"github.com/tracyhatemice/mailnotify/internal/dedup"
	"github.com/tracyhatemice/mailnotify/internal/forwarder"
	"github.com/tracyhatemice/mailnotify/internal/receiver"
	"github.com/tracyhatemice/mailnotify/internal/sender"
	"github.com/tracyhatemice/mailnotify/internal/watcher"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	dataDir := flag.String("data-dir", "", "directory for persistent data (overrides data_dir)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("mailnotify starting", "accounts", len(cfg.Accounts))

	var smtp *sender.Sender
	if cfg.Sender != nil {
		smtp = sender.New(
			cfg.Sender.Host,
			cfg.Sender.Port,
			cfg.Sender.Username,
			cfg.Sender.Password,
			cfg.Sender.UseTLS,
			logger,
		)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	for _, acct := range cfg.Accounts {
		w, err := newWatcher(acct, logger)
		if err != nil {
			logger.Error("failed to create watcher", "account", acct.GetName(), "error", err)
			continue
		}

		var (
			relay   forwarder.Relay
			tracker forwarder.Tracker
		)
		if acct.ForwardTo != "" {
			dedupFile := filepath.Join(cfg.DataDir, sanitize(acct.GetName())+".seen")
			t, err := dedup.NewTracker(dedupFile, dedup.DefaultRetention)
			if err != nil {
				logger.Error("failed to create dedup tracker", "account", acct.GetName(), "error", err)
				continue
			}
			logger.Info("loaded dedup state", "account", acct.GetName(), "seen_count", t.Count())
			relay, tracker = smtp, t
		}

		fwd := forwarder.New(acct, relay, tracker, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fwd.Run(ctx, w)
		}()
	}

	// Exit once every watcher has ended, or on signal.
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down, waiting for watchers to finish...")
	case <-allDone:
		logger.Info("all watchers ended")
		return
	}

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	<-allDone
	logger.Info("mailnotify stopped")
}

func newWatcher(acct config.Account, logger *slog.Logger) (*watcher.Watcher, error) {
	criteria, err := receiver.ParseCriteria(acct.GetSearch())
	if err != nil {
		return nil, fmt.Errorf("search filter: %w", err)
	}

	acctLogger := logger.With("account", acct.GetName())

	opts := receiver.IMAPOptions{
		Host:               acct.Host,
		Port:               acct.GetPort(),
		Username:           acct.GetUsername(),
		Password:           acct.Password,
		Security:           acct.GetTLS(),
		InsecureSkipVerify: acct.InsecureSkipVerify,
		Auth:               acct.GetAuth(),
	}
	if acct.Debug {
		opts.Debug = os.Stderr
	}

	markSeen := acct.GetMarkSeen()
	return watcher.New(watcher.Config{
		Mailbox:           acct.GetBox(),
		Search:            criteria,
		MarkSeen:          &markSeen,
		SerializeScans:    acct.SerializeScans,
		ReportParseErrors: acct.ReportParseErrors,
		ParseWorkers:      acct.GetParseWorkers(),
		Keepalive:         acct.Keepalive(),
	}, receiver.NewIMAP(opts, acctLogger), acctLogger), nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func sanitize(name string) string {
	if name == "" {
		return "default"
	}
	out := make([]byte, 0, len(name))
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '-' || b == '_' {
			out = append(out, b)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
