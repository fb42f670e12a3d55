package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycrm/mailsync/internal/config"
	"github.com/relaycrm/mailsync/internal/credential"
	"github.com/relaycrm/mailsync/internal/domain"
	"github.com/relaycrm/mailsync/internal/fetch"
	"github.com/relaycrm/mailsync/internal/mutate"
	"github.com/relaycrm/mailsync/internal/normalize"
	"github.com/relaycrm/mailsync/internal/notify"
	"github.com/relaycrm/mailsync/internal/parsework"
	"github.com/relaycrm/mailsync/internal/provider"
	"github.com/relaycrm/mailsync/internal/provider/gmail"
	imapprov "github.com/relaycrm/mailsync/internal/provider/imap"
	"github.com/relaycrm/mailsync/internal/provider/outlook"
	"github.com/relaycrm/mailsync/internal/store/sqlite"
	syncpkg "github.com/relaycrm/mailsync/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("configuration load failed")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("database open failed")
	}
	defer db.Close()

	publisher, err := notify.NewPublisher(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect failed")
	}
	defer publisher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := publisher.EnsureStream(ctx); err != nil {
		log.Fatal().Err(err).Msg("nats stream setup failed")
	}

	creds := credential.NewRefresher(db, map[domain.Provider]credential.OAuthApp{
		domain.ProviderGmail: {
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Scopes:       cfg.Google.Scopes,
		},
		domain.ProviderOutlook: {
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			Scopes:       cfg.Microsoft.Scopes,
		},
	}, log)

	imapClient := imapprov.New(log, cfg.FetchConns)
	defer imapClient.Close()

	registry := provider.Registry{
		domain.ProviderGmail:   gmail.New(log),
		domain.ProviderOutlook: outlook.New(log),
		domain.ProviderIMAP:    imapClient,
	}

	parser := parsework.New(normalize.New(log), cfg.ParseWorkers, cfg.ParseQueue, cfg.ParseTimeout, log)
	defer parser.Close()

	orch := syncpkg.NewOrchestrator(syncpkg.Deps{
		Providers:  registry,
		Creds:      creds,
		Emails:     db,
		Cursors:    db,
		Accounts:   db,
		Matcher:    db,
		Activities: db,
		Notifier:   publisher,
		Parser:     parser,
		Engine:     fetch.New(cfg.FetchConns, cfg.FetchBatchSize, log),
	}, cfg.QuickLoadWindow, log)

	manager := syncpkg.NewManager(db, orch, log)
	defer manager.StopAll()

	mutator := mutate.New(registry, creds, log)

	// Scheduled passes over every active account.
	go func() {
		manager.RunAll(ctx)
		ticker := time.NewTicker(cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				manager.RunAll(ctx)
			}
		}
	}()

	srv := newServer(db, manager, mutator, log)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http api listening")
		if err := srv.run(cfg.HTTPAddr); err != nil {
			log.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
}
