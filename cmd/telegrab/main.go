// telegrab - A Telegram message archiving daemon.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/telegrab/pkg/api"
	"github.com/lrhodin/telegrab/pkg/archive"
	"github.com/lrhodin/telegrab/pkg/telegram"
	"github.com/lrhodin/telegrab/pkg/ws"
)

var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "telegrab",
		Usage:   "Telegram message archiving daemon",
		Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to the config file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the archiver daemon",
				Action: runDaemon,
			},
			{
				Name:      "load",
				Usage:     "backfill one chat and exit",
				ArgsUsage: "<chat id, @username or invite link>",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "limit", Usage: "max messages to load, 0 for unlimited"},
					&cli.BoolFlag{Name: "join", Usage: "join the chat before loading"},
				},
				Action: runLoad,
			},
			{
				Name:  "example-config",
				Usage: "print the example config and exit",
				Action: func(*cli.Context) error {
					fmt.Print(archive.ExampleConfig)
					return nil
				},
			},
		},
		DefaultCommand: "run",
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(cfg *archive.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	var logger zerolog.Logger
	if cfg.Logging.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	logger = logger.Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}

type daemon struct {
	cfg       *archive.Config
	log       zerolog.Logger
	store     *archive.Store
	hub       *ws.Hub
	pacer     *archive.Pacer
	client    *telegram.Client
	backfill  *archive.BackfillEngine
	scheduler *archive.TaskScheduler
	server    *api.Server
}

func buildDaemon(configPath string, withIngest bool) (*daemon, error) {
	cfg, err := archive.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := setupLogger(cfg)
	if err != nil {
		return nil, err
	}
	store, err := archive.NewStore(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	hub := ws.NewHub(logger)
	pacer := archive.NewPacer(cfg.Sync.RequestsPerSecond)
	retry := archive.NewRetryPolicy(cfg.Sync.RetryMaxAttempts, time.Duration(cfg.Sync.RetryBaseBackoff))

	var ingest *archive.LiveIngestEngine
	if withIngest {
		ingest = archive.NewLiveIngestEngine(store, hub, logger)
	}
	client := telegram.NewClient(cfg.Telegram, ingest, logger)
	backfill := archive.NewBackfillEngine(store, client, retry, pacer, hub, cfg.Sync.MessagesPerRequest, logger)
	backfill.SetCatchUpWindow(time.Duration(cfg.Sync.MissedDaysLimit) * 24 * time.Hour)
	scheduler := archive.NewTaskScheduler(backfill, pacer, hub, logger)
	server := api.NewServer(store, scheduler, hub, cfg.API.Listen, logger)

	return &daemon{
		cfg:       cfg,
		log:       logger,
		store:     store,
		hub:       hub,
		pacer:     pacer,
		client:    client,
		backfill:  backfill,
		scheduler: scheduler,
		server:    server,
	}, nil
}

func runDaemon(c *cli.Context) error {
	d, err := buildDaemon(c.String("config"), true)
	if err != nil {
		return err
	}
	defer func() {
		_ = d.store.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopWatch, err := archive.WatchConfig(c.String("config"), d.log, func(cfg *archive.Config) {
		d.pacer.SetRate(cfg.Sync.RequestsPerSecond)
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("Config hot-reload unavailable")
	} else {
		defer stopWatch()
	}

	go func() {
		if err := d.server.Run(); err != nil {
			d.log.Err(err).Msg("API server died")
			stop()
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.server.Shutdown(shutdownCtx)
	}()

	err = d.client.Run(ctx, func(ctx context.Context) error {
		d.scheduler.Start(ctx)
		d.autoLoad(ctx)
		d.log.Info().Msg("Archiver running")
		<-ctx.Done()
		d.scheduler.Wait()
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	d.log.Info().Msg("Shut down cleanly")
	return nil
}

// autoLoad enqueues startup sync work: catch-up for every known chat, and
// optionally backfill of the most recent dialogs.
func (d *daemon) autoLoad(ctx context.Context) {
	if d.cfg.Sync.AutoLoadMissed {
		chats, err := d.store.ListChats(ctx)
		if err != nil {
			d.log.Err(err).Msg("Failed to list chats for catch-up")
		} else {
			for _, chat := range chats {
				_, err := d.scheduler.Submit(archive.JobCatchUp, archive.JobParams{
					ChatID: chat.ID,
					Limit:  int64(d.cfg.Sync.MissedLimitPerChat),
				})
				if err != nil {
					d.log.Err(err).Int64("chat_id", chat.ID).Msg("Failed to enqueue catch-up")
				}
			}
			d.log.Info().Int("chats", len(chats)).Msg("Enqueued catch-up jobs")
		}
	}

	if d.cfg.Sync.AutoLoadHistory {
		chatIDs, err := d.client.ListDialogs(ctx, d.cfg.Sync.MaxChatsToLoad)
		if err != nil {
			d.log.Err(err).Msg("Failed to list dialogs for auto-load")
			return
		}
		for _, chatID := range chatIDs {
			_, err := d.scheduler.Submit(archive.JobBackfill, archive.JobParams{
				ChatRef: strconv.FormatInt(chatID, 10),
				Limit:   d.cfg.Sync.HistoryLimitPerChat,
			})
			if err != nil {
				d.log.Err(err).Int64("chat_id", chatID).Msg("Failed to enqueue backfill")
			}
		}
		d.log.Info().Int("chats", len(chatIDs)).Msg("Enqueued history backfill jobs")
	}
}

func runLoad(c *cli.Context) error {
	ref := c.Args().First()
	if ref == "" {
		return fmt.Errorf("chat reference is required")
	}
	d, err := buildDaemon(c.String("config"), false)
	if err != nil {
		return err
	}
	defer func() {
		_ = d.store.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.client.Run(ctx, func(ctx context.Context) error {
		var result *archive.SyncResult
		var err error
		if c.Bool("join") {
			result, err = d.backfill.JoinAndSync(ctx, ref, c.Int64("limit"))
		} else {
			result, err = d.backfill.Sync(ctx, ref, c.Int64("limit"))
		}
		if err != nil {
			return err
		}
		d.log.Info().
			Str("chat", result.ChatTitle).
			Int64("new_messages", result.NewMessages).
			Int64("total_loaded", result.TotalLoaded).
			Bool("fully_loaded", result.FullyLoaded).
			Msg("Load finished")
		return nil
	})
}
