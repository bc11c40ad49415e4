package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/centromex/vassist/internal/bot"
	"github.com/centromex/vassist/internal/db"
	"github.com/centromex/vassist/internal/handler"
	"github.com/centromex/vassist/internal/lifecycle"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background jobs",
	Long: `Run the HTTP API, the purge job when retention is set, and the
Telegram bot when telegram.token is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run only the Telegram bot against the shared store",
	Args:  cobra.NoArgs,
	RunE:  runBotOnly,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	engine := lifecycle.NewEngine(rt.store, rt.logger)
	srv := &http.Server{
		Addr:              rt.cfg.HTTPAddr,
		Handler:           handler.NewRouter(engine, rt.store, rt.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	// Connect first so a bad token fails before anything is started.
	if rt.cfg.TelegramToken != "" {
		if err := startBot(ctx, g, rt, engine); err != nil {
			return err
		}
	}
	g.Go(func() error {
		rt.logger.Info("Listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if rt.cfg.Retention > 0 {
		g.Go(func() error {
			purgeLoop(ctx, rt.store, rt.cfg.Retention, rt.cfg.PurgeInterval, rt.logger)
			return nil
		})
	}

	return g.Wait()
}

func runBotOnly(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.cfg.ValidateBot(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := startBot(ctx, g, rt, lifecycle.NewEngine(rt.store, rt.logger)); err != nil {
		return err
	}
	return g.Wait()
}

// startBot connects to Telegram and runs the update loop and the
// new-request announcer in g until ctx is done.
func startBot(ctx context.Context, g *errgroup.Group, rt *app, engine *lifecycle.Engine) error {
	api, err := bot.Connect(rt.cfg.TelegramToken, rt.logger)
	if err != nil {
		return err
	}

	b := bot.New(api, engine, bot.Config{
		FulfillerChat: rt.cfg.TelegramChatID,
		RateLimit:     rate.Limit(rt.cfg.BotRateLimit),
		Burst:         rt.cfg.BotBurst,
		PendingPeriod: rt.cfg.PollPendingInterval,
		ReadTimeout:   rt.cfg.PollReadTimeout,
	}, rt.logger)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)

	g.Go(func() error {
		return b.Run(ctx, updates)
	})
	g.Go(func() error {
		sub := b.AnnounceArrivals(engine)
		<-ctx.Done()
		sub.Unsubscribe()
		api.StopReceivingUpdates()
		<-sub.Done()
		return nil
	})
	return nil
}

// purgeLoop deletes delivered and cancelled requests older than retention
// every interval until ctx is done.
func purgeLoop(ctx context.Context, store db.Store, retention, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := store.PurgeTerminal(ctx, retention)
			if err != nil {
				logger.Error("Error purging old requests", zap.Error(err))
			} else if purged > 0 {
				logger.Info("Purged old requests", zap.Int64("count", purged))
			}
		}
	}
}
