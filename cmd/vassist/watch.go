package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/centromex/vassist/internal/client"
	"github.com/centromex/vassist/internal/models"
	"github.com/centromex/vassist/internal/poller"
)

var watchPending bool

var watchCmd = &cobra.Command{
	Use:   "watch [id]",
	Short: "Follow a request's status, or new pending requests",
	Long: `Poll the API and print changes until interrupted.

  vassist watch REQ_1       # print each status change of REQ_1
  vassist watch --pending   # print requests as they become available`,
	Args: func(cmd *cobra.Command, args []string) error {
		if watchPending && len(args) != 0 {
			return errors.New("--pending takes no id")
		}
		if !watchPending && len(args) != 1 {
			return errors.New("watch needs a request id or --pending")
		}
		return nil
	},
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchPending, "pending", false, "Watch for new pending requests")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src := client.New(cfg.APIURL)
	cyan := color.New(color.FgCyan).SprintFunc()

	var sub *poller.Subscription
	if watchPending {
		sub = poller.TrackPending(src, poller.NewArrivals(func(fresh []models.Request) {
			for i := len(fresh) - 1; i >= 0; i-- {
				fmt.Printf("%s new request\n", cyan("●"))
				printRequest(fresh[i])
			}
		}), poller.Options{
			Period:      cfg.PollPendingInterval,
			ReadTimeout: cfg.PollReadTimeout,
			Logger:      logger,
		})
	} else {
		id := args[0]
		sub = poller.TrackRequest(src, id, poller.OnStatusChange(func(req *models.Request) {
			if req == nil {
				fmt.Printf("%s %s not found\n", cyan("●"), id)
				return
			}
			printRequest(*req)
			if req.Status.IsTerminal() {
				stop()
			}
		}), poller.Options{
			Period:      cfg.PollRequestInterval,
			ReadTimeout: cfg.PollReadTimeout,
			Logger:      logger,
		})
	}

	<-ctx.Done()
	sub.Unsubscribe()
	<-sub.Done()
	return nil
}
