package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/tenantdesk/internal/activity"
	"github.com/memohai/tenantdesk/internal/realtime"
)

type feedOptions struct {
	org     string
	room    string
	kind    string
	pages   int
	refresh time.Duration
	once    bool
}

func feedCmd(root *rootOptions) *cobra.Command {
	opts := &feedOptions{}
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Print an organization's activity and follow it live",
		Long: `Log in, load the newest activity of an organization and keep printing
new, changed and removed activity pushed over the realtime connection until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFeed(cmd, root, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.org, "org", "o", "", "Organization ID (required)")
	cmd.Flags().StringVar(&opts.room, "room", "", "Realtime room key (defaults to the organization)")
	cmd.Flags().StringVarP(&opts.kind, "kind", "k", "", "Only show one kind (NOTIFY, ANNOUNCE, WARN, ALERT, SHOW)")
	cmd.Flags().IntVarP(&opts.pages, "pages", "p", 1, "History pages to load before following")
	cmd.Flags().DurationVar(&opts.refresh, "refresh", 0, "Reload the first page periodically (0 disables)")
	cmd.Flags().BoolVar(&opts.once, "once", false, "Print the loaded history and exit")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func runFeed(cmd *cobra.Command, root *rootOptions, opts *feedOptions) error {
	kind, err := activity.ParseKind(opts.kind)
	if err != nil {
		return err
	}
	mgr, log, err := root.manager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := root.login(ctx, mgr, cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
		return err
	}
	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := mgr.Logout(logoutCtx); err != nil {
			log.Debug("logout failed", slog.Any("error", err))
		}
	}()

	feed, err := mgr.OpenFeed(ctx, opts.org, opts.room, kind)
	switch {
	case feed != nil && errors.Is(err, activity.ErrFetchFailed):
		if opts.once {
			return err
		}
		log.Warn("history unavailable, tailing live events", slog.Any("error", err))
	case err != nil:
		return err
	}
	for i := 1; i < opts.pages && feed.Stream.Snapshot().HasMore; i++ {
		if err := feed.Stream.LoadMore(ctx); err != nil {
			return err
		}
	}

	p := newPrinter(cmd.OutOrStdout())
	p.history(feed.Stream.Snapshot())
	if opts.once {
		return nil
	}

	ended := make(chan error, 1)
	mgr.OnEnded(func(err error) {
		select {
		case ended <- err:
		default:
		}
	})
	defer feed.Stream.OnChange(p.update)()
	defer feed.Channel().OnStateChange(p.status)()
	defer realtime.Listen(feed.Channel(), realtime.EventActivityDeleted, p.removed).Dispose()
	feed.OnSystemMessage(p.system)

	var tick <-chan time.Time
	if opts.refresh > 0 {
		ticker := time.NewTicker(opts.refresh)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-ended:
			return fmt.Errorf("session ended: %w", err)
		case <-tick:
			if err := feed.Stream.Refresh(ctx); err != nil {
				log.Warn("refresh failed", slog.Any("error", err))
			}
		}
	}
}
