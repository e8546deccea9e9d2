// Command relaychat joins a relay channel from the terminal.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erilali/relay/internal/client"
	"github.com/erilali/relay/internal/logger"
	"github.com/spf13/cobra"
)

type options struct {
	url      string
	server   string
	nick     string
	channel  string
	timeout  time.Duration
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "relaychat",
		Short: "Chat on a relay channel from the terminal",
		Long: `relaychat connects to a relay server, joins one channel and relays
each line typed on stdin. Dropped connections are retried automatically.

Commands: /users, /help, /quit`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", "ws://localhost:8080/api/chat/connect", "relay websocket endpoint")
	flags.StringVar(&opts.server, "server", "irc.freenode.org", "server label sent with the join")
	flags.StringVarP(&opts.nick, "nick", "n", fmt.Sprintf("user%d", rand.Intn(10000)), "nickname")
	flags.StringVarP(&opts.channel, "channel", "c", "#cafe", "channel to join")
	flags.DurationVar(&opts.timeout, "timeout", client.DefaultConnectTimeout, "connection timeout")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	return cmd
}

func run(ctx context.Context, opts options) error {
	logConfig := logger.DefaultLogConfig()
	logConfig.Level = opts.logLevel
	logger.InitLogger(logConfig)

	m := client.New(opts.url,
		client.WithConnectTimeout(opts.timeout),
		client.WithLogger(logger.NewLogger("relaychat")),
	)
	defer m.Close()

	term := newTerminal(opts.nick, os.Stdout)
	m.Subscribe(term.render)

	if err := m.Connect(ctx, opts.server, opts.nick, opts.channel); err != nil {
		return fmt.Errorf("join %s: %w", opts.channel, err)
	}

	done := make(chan error, 1)
	go func() { done <- term.run(os.Stdin, m) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		m.Disconnect()
		return nil
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
