package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/chatstream/internal/config"
	"github.com/zhouzirui/z-tavern/chatstream/internal/logging"
	chatService "github.com/zhouzirui/z-tavern/chatstream/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatstream/internal/stream"
)

type options struct {
	configPath   string
	endpoint     string
	historyLimit int
	maxLength    int
	timeout      time.Duration
	logLevel     string
}

func main() {
	cobra.CheckErr(newRootCommand().Execute())
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a streaming endpoint from the terminal",
		Long: `Reads messages from stdin and streams each reply as it arrives.

Typing a new message while a reply is still streaming replaces it.
Commands: /stop, /retry, /history, /clear, /quit.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return newREPL(newCoordinator(cfg), cmd.OutOrStdout()).run(ctx, cmd.InOrStdin())
		},
	}

	flags := root.Flags()
	flags.StringVar(&opts.configPath, "config", os.Getenv("CHAT_CONFIG"), "path to a YAML config file")
	flags.StringVar(&opts.endpoint, "endpoint", "", "chat endpoint URL")
	flags.IntVar(&opts.historyLimit, "history-limit", 0, "number of prior turns sent with each message")
	flags.IntVar(&opts.maxLength, "max-length", 0, "maximum message length in characters (0 disables)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "timeout for a whole exchange (0 disables)")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")

	root.SetContext(context.Background())
	return root
}

func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to load .env file")
	}

	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cfg.Client.Endpoint = opts.endpoint
	}
	if flags.Changed("history-limit") {
		cfg.Client.HistoryLimit = opts.historyLimit
	}
	if flags.Changed("max-length") {
		cfg.Client.MaxMessageLength = opts.maxLength
	}
	if flags.Changed("timeout") {
		cfg.Client.RequestTimeout = opts.timeout
	}
	// The terminal is shared with the conversation, so stay quiet unless asked.
	if flags.Changed("log-level") || os.Getenv("LOG_LEVEL") == "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if _, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newCoordinator(cfg *config.Config) *chatService.Coordinator {
	var sessionOpts []stream.Option
	if cfg.Client.RequestTimeout > 0 {
		sessionOpts = append(sessionOpts, stream.WithTimeout(cfg.Client.RequestTimeout))
	}

	log.Debug().
		Str("endpoint", cfg.Client.Endpoint).
		Int("history_limit", cfg.Client.HistoryLimit).
		Msg("starting chat client")

	return chatService.NewCoordinator(
		chatService.NewStore(cfg.Client.HistoryLimit),
		&http.Client{},
		cfg.Client.Endpoint,
		chatService.WithMaxMessageLength(cfg.Client.MaxMessageLength),
		chatService.WithSessionOptions(sessionOpts...),
	)
}
