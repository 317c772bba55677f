// Command telereach is one binary, two entrypoints: invoked with no
// subcommand it is the ephemeral hook (C8) a host assistant spawns per
// permission prompt; invoked as `telereach bot` it is the long-running
// daemon that owns the Unix socket and the Telegram connection.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"telereach/internal/config"
	"telereach/internal/hook"
	"telereach/internal/ipcserver"
	"telereach/internal/lifecycle"
	"telereach/internal/registry"
	"telereach/internal/telegram"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "telereach",
		Short: "Routes a host assistant's permission prompts to Telegram and back",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runHook())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default ~/.telereach/config.toml)")
	root.AddCommand(botCmd(), installCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

func runHook() int {
	log := newLogger()
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Errorw("loading config failed", "error", err)
		return 1
	}

	return hook.Run(context.Background(), cfg, log, hook.NewDeps(os.Stdin, os.Stdout))
}

func botCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run the long-lived Telegram bot daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot()
		},
	}
}

func runBot() error {
	log := newLogger()
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateForBot(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	reg := registry.New()

	var tg *telegram.Telegram
	b, err := bot.New(cfg.TelegramBotToken, bot.WithDefaultHandler(func(ctx context.Context, b *bot.Bot, update *models.Update) {
		tg.HandleUpdate(ctx, b, update)
	}))
	if err != nil {
		return fmt.Errorf("creating telegram bot: %w", err)
	}
	tg = telegram.New(b, cfg.AllowedChatIDs, reg, log)

	srv := ipcserver.New(cfg.SocketPath, time.Duration(cfg.TimeoutSeconds)*time.Second, reg, tg, log, ipcserver.DefaultMaxConnections)

	sup := &lifecycle.Supervisor{
		Server:    srv,
		Registry:  reg,
		Finalizer: tg,
		Log:       log,
		StartTelegram: func(ctx context.Context) error {
			b.Start(ctx)
			return nil
		},
	}

	log.Infow("telereach bot starting", "socket_path", cfg.SocketPath, "allowed_chats", len(cfg.AllowedChatIDs))
	return sup.Run(context.Background())
}

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the PermissionRequest hook into the host assistant's settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("telereach install: not yet implemented, wire the hook into the host assistant's settings manually")
		},
	}
}
