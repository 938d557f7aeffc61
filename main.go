package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"mailforward/delivery"
	"mailforward/mailbox"
	"mailforward/message"
	"mailforward/relay"
)

var version = "dev"

func newLogger(cfg logConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Development = false
	zc.DisableStacktrace = true
	zc.Level = level
	return zc.Build()
}

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	accountsPath := flag.String("accounts", "", "accounts YAML file (overrides ACCOUNTS_FILE)")
	once := flag.Bool("once", false, "poll every account once and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg, err := loadConfig(*envFile, *accountsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Email Forwarding Bot",
		zap.String("version", version),
		zap.Int("accounts", len(cfg.Accounts)))

	tg := delivery.NewTelegramClient(log, cfg.Telegram.Token, cfg.Telegram.APIURL, cfg.Telegram.Timeout)
	deliverer := delivery.NewDeliverer(log, tg.Channel(cfg.Telegram.ChatID))
	deliverer.Pause = cfg.Telegram.PartDelay

	store := mailbox.NewIMAPStore(log)
	store.ConnectTimeout = cfg.IMAP.ConnectTimeout
	store.SessionTimeout = cfg.IMAP.CycleTimeout

	dec := message.NewDecoder(log)
	formatter := message.NewFormatter(log, dec)
	formatter.RenderHTML = cfg.RenderHTML

	cycle := relay.NewCycle(log, store, dec, formatter, deliverer)
	cycle.Mailbox = cfg.IMAP.Mailbox
	cycle.MarkSeen = cfg.IMAP.MarkSeen

	sched := relay.NewScheduler(log, cycle, cfg.Accounts)
	sched.Interval = cfg.Poll.Interval
	sched.Warmup = cfg.Poll.Warmup
	sched.CycleTimeout = cfg.IMAP.CycleTimeout

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		for _, rep := range sched.RunOnce(ctx) {
			log.Info("Poll finished",
				zap.String("account", rep.Account),
				zap.Int("unseen", rep.Unseen),
				zap.Int("delivered", rep.Delivered),
				zap.Int("failed", rep.Failed))
		}
		return
	}

	if err := sched.Start(); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	if cfg.Bot.WebhookURL == "" {
		log.Info("BOT_WEBHOOK_URL not set, command bot disabled")
		<-ctx.Done()
		return
	}

	b := newBot(log, tg, sched, cfg.Bot.AllowedChatID)
	if err := b.run(ctx, cfg.Bot.WebhookURL, cfg.Bot.Listen); err != nil {
		log.Error("Bot failed", zap.Error(err))
		// Keep forwarding mail without the command surface.
		<-ctx.Done()
	}
	log.Info("Shutting down")
}
