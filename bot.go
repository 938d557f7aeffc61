package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Telegram Bot API types

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type tgMessage struct {
	MessageID int64   `json:"message_id"`
	From      *tgUser `json:"from,omitempty"`
	Chat      tgChat  `json:"chat"`
	Text      string  `json:"text,omitempty"`
}

type update struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message,omitempty"`
}

// pollStatus is the part of the scheduler the bot reports on.
type pollStatus interface {
	AccountCount() int
	LastCheck() time.Time
	NextCheck() time.Time
	Trigger()
}

// webhook is the Telegram API surface the bot needs.
type webhook interface {
	SetWebhook(ctx context.Context, webhookURL string) error
	DeleteWebhook(ctx context.Context) error
	SendMessage(ctx context.Context, chatID, text, parseMode string) error
}

type bot struct {
	log     *zap.Logger
	tg      webhook
	status  pollStatus
	allowed string
}

func newBot(log *zap.Logger, tg webhook, status pollStatus, allowedChatID string) *bot {
	return &bot{
		log:     log.With(zap.String("component", "bot")),
		tg:      tg,
		status:  status,
		allowed: allowedChatID,
	}
}

// reply returns the answer to a command, or "" when the message is ignored.
func (b *bot) reply(msg *tgMessage) string {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	authorized := chatID == b.allowed

	switch command(msg.Text) {
	case "/start":
		if !authorized {
			return "⛔ Sorry, you don't have access!"
		}
		return b.statusText()
	case "/status", "/help", "/check":
		if !authorized {
			return "🚫 Access denied!\nYour ID: " + chatID
		}
	default:
		return ""
	}

	switch command(msg.Text) {
	case "/status":
		return b.statusText()
	case "/check":
		b.status.Trigger()
		return "🔄 Checking mail now..."
	default:
		return "Commands:\n" +
			"/status - monitoring status\n" +
			"/check - check mail now\n" +
			"/help - this message"
	}
}

func (b *bot) statusText() string {
	var sb strings.Builder
	sb.WriteString("✅ Bot is active!\n")
	sb.WriteString("Status: Monitoring email accounts...\n")
	fmt.Fprintf(&sb, "Accounts: %d\n", b.status.AccountCount())
	sb.WriteString("Last check: " + clock(b.status.LastCheck()))
	if next := b.status.NextCheck(); !next.IsZero() {
		sb.WriteString("\nNext check: " + clock(next))
	}
	return sb.String()
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "not yet"
	}
	return t.Format("15:04:05")
}

// command returns the lower-case command word, without any @botname suffix.
func command(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(cmd)
}

func (b *bot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var upd update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Always respond 200 quickly to avoid Telegram retries
	w.WriteHeader(http.StatusOK)

	msg := upd.Message
	if msg == nil || msg.Text == "" {
		return
	}
	text := b.reply(msg)
	if text == "" {
		return
	}
	b.log.Info("Command",
		zap.Int64("chat_id", msg.Chat.ID),
		zap.String("command", command(msg.Text)))

	go b.send(msg.Chat.ID, text)
}

func (b *bot) send(chatID int64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.tg.SendMessage(ctx, strconv.FormatInt(chatID, 10), text, ""); err != nil {
		b.log.Error("Failed to send reply", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// run registers the webhook and serves updates until ctx is done. The webhook
// is deleted on the way out.
func (b *bot) run(ctx context.Context, webhookURL, listen string) error {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return errors.Wrap(err, "parse webhook URL")
	}
	hookPath := u.Path
	if hookPath == "" {
		hookPath = "/"
	}

	if err := b.tg.SetWebhook(ctx, webhookURL); err != nil {
		return errors.Wrap(err, "set webhook")
	}
	b.log.Info("Webhook set", zap.String("url", u.Redacted()))

	mux := http.NewServeMux()
	mux.Handle(hookPath, b)
	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		b.log.Info("Shutting down bot")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.tg.DeleteWebhook(shutdownCtx); err != nil {
			b.log.Warn("deleteWebhook failed", zap.Error(err))
		} else {
			b.log.Info("Webhook deleted")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			b.log.Warn("Server shutdown failed", zap.Error(err))
		}
	}()

	b.log.Info("Bot listening", zap.String("listen", listen))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return errors.Wrap(err, "serve webhook")
	}
	return nil
}
