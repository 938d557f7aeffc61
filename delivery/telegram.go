package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// DefaultTelegramAPI is the public Bot API endpoint.
const DefaultTelegramAPI = "https://api.telegram.org"

// APIError is a request the Bot API answered with ok=false.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: HTTP %d: %s", e.Method, e.StatusCode, e.Description)
}

// BadEntities reports whether Telegram refused the message markup.
func (e *APIError) BadEntities() bool {
	return e.StatusCode == http.StatusBadRequest && strings.Contains(e.Description, "can't parse entities")
}

// TelegramClient is a minimal Bot API client.
type TelegramClient struct {
	log    *zap.Logger
	token  string
	apiURL string
	http   *http.Client
}

func NewTelegramClient(log *zap.Logger, token, apiURL string, timeout time.Duration) *TelegramClient {
	if apiURL == "" {
		apiURL = DefaultTelegramAPI
	}
	return &TelegramClient{
		log:    log,
		token:  token,
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *TelegramClient) call(ctx context.Context, method string, vals url.Values) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(vals.Encode()))
	if err != nil {
		return errors.Wrapf(err, "telegram %s", method)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			// The URL carries the bot token.
			uerr.URL = c.apiURL + "/bot***/" + method
		}
		return errors.Wrapf(err, "telegram %s request failed", method)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(err, "telegram %s: read response", method)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Description: strings.TrimSpace(string(body))}
	}
	if !result.OK || resp.StatusCode != http.StatusOK {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Description: result.Description}
	}
	return nil
}

// SendMessage posts text to one chat. parseMode may be empty for plain text.
func (c *TelegramClient) SendMessage(ctx context.Context, chatID, text, parseMode string) error {
	vals := url.Values{
		"chat_id": {chatID},
		"text":    {text},
	}
	if parseMode != "" {
		vals.Set("parse_mode", parseMode)
	}
	return c.call(ctx, "sendMessage", vals)
}

func (c *TelegramClient) SetWebhook(ctx context.Context, webhookURL string) error {
	return c.call(ctx, "setWebhook", url.Values{"url": {webhookURL}})
}

func (c *TelegramClient) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", url.Values{})
}

// Channel returns a Sender posting HTML messages to chatID.
func (c *TelegramClient) Channel(chatID string) Sender {
	return &chatChannel{client: c, chatID: chatID}
}

type chatChannel struct {
	client *TelegramClient
	chatID string
}

// Send posts text as HTML. A part Telegram cannot parse, typically one cut
// inside a tag or entity, is resent as plain text.
func (ch *chatChannel) Send(ctx context.Context, text string) error {
	err := ch.client.SendMessage(ctx, ch.chatID, text, "HTML")
	var apiErr *APIError
	if err == nil || !errors.As(err, &apiErr) || !apiErr.BadEntities() {
		return err
	}
	ch.client.log.Warn("HTML rejected, resending as plain text",
		zap.String("chat_id", ch.chatID), zap.String("reason", apiErr.Description))
	return ch.client.SendMessage(ctx, ch.chatID, PlainText(text), "")
}

// PlainText strips markup from a Telegram HTML message and resolves entities.
func PlainText(s string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		}
	}
}
