package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type botAPI struct {
	mu       sync.Mutex
	requests []url.Values
	paths    []string
	respond  func(form url.Values) (int, string)
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	b.mu.Lock()
	b.requests = append(b.requests, r.PostForm)
	b.paths = append(b.paths, r.URL.Path)
	b.mu.Unlock()

	code, body := http.StatusOK, `{"ok":true,"result":{}}`
	if b.respond != nil {
		code, body = b.respond(r.PostForm)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func newTestClient(t *testing.T, api *botAPI) *TelegramClient {
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return NewTelegramClient(zaptest.NewLogger(t), "123:abc", srv.URL, 5*time.Second)
}

func TestSendMessage(t *testing.T) {
	api := &botAPI{}
	c := newTestClient(t, api)

	require.NoError(t, c.SendMessage(context.Background(), "42", "<b>hi</b>", "HTML"))

	require.Len(t, api.requests, 1)
	assert.Equal(t, "/bot123:abc/sendMessage", api.paths[0])
	assert.Equal(t, "42", api.requests[0].Get("chat_id"))
	assert.Equal(t, "<b>hi</b>", api.requests[0].Get("text"))
	assert.Equal(t, "HTML", api.requests[0].Get("parse_mode"))
}

func TestSendMessageAPIError(t *testing.T) {
	api := &botAPI{respond: func(url.Values) (int, string) {
		return http.StatusForbidden, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`
	}}
	c := newTestClient(t, api)

	err := c.SendMessage(context.Background(), "42", "hi", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "sendMessage", apiErr.Method)
	assert.False(t, apiErr.BadEntities())
}

func TestSendMessageTransportErrorHidesToken(t *testing.T) {
	c := NewTelegramClient(zaptest.NewLogger(t), "123:secret", "http://127.0.0.1:1", time.Second)

	err := c.SendMessage(context.Background(), "42", "hi", "")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}

func TestChannelFallsBackToPlainText(t *testing.T) {
	api := &botAPI{respond: func(form url.Values) (int, string) {
		if form.Get("parse_mode") == "HTML" {
			return http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: unexpected end of name token at byte offset 12"}`
		}
		return http.StatusOK, `{"ok":true,"result":{}}`
	}}
	c := newTestClient(t, api)

	err := c.Channel("42").Send(context.Background(), "<b>From:</b> A &amp; B")
	require.NoError(t, err)

	require.Len(t, api.requests, 2)
	assert.Equal(t, "", api.requests[1].Get("parse_mode"))
	assert.Equal(t, "From: A & B", api.requests[1].Get("text"))
}

func TestChannelDoesNotRetryOtherErrors(t *testing.T) {
	api := &botAPI{respond: func(url.Values) (int, string) {
		return http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5"}`
	}}
	c := newTestClient(t, api)

	err := c.Channel("42").Send(context.Background(), "hi")
	require.Error(t, err)
	assert.Len(t, api.requests, 1)
}

func TestWebhookMethods(t *testing.T) {
	api := &botAPI{}
	c := newTestClient(t, api)

	require.NoError(t, c.SetWebhook(context.Background(), "https://example.com/hook"))
	require.NoError(t, c.DeleteWebhook(context.Background()))

	assert.Equal(t, []string{"/bot123:abc/setWebhook", "/bot123:abc/deleteWebhook"}, api.paths)
	assert.Equal(t, "https://example.com/hook", api.requests[0].Get("url"))
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "🌟 New Email! 🌟\n1 < 2", PlainText("🌟 <b>New Email!</b> 🌟\n1 &lt; 2"))
}
