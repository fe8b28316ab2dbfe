package notification

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramNotifier posts alerts to a chat through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier creates a notifier for one bot token and chat.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  DefaultTelegramAPI,
		client:   &http.Client{Timeout: sendTimeout},
	}
}

// WithBaseURL points the notifier at a different Bot API host.
func (t *TelegramNotifier) WithBaseURL(u string) *TelegramNotifier {
	t.baseURL = strings.TrimRight(u, "/")
	return t
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	msg := map[string]interface{}{
		"chat_id":                  t.chatID,
		"text":                     formatTelegram(alert),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	if err := postJSON(ctx, t.client, url, msg); err != nil {
		return fmt.Errorf("telegram %s: %w", alert.Kind, err)
	}
	return nil
}

// formatTelegram renders an alert as Bot API HTML:
//
//	[WARNING] <b>Circuit breaker tripped</b>
//	...message...
//	<code>0xaa..</code>
func formatTelegram(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] <b>%s</b>", a.Level, html.EscapeString(a.Title))
	if a.Message != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(a.Message))
	}
	if a.Asset != "" {
		fmt.Fprintf(&b, "\n<code>%s</code>", html.EscapeString(a.Asset))
	}
	return b.String()
}
