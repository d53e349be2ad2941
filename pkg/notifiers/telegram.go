package notifiers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/supporttools/pingu/pkg/logger"
	"github.com/supporttools/pingu/pkg/plugins"
	"github.com/supporttools/pingu/pkg/types"
)

// TelegramType is the configuration type name of the Telegram notifier.
const TelegramType = "Telegram"

const (
	defaultTelegramAPI    = "https://api.telegram.org"
	defaultOnlineMessage  = "<b>PINGU:</b>\nDevice: {name} ({host}) has come ONLINE"
	defaultOfflineMessage = "<b>PINGU:</b>\nDevice: {name} ({host}) has gone OFFLINE"
)

// TelegramOptions configures the Telegram notifier.
type TelegramOptions struct {
	APIToken string `yaml:"api_token"`
	ChatID   string `yaml:"chat_id"`

	// Messages may reference {name}, {host}, {type} and {state}.
	OnlineMessage  string `yaml:"online_message"`
	OfflineMessage string `yaml:"offline_message"`

	// APIURL overrides the Bot API base URL.
	APIURL string `yaml:"api_url"`

	// MessagesPerSecond paces sends to stay under the Bot API flood limit.
	MessagesPerSecond float64 `yaml:"messages_per_second"`

	Timeout types.Duration `yaml:"timeout"`
}

// telegramResponse is the Bot API response envelope.
type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Telegram posts state changes to a chat through the Bot API.
type Telegram struct {
	opts    TelegramOptions
	client  *http.Client
	limiter *rate.Limiter
	log     *logrus.Entry
}

// NewTelegram is the factory registered for TelegramType.
func NewTelegram(ctx context.Context, env plugins.Env, options map[string]interface{}) (types.Notifier, error) {
	opts := TelegramOptions{
		OnlineMessage:     defaultOnlineMessage,
		OfflineMessage:    defaultOfflineMessage,
		APIURL:            defaultTelegramAPI,
		MessagesPerSecond: 1,
		Timeout:           types.Duration(10 * time.Second),
	}
	if err := plugins.DecodeOptions(plugins.CapabilityNotifier, TelegramType, options, &opts); err != nil {
		return nil, err
	}
	if err := plugins.RequireField(plugins.CapabilityNotifier, TelegramType, "api_token", opts.APIToken); err != nil {
		return nil, err
	}
	if err := plugins.RequireField(plugins.CapabilityNotifier, TelegramType, "chat_id", opts.ChatID); err != nil {
		return nil, err
	}
	if opts.MessagesPerSecond <= 0 {
		return nil, plugins.FieldError(plugins.CapabilityNotifier, TelegramType, "messages_per_second",
			errors.New("must be positive"))
	}
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")

	client := &http.Client{
		Timeout: opts.Timeout.Std(),
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Telegram{
		opts:    opts,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), 1),
		log:     logger.Component(TelegramType).WithField("chat_id", opts.ChatID),
	}, nil
}

// Render formats the message for result. Field values are HTML-escaped
// because messages are sent with the HTML parse mode.
func (t *Telegram) Render(result types.CheckResult) string {
	tmpl := t.opts.OfflineMessage
	if result.State == types.StateOnline {
		tmpl = t.opts.OnlineMessage
	}
	return strings.NewReplacer(
		"{name}", html.EscapeString(result.Name),
		"{host}", html.EscapeString(result.Host),
		"{type}", html.EscapeString(result.Type),
		"{state}", result.State.String(),
	).Replace(tmpl)
}

// Notify implements types.Notifier.
func (t *Telegram) Notify(ctx context.Context, result types.CheckResult) types.Outcome {
	if err := t.limiter.Wait(ctx); err != nil {
		return types.Failure(fmt.Errorf("waiting for send slot: %w", err))
	}

	body, err := json.Marshal(map[string]string{
		"chat_id":    t.opts.ChatID,
		"text":       t.Render(result),
		"parse_mode": "HTML",
	})
	if err != nil {
		return types.Failure(fmt.Errorf("failed to marshal message: %w", err))
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.opts.APIURL, t.opts.APIToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return types.Failure(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL embeds the bot token; keep it out of logs.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return types.Failure(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return types.Failure(fmt.Errorf("failed to read response: %w", err))
	}

	var apiResp telegramResponse
	if err := json.Unmarshal(payload, &apiResp); err != nil {
		return types.Failure(fmt.Errorf("unexpected response (status %d): %w", resp.StatusCode, err))
	}

	return t.outcome(resp.StatusCode, apiResp)
}

func (t *Telegram) outcome(status int, resp telegramResponse) types.Outcome {
	if status == http.StatusOK && resp.OK {
		t.log.Info("Message sent")
		return types.Success()
	}

	if status == http.StatusTooManyRequests && resp.Parameters.RetryAfter > 0 {
		delay := time.Duration(resp.Parameters.RetryAfter) * time.Second
		t.log.WithField("retry_after", delay).Warn("Flood limit exceeded")
		return types.RetryAfter(delay)
	}

	switch {
	case status == http.StatusForbidden:
		return types.Failure(fmt.Errorf("bot blocked or user deactivated: %s", resp.Description))
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(resp.Description), "chat not found"):
		return types.Failure(fmt.Errorf("invalid chat id %s: %s", t.opts.ChatID, resp.Description))
	default:
		return types.Failure(fmt.Errorf("telegram API error %d: %s", status, resp.Description))
	}
}
