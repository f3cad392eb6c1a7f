package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification summarises one settled round.
type Notification struct {
	RoundSeq        int
	OpenedAt        time.Time
	SettledAt       time.Time
	ReferencePrice  float64
	SettlementPrice float64
	Predictions     int
	Wins            int
	Losses          int
	NetPayout       decimal.Decimal
	SubjectID       string
	Balance         decimal.Decimal
	WinStreak       int
	Channels        []string
	AdditionalMsg   string
}

// Notifier delivers round summaries.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered summary.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Int("seq", note.RoundSeq).
		Str("net_payout", note.NetPayout.String()).
		Msg("round summary sent (Telegram)")
	return nil
}

// LogNotifier writes summaries to the application log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info().Int("seq", note.RoundSeq).
		Float64("reference_price", note.ReferencePrice).
		Float64("settlement_price", note.SettlementPrice).
		Int("wins", note.Wins).
		Int("losses", note.Losses).
		Str("net_payout", note.NetPayout.String()).
		Str("balance", note.Balance.String()).
		Msg("round summary")
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[updown] Round #%d settled\n", note.RoundSeq))
	builder.WriteString(fmt.Sprintf("Opened: %s UTC\n", note.OpenedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Price: %.2f -> %.2f (%s)\n", note.ReferencePrice, note.SettlementPrice, movement(note)))
	builder.WriteString(fmt.Sprintf("Predictions: %d (%d won, %d lost)\n", note.Predictions, note.Wins, note.Losses))
	builder.WriteString(fmt.Sprintf("Net payout: %s\n", note.NetPayout.StringFixed(2)))
	if note.SubjectID != "" {
		builder.WriteString(fmt.Sprintf("%s balance: %s, streak %d\n", note.SubjectID, note.Balance.StringFixed(2), note.WinStreak))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func movement(note Notification) string {
	if note.SettlementPrice > note.ReferencePrice {
		return "up"
	}
	return "down"
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
