package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"notibot/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	telegramDefaultTimeout = 30
)

// botAPI is the subset of *tgbotapi.BotAPI the relay calls.
type botAPI interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Telegram implements domain.Backend on top of the Bot API long-polling
// getUpdates call.
type Telegram struct {
	bot         botAPI
	pollTimeout int
	limiter     *sendLimiter
	logger      *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

type TelegramConfig struct {
	Token          string
	PollTimeout    int     // seconds the server may hold a getUpdates call
	SendsPerSecond float64 // outbound throttle; 0 uses the default
	Logger         *slog.Logger
}

// NewTelegram authenticates with the Bot API and clears any webhook so that
// getUpdates is allowed.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is required")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t := newTelegram(bot, cfg)
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return nil, fmt.Errorf("telegram delete webhook: %w", err)
	}
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)
	return t, nil
}

func newTelegram(bot botAPI, cfg TelegramConfig) *Telegram {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = telegramDefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		bot:         bot,
		pollTimeout: cfg.PollTimeout,
		limiter:     newSendLimiter(0, cfg.SendsPerSecond),
		logger:      cfg.Logger,
		sleep:       sleepCtx,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// FetchUpdates long-polls for updates with ID >= offset. The Bot API call
// itself cannot be cancelled, so a cancelled ctx abandons it and any updates
// it returns are fetched again from the same offset next time.
func (t *Telegram) FetchUpdates(ctx context.Context, offset int) ([]domain.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u := tgbotapi.NewUpdate(offset)
	u.Timeout = t.pollTimeout

	type result struct {
		raw []tgbotapi.Update
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := t.bot.GetUpdates(u)
		done <- result{raw, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, fmt.Errorf("telegram get updates: %w", res.err)
	}
	updates := make([]domain.Update, 0, len(res.raw))
	for _, r := range res.raw {
		updates = append(updates, convertUpdate(r))
	}
	return updates, nil
}

// SendText delivers text to chatID, splitting it into Telegram-sized chunks.
func (t *Telegram) SendText(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk sends one chunk. Only failures where Telegram cannot have
// delivered the message are retried: 429 rate limits and dial errors. Any
// other error may have followed a delivery and is returned as is.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return nil
		}
		lastErr = err

		backoff, retry := retryDelay(err, attempt)
		if !retry {
			return fmt.Errorf("telegram send to %d: %w", chatID, err)
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		t.logger.Warn("telegram send not delivered, retrying",
			"chat_id", chatID, "err", err, "backoff", backoff, "attempt", attempt+1)
		if err := t.sleep(ctx, backoff); err != nil {
			return err
		}
	}
	t.logger.Error("telegram send failed after retries",
		"chat_id", chatID, "err", lastErr, "attempts", telegramMaxSendRetries+1)
	return fmt.Errorf("telegram send to %d: %w", chatID, lastErr)
}

// retryDelay reports whether err proves the message was not delivered and,
// if so, how long to wait before the next attempt.
func retryDelay(err error, attempt int) (time.Duration, bool) {
	backoff := time.Duration(attempt+1) * time.Second

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code != 429 {
			return 0, false
		}
		if apiErr.RetryAfter > 0 {
			backoff = time.Duration(apiErr.RetryAfter) * time.Second
		}
		return backoff, true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return backoff, true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return backoff, true
	}
	return 0, false
}

func convertUpdate(r tgbotapi.Update) domain.Update {
	u := domain.Update{ID: r.UpdateID}
	if r.Message == nil {
		return u
	}
	m := &domain.Message{ID: r.Message.MessageID, Text: r.Message.Text}
	if c := r.Message.Chat; c != nil {
		m.Chat = &domain.Chat{ID: c.ID, Title: c.Title, Kind: chatKind(c.Type)}
	}
	u.Message = m
	return u
}

func chatKind(t string) domain.ChatKind {
	switch t {
	case "private":
		return domain.ChatPrivate
	case "group":
		return domain.ChatGroup
	case "supergroup":
		return domain.ChatSupergroup
	default:
		return domain.ChatOther
	}
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries in the second half of a chunk. Cuts never split a rune.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
			if cutAt == 0 {
				_, cutAt = utf8.DecodeRuneInString(text)
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
