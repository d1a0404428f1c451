package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "defectbot/internal/runtime/supervisor"
	"defectbot/internal/transport"
	logx "defectbot/pkg/logx"
)

type Config struct {
	Token          string
	APIURL         string
	RequestTimeout time.Duration
	RatePerSec     int
	MediaRoot      string
	PollTimeout    time.Duration
}

// Channel is the Telegram delivery channel. Safe for concurrent use.
type Channel struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	http    *http.Client
	limiter *rate.Limiter

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	polling bool
	closed  bool
}

var _ transport.Channel = (*Channel)(nil)

type chatRecipient string

func (r chatRecipient) Recipient() string { return string(r) }

// New connects to the Bot API (getMe) and returns a ready channel.
// On failure nothing is left open.
func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}

	// Long polling holds a request for PollTimeout; leave room on top of the send timeout.
	client := &http.Client{Timeout: cfg.RequestTimeout + cfg.PollTimeout}
	b, err := tele.NewBot(tele.Settings{
		URL:    strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Token:  cfg.Token,
		Client: client,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		client.CloseIdleConnections()
		return nil, fmt.Errorf("telegram connect: %w", err)
	}

	log.Info("telegram channel ready", logx.String("bot", b.Me.Username))
	return &Channel{
		cfg:     cfg,
		log:     log,
		bot:     b,
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// wait paces outbound API calls.
func (c *Channel) wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.limiter.Wait(ctx)
}

func (c *Channel) SendText(ctx context.Context, to transport.Address, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := c.wait(ctx); err != nil {
			return &transport.ChannelError{Op: "sendMessage", Address: to, Err: err}
		}
		if _, err := c.bot.Send(chatRecipient(to), chunk, &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
			return &transport.ChannelError{Op: "sendMessage", Address: to, Err: err}
		}
	}
	return nil
}

// SendPhoto uploads the photo with caption. Captions over Telegram's limit
// are sent as a follow-up text message instead.
func (c *Channel) SendPhoto(ctx context.Context, to transport.Address, photoRef, caption string) error {
	path, err := transport.ResolvePhoto(c.cfg.MediaRoot, photoRef)
	if err != nil {
		return err
	}
	photo := &diskPhoto{client: c.http, path: path}
	long := runeLen(caption) > captionLimit
	if !long {
		photo.caption = caption
	}

	if err := c.wait(ctx); err != nil {
		return &transport.ChannelError{Op: "sendPhoto", Address: to, Err: err}
	}
	if _, err := c.bot.Send(chatRecipient(to), photo, &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
		return &transport.ChannelError{Op: "sendPhoto", Address: to, Err: err}
	}
	if long {
		return c.SendText(ctx, to, caption)
	}
	return nil
}

// Close stops polling (if running) and drops idle connections. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sup := c.sup
	c.sup = nil
	c.polling = false
	c.mu.Unlock()

	if sup != nil {
		sup.Cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := sup.Wait(ctx); err != nil {
			c.log.Warn("telegram poller did not stop in time", logx.Err(err))
		}
		cancel()
	}
	c.http.CloseIdleConnections()
	c.log.Debug("telegram channel closed")
	return nil
}
