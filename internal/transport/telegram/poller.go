package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "defectbot/internal/runtime/supervisor"
	"defectbot/internal/storage"
	logx "defectbot/pkg/logx"
)

// Subscriber registers a chat for notifications under a display name.
type Subscriber interface {
	Subscribe(ctx context.Context, name, telegramID string) error
}

const (
	replyStart = "Hi! Notifications about defects will arrive in this chat.\n" +
		"Your chat id: <code>%s</code>\n" +
		"Register with /subscribe &lt;name&gt; using the name from the executors or responsibles list."
	replySubscribeUsage = "Usage: /subscribe &lt;name&gt;"
	replySubscribed     = "Subscribed as <b>%s</b>."
	replyDuplicate      = "This chat is already subscribed."
	replyFailed         = "Subscription failed, try again later."
)

// Listen starts long polling and serves the bot commands. It returns
// immediately; polling stops on Close or when ctx is cancelled.
func (c *Channel) Listen(ctx context.Context, subs Subscriber) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.polling || c.closed {
		c.mu.Unlock()
		return
	}
	c.polling = true
	c.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(c.log.With(logx.String("comp", "telegram.poll"))),
		rtsup.WithCancelOnError(false),
	)
	sup := c.sup
	c.mu.Unlock()

	c.registerHandlers(ctx, subs)

	// bot.Stop blocks until a running Start takes the signal, so it is only
	// called from the goroutine that owns Start.
	sup.GoRestart0("telebot.poll", func(ctx context.Context) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			c.bot.Start()
		}()
		c.log.Info("polling started")

		select {
		case <-done:
		case <-ctx.Done():
			c.bot.Stop()
			<-done
		}
		c.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
}

func (c *Channel) registerHandlers(ctx context.Context, subs Subscriber) {
	c.bot.Handle("/start", func(tc tele.Context) error {
		return tc.Send(fmt.Sprintf(replyStart, chatID(tc)), tele.ModeHTML)
	})

	c.bot.Handle("/id", func(tc tele.Context) error {
		return tc.Send("<code>"+chatID(tc)+"</code>", tele.ModeHTML)
	})

	c.bot.Handle("/subscribe", func(tc tele.Context) error {
		name := strings.TrimSpace(tc.Message().Payload)
		if name == "" {
			return tc.Send(replySubscribeUsage, tele.ModeHTML)
		}
		if subs == nil {
			return tc.Send(replyFailed)
		}

		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		id := chatID(tc)
		err := subs.Subscribe(sctx, name, id)
		switch {
		case err == nil:
			c.log.Info("chat subscribed", logx.String("name", name), logx.String("telegram_id", id))
			return tc.Send(fmt.Sprintf(replySubscribed, htmlEscape(name)), tele.ModeHTML)
		case errors.Is(err, storage.ErrDuplicate):
			return tc.Send(replyDuplicate)
		default:
			c.log.Warn("subscribe failed", logx.String("name", name), logx.Err(err))
			return tc.Send(replyFailed)
		}
	})
}

func chatID(tc tele.Context) string {
	if ch := tc.Chat(); ch != nil {
		return strconv.FormatInt(ch.ID, 10)
	}
	if u := tc.Sender(); u != nil {
		return strconv.FormatInt(u.ID, 10)
	}
	return ""
}

var htmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func htmlEscape(s string) string { return htmlReplacer.Replace(s) }
