package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "prodpulse/pkg/logx"
)

const telegramTextLimit = 4000

// Telegram is a send-only delivery adapter. The bot never polls for updates;
// it only pushes messages into the configured chat.
type Telegram struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(token string, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, log: log}, nil
}

// Send delivers one notification as HTML, splitting oversized texts into
// multiple messages. Telegram flood waits surface as RetryAfter errors so the
// pipeline can back off accordingly.
func (t *Telegram) Send(ctx context.Context, to Target, n Notification) error {
	chat := &tele.Chat{ID: to.ChatID}

	if len(n.Photo) > 0 {
		caption := n.Text
		if len([]rune(caption)) > 1024 {
			caption = string([]rune(caption)[:1024])
		}
		photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(n.Photo)), Caption: caption}
		opt := &tele.SendOptions{ParseMode: tele.ModeHTML, ThreadID: to.ThreadID}
		if _, err := t.bot.Send(chat, photo, opt); err != nil {
			return classifySendError(err)
		}
		return nil
	}

	chunks := splitTelegramText(n.Text, telegramTextLimit, tele.ModeHTML)

	for _, chunk := range chunks {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		opt := &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: n.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if _, err := t.bot.Send(chat, chunk, opt); err != nil {
			return classifySendError(err)
		}
	}
	return nil
}

// classifySendError maps Telegram API failures to retry semantics: flood
// waits become RetryAfter hints, client-side rejections become permanent.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) {
		return RetryAfter(err, time.Duration(floodPtr.RetryAfter)*time.Second)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		// 4xx (except flood) means the request itself is wrong: bad chat id,
		// unparsable HTML, kicked bot. Retrying won't help.
		if apiErr.Code >= 400 && apiErr.Code < 500 {
			return NoRetry(err)
		}
	}
	return err
}

// splitTelegramText splits long messages into chunks that are safe to send to
// Telegram. It prefers newline boundaries and (best-effort) avoids splitting
// inside HTML tags.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		// Best-effort: don't split inside a tag for HTML parse mode.
		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			lastOpen := -1
			lastClose := -1
			for i := start; i < end; i++ {
				if rs[i] == '<' {
					lastOpen = i
				} else if rs[i] == '>' {
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
