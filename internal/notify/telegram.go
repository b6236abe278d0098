package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the part of *tgbotapi.BotAPI used for delivery.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers notifications as bot messages. Telegram user ids double
// as private chat ids.
type Telegram struct {
	sender Sender
	admins []int64
	logger *slog.Logger
}

func NewTelegram(sender Sender, admins []int64, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{sender: sender, admins: admins, logger: logger}
}

var _ Notifier = (*Telegram)(nil)

func (t *Telegram) Notify(ctx context.Context, userID int64, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.sender.Send(Render(userID, msg)); err != nil {
		return fmt.Errorf("send to %d: %w", userID, err)
	}
	return nil
}

func (t *Telegram) NotifyAdmins(ctx context.Context, msg Message) error {
	var errs []error
	for _, id := range t.admins {
		if err := t.Notify(ctx, id, msg); err != nil {
			t.logger.Warn("admin notification failed", "admin_id", id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Render converts a Message into the matching bot API request.
func Render(chatID int64, msg Message) tgbotapi.Chattable {
	var markup interface{}
	if len(msg.Buttons) > 0 {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			if b.URL != "" {
				row = append(row, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
				continue
			}
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		markup = tgbotapi.NewInlineKeyboardMarkup(row)
	}

	switch {
	case msg.PhotoURL != "":
		c := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(msg.PhotoURL))
		c.Caption = msg.Text
		c.ReplyMarkup = markup
		return c
	case msg.VideoURL != "":
		c := tgbotapi.NewVideo(chatID, tgbotapi.FileURL(msg.VideoURL))
		c.Caption = msg.Text
		c.ReplyMarkup = markup
		return c
	default:
		c := tgbotapi.NewMessage(chatID, msg.Text)
		c.ReplyMarkup = markup
		return c
	}
}
