package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/genbot/backend/internal/models"
)

// Button is an inline action attached to a message. Data is the callback
// payload; a button with URL set opens the link instead.
type Button struct {
	Text string
	Data string
	URL  string
}

// Message is a user-facing notification. At most one of PhotoURL or VideoURL is set;
// Text becomes the caption when media is present.
type Message struct {
	Text     string
	PhotoURL string
	VideoURL string
	Buttons  []Button
}

// Notifier delivers messages to users and to the configured admins.
type Notifier interface {
	Notify(ctx context.Context, userID int64, msg Message) error
	NotifyAdmins(ctx context.Context, msg Message) error
}

// Log writes notifications to the structured log. Used when no bot token is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

var _ Notifier = (*Log)(nil)

func (l *Log) Notify(_ context.Context, userID int64, msg Message) error {
	l.logger.Info("notify user", "user_id", userID, "text", msg.Text, "photo", msg.PhotoURL, "video", msg.VideoURL)
	return nil
}

func (l *Log) NotifyAdmins(_ context.Context, msg Message) error {
	l.logger.Info("notify admins", "text", msg.Text)
	return nil
}

// JobFinished describes a terminal job for its owner.
func JobFinished(job *models.Job, balance int64) Message {
	switch job.State {
	case models.JobStateCompleted:
		msg := Message{Text: fmt.Sprintf("Done! %d credits spent. Balance: %d", job.Cost, balance)}
		if job.Kind == models.JobKindVideo {
			msg.VideoURL = job.ArtifactURL
			return msg
		}
		msg.PhotoURL = job.ArtifactURL
		msg.Buttons = []Button{{Text: "Animate", Data: "animate:" + job.ID.String()}}
		return msg
	case models.JobStateRejected:
		return Message{Text: fmt.Sprintf("Not enough credits: this needs %d, you have %d. Use /buy to top up.", job.Cost, balance)}
	}
	what := "Generation failed."
	if job.State == models.JobStateTimedOut {
		what = "Generation timed out."
	}
	if job.RefundID == nil {
		return Message{Text: fmt.Sprintf("%s Balance: %d", what, balance)}
	}
	return Message{Text: fmt.Sprintf("%s %d credits refunded. Balance: %d", what, job.Cost, balance)}
}

// PaymentCredited confirms a newly credited payment to the payer.
func PaymentCredited(ev *models.PaymentEvent, balance int64) Message {
	return Message{Text: fmt.Sprintf("Payment received: +%d credits. Balance: %d", ev.Credits, balance)}
}

// PaymentNotCompleted tells the payer a payment ended without credit.
func PaymentNotCompleted(ev *models.PaymentEvent) Message {
	return Message{Text: fmt.Sprintf("Payment %s ended with status %q. No credits were added.", ev.PaymentID, ev.GatewayStatus)}
}

// PaymentAdminAlert reports a credited payment to admins.
func PaymentAdminAlert(ev *models.PaymentEvent) Message {
	return Message{Text: fmt.Sprintf("New payment %s: user %d, package %q, %s %s, +%d credits",
		ev.PaymentID, ev.UserID, ev.Package, ev.Amount.String(), ev.Currency, ev.Credits)}
}

// InvoiceCreated hands the payer a link to the gateway's checkout page.
func InvoiceCreated(pkg string, credits int64, price, url string) Message {
	return Message{
		Text:    fmt.Sprintf("Package %q: %d credits for $%s.\nCredits are added a few minutes after the payment confirms.", pkg, credits, price),
		Buttons: []Button{{Text: "Pay now", URL: url}},
	}
}

// CreditsAdjusted tells a user an admin changed their balance.
func CreditsAdjusted(delta, balance int64) Message {
	if delta > 0 {
		return Message{Text: fmt.Sprintf("An admin added %d credits. Balance: %d", delta, balance)}
	}
	return Message{Text: fmt.Sprintf("An admin removed %d credits. Balance: %d", -delta, balance)}
}
