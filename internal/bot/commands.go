package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/genbot/backend/internal/admin"
	"github.com/genbot/backend/internal/generation"
	"github.com/genbot/backend/internal/jobs"
	"github.com/genbot/backend/internal/ledger"
	"github.com/genbot/backend/internal/models"
	"github.com/genbot/backend/internal/notify"
	"github.com/genbot/backend/internal/payments"
)

const (
	callbackAnimate = "animate:"
	callbackBuy     = "buy:"

	defaultAnimatePrompt = "subtle natural motion, gentle camera movement"
)

func (b *Bot) handleCommand(ctx context.Context, m *tgbotapi.Message) {
	if m.From == nil || m.Chat == nil {
		return
	}
	chatID := m.Chat.ID
	args := strings.TrimSpace(m.CommandArguments())

	switch m.Command() {
	case "start":
		b.cmdStart(ctx, m)
	case "help":
		b.reply(chatID, b.helpText())
	case "balance":
		b.cmdBalance(ctx, m)
	case "roll":
		b.cmdGenerate(ctx, m, models.JobKindImage, args)
	case "video":
		if args == "" {
			b.reply(chatID, "Usage: /video <prompt>\nOr press Animate under an image you rolled.")
			return
		}
		b.cmdGenerate(ctx, m, models.JobKindVideo, args)
	case "buy":
		b.cmdBuy(ctx, m)
	case "checkin":
		b.cmdCheckin(ctx, m)
	case "history":
		b.cmdHistory(ctx, m)
	case "add_credits":
		b.cmdAddCredits(ctx, m, args)
	default:
		b.reply(chatID, "Unknown command. See /help.")
	}
}

func (b *Bot) cmdStart(ctx context.Context, m *tgbotapi.Message) {
	_, granted, err := b.ensureUser(ctx, m.From)
	if err != nil {
		b.fail(m.Chat.ID, "start", err)
		return
	}
	balance, err := b.ledger.Balance(ctx, m.From.ID)
	if err != nil {
		b.fail(m.Chat.ID, "start", err)
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Welcome %s!\n\n", m.From.FirstName)
	if granted {
		fmt.Fprintf(&sb, "You have %d free credits to start.\n\n", balance)
	} else {
		fmt.Fprintf(&sb, "Your balance: %d credits.\n\n", balance)
	}
	fmt.Fprintf(&sb, "/roll - generate an image (%d credit)\n", b.cfg.ImageCost)
	fmt.Fprintf(&sb, "/video <prompt> - generate a video (%d credits)\n", b.cfg.VideoCost)
	sb.WriteString("/balance - check your credits\n/buy - get more credits\n/checkin - daily bonus\n\n")
	fmt.Fprintf(&sb, "After each roll you can animate the image for %d credits.", b.cfg.VideoCost)
	b.reply(m.Chat.ID, sb.String())
}

func (b *Bot) helpText() string {
	return fmt.Sprintf("How it works\n\n"+
		"/roll [prompt] - generate an image, random if no prompt (%d credit)\n"+
		"/video <prompt> - generate a video (%d credits)\n"+
		"Animate button - turn a rolled image into a video (%d credits)\n"+
		"/balance - check your credits\n"+
		"/history - recent credit activity\n"+
		"/checkin - daily bonus (+%d credits)\n"+
		"/buy - get more credits\n\n"+
		"Failed or timed-out generations are refunded automatically.",
		b.cfg.ImageCost, b.cfg.VideoCost, b.cfg.VideoCost, b.cfg.CheckinReward)
}

func (b *Bot) cmdBalance(ctx context.Context, m *tgbotapi.Message) {
	if _, _, err := b.ensureUser(ctx, m.From); err != nil {
		b.fail(m.Chat.ID, "balance", err)
		return
	}
	balance, err := b.ledger.Balance(ctx, m.From.ID)
	if err != nil {
		b.fail(m.Chat.ID, "balance", err)
		return
	}
	b.reply(m.Chat.ID, fmt.Sprintf("Credits: %d\n\nImage: %d credit\nVideo: %d credits\n\nNeed more? Use /buy.",
		balance, b.cfg.ImageCost, b.cfg.VideoCost))
}

func (b *Bot) cmdGenerate(ctx context.Context, m *tgbotapi.Message, kind, prompt string) {
	if _, _, err := b.ensureUser(ctx, m.From); err != nil {
		b.fail(m.Chat.ID, kind, err)
		return
	}
	params := map[string]any{"prompt": prompt}
	if prompt == "" {
		params["prompt"] = RandomPrompt(b.rand)
		params["negative_prompt"] = defaultNegativePrompt
	}
	b.submit(ctx, m.Chat.ID, m.From.ID, kind, params, nil)
}

func (b *Bot) submit(ctx context.Context, chatID, userID int64, kind string, params map[string]any, source *uuid.UUID) {
	raw, err := json.Marshal(params)
	if err != nil {
		b.fail(chatID, kind, err)
		return
	}
	job, err := b.jobs.Request(ctx, userID, kind, raw, source)
	switch {
	case errors.Is(err, generation.ErrInvalidParams):
		b.reply(chatID, "That prompt can't be used: "+err.Error())
		return
	case errors.Is(err, jobs.ErrInvalidSourceJob):
		b.reply(chatID, "That image can't be animated.")
		return
	case err != nil:
		b.fail(chatID, kind, err)
		return
	}

	switch job.Outcome {
	case models.OutcomeBusy:
		b.reply(chatID, "The generator is busy right now. Please try again in a few minutes. No credits were charged.")
		return
	case models.OutcomeDailyLimit:
		b.reply(chatID, fmt.Sprintf("You've reached today's limit of %d credits. Try again tomorrow.", b.cfg.DailySpendLimit))
		return
	case models.OutcomeInsufficientCredits:
		balance, err := b.ledger.Balance(ctx, userID)
		if err != nil {
			b.fail(chatID, kind, err)
			return
		}
		b.reply(chatID, fmt.Sprintf("Out of credits! You need %d but have %d.\n\nUse /buy to get more.", job.Cost, balance))
		return
	}
	what := "image"
	if kind == models.JobKindVideo {
		what = "video"
	}
	b.reply(chatID, fmt.Sprintf("Generating your %s... %d credits reserved.\nI'll send it here when it's ready.", what, job.Cost))
}

func (b *Bot) cmdBuy(ctx context.Context, m *tgbotapi.Message) {
	if !b.invoices.Enabled() {
		b.reply(m.Chat.ID, fmt.Sprintf("Payment gateways are not configured yet.\n\n"+
			"Please contact an administrator to top up your credits.\nYour Telegram ID: %d", m.From.ID))
		return
	}
	if _, _, err := b.ensureUser(ctx, m.From); err != nil {
		b.fail(m.Chat.ID, "buy", err)
		return
	}
	msg := notify.Message{Text: "Choose a package. Pay with BTC, ETH, USDT, LTC and more."}
	for _, p := range b.invoices.Packages() {
		msg.Buttons = append(msg.Buttons, notify.Button{
			Text: fmt.Sprintf("%s: %d credits, $%s", p.Key, p.Credits, p.Price.StringFixed(2)),
			Data: callbackBuy + p.Key,
		})
	}
	b.send(renderColumn(m.Chat.ID, msg))
}

func (b *Bot) cmdCheckin(ctx context.Context, m *tgbotapi.Message) {
	if b.cfg.CheckinReward <= 0 {
		b.reply(m.Chat.ID, "Daily check-in is disabled.")
		return
	}
	if _, _, err := b.ensureUser(ctx, m.From); err != nil {
		b.fail(m.Chat.ID, "checkin", err)
		return
	}
	now := b.now()
	_, credited, err := ledger.Checkin(ctx, b.ledger, m.From.ID, now, b.cfg.CheckinReward)
	if err != nil {
		b.fail(m.Chat.ID, "checkin", err)
		return
	}
	streak, err := ledger.CheckinStreak(ctx, b.ledger, m.From.ID, now)
	if err != nil {
		b.logger.Warn("checkin streak failed", "user_id", m.From.ID, "error", err)
	}
	balance, err := b.ledger.Balance(ctx, m.From.ID)
	if err != nil {
		b.fail(m.Chat.ID, "checkin", err)
		return
	}
	if !credited {
		b.reply(m.Chat.ID, fmt.Sprintf("Already checked in today. Streak: %d days. Balance: %d", streak, balance))
		return
	}
	b.reply(m.Chat.ID, fmt.Sprintf("Checked in: +%d credits. Streak: %d days. Balance: %d", b.cfg.CheckinReward, streak, balance))
}

func (b *Bot) cmdHistory(ctx context.Context, m *tgbotapi.Message) {
	list, err := b.ledger.History(ctx, m.From.ID, 10)
	if err != nil {
		b.fail(m.Chat.ID, "history", err)
		return
	}
	if len(list) == 0 {
		b.reply(m.Chat.ID, "No credit activity yet. Try /start.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Recent activity\n\n")
	for _, t := range list {
		fmt.Fprintf(&sb, "%s  %+d  %s\n", t.CreatedAt.UTC().Format("01-02 15:04"), t.Delta, strings.ReplaceAll(t.Reason, "_", " "))
	}
	b.reply(m.Chat.ID, sb.String())
}

func (b *Bot) cmdAddCredits(ctx context.Context, m *tgbotapi.Message, args string) {
	if !b.cfg.IsAdmin(m.From.ID) {
		b.reply(m.Chat.ID, "You don't have permission to use this command.")
		return
	}
	fields := strings.Fields(args)
	if len(fields) != 2 {
		b.reply(m.Chat.ID, "Usage: /add_credits <user_id> <amount>\nExample: /add_credits 123456789 100")
		return
	}
	target, err1 := strconv.ParseInt(fields[0], 10, 64)
	amount, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		b.reply(m.Chat.ID, "Invalid arguments. Both user_id and amount must be numbers.")
		return
	}
	if amount <= 0 {
		b.reply(m.Chat.ID, "Amount must be positive.")
		return
	}
	adj, err := b.admin.Adjust(ctx, m.From.ID, target, amount, "telegram /add_credits")
	if errors.Is(err, admin.ErrUnauthorized) {
		b.reply(m.Chat.ID, "You don't have permission to use this command.")
		return
	}
	if err != nil {
		b.fail(m.Chat.ID, "add_credits", err)
		return
	}
	b.reply(m.Chat.ID, fmt.Sprintf("Added %d credits to user %d.\nNew balance: %d credits", amount, target, adj.Balance))
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil || q.Message == nil || q.Message.Chat == nil {
		return
	}
	b.answer(q.ID, "")
	chatID := q.Message.Chat.ID

	switch {
	case strings.HasPrefix(q.Data, callbackAnimate):
		b.cbAnimate(ctx, chatID, q.From, strings.TrimPrefix(q.Data, callbackAnimate))
	case strings.HasPrefix(q.Data, callbackBuy):
		b.cbBuy(ctx, chatID, q.From.ID, strings.TrimPrefix(q.Data, callbackBuy))
	default:
		b.logger.Warn("unknown callback", "data", q.Data, "user_id", q.From.ID)
	}
}

func (b *Bot) cbAnimate(ctx context.Context, chatID int64, from *tgbotapi.User, rawID string) {
	sourceID, err := uuid.Parse(rawID)
	if err != nil {
		b.reply(chatID, "That image can't be animated.")
		return
	}
	if _, _, err := b.ensureUser(ctx, from); err != nil {
		b.fail(chatID, "animate", err)
		return
	}
	prompt := defaultAnimatePrompt
	if src, err := b.jobs.Get(ctx, sourceID); err == nil {
		if p := gjson.GetBytes(src.Params, "prompt").String(); p != "" {
			prompt = p
		}
	}
	b.submit(ctx, chatID, from.ID, models.JobKindVideo, map[string]any{"prompt": prompt}, &sourceID)
}

func (b *Bot) cbBuy(ctx context.Context, chatID, userID int64, pkgKey string) {
	inv, err := b.invoices.CreateInvoice(ctx, userID, pkgKey)
	switch {
	case errors.Is(err, payments.ErrGatewayDisabled):
		b.reply(chatID, "Crypto payment is temporarily unavailable. Please contact an admin.")
		return
	case errors.Is(err, payments.ErrUnknownPackage):
		b.reply(chatID, "That package is no longer available. Use /buy again.")
		return
	case err != nil:
		b.fail(chatID, "buy", err)
		return
	}
	msg := notify.InvoiceCreated(inv.Package.Key, inv.Package.Credits, inv.Package.Price.StringFixed(2), inv.URL)
	b.send(notify.Render(chatID, msg))
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.logger.Warn("callback answer failed", "error", err)
	}
}

func (b *Bot) fail(chatID int64, op string, err error) {
	b.logger.Error("telegram command failed", "op", op, "chat_id", chatID, "error", err)
	b.reply(chatID, "Something went wrong. Please try again later.")
}

// renderColumn lays buttons out one per row, which suits long package labels.
func renderColumn(chatID int64, msg notify.Message) tgbotapi.MessageConfig {
	c := tgbotapi.NewMessage(chatID, msg.Text)
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(msg.Buttons))
	for _, btn := range msg.Buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Data)))
	}
	if len(rows) > 0 {
		c.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	return c
}
