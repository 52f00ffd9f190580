package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/mtzanidakis/batchchain/internal/chain"
	"github.com/mtzanidakis/batchchain/internal/config"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

const helpText = `Send a request and the right department will answer it.

/all <text> - ask every department
/status <chain id> - show progress of a request`

// Chains is what the bot needs from the chain driver.
type Chains interface {
	Create(ctx context.Context, in chain.NewChain) (*chain.Chain, error)
	Status(id string) (*chain.StatusView, error)
}

type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	chains  Chains
	cfg     config.TelegramConfig
	cancel  context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, chains Chains) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bot{bot: bot, chains: chains, cfg: cfg}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) allowed(userID int64) bool {
	return len(b.cfg.AllowFrom) == 0 || slices.Contains(b.cfg.AllowFrom, userID)
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID
	if !b.allowed(msg.From.ID) {
		slog.Warn("unauthorized telegram user", "user_id", msg.From.ID, "chat_id", chatID)
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	cmd, arg := parseCommand(text)

	mode := chain.ModeSingle
	switch cmd {
	case "":
	case "all":
		mode = chain.ModeBroadcast
	case "status":
		b.replyStatus(ctx, chatID, arg)
		return
	default:
		b.reply(ctx, chatID, helpText)
		return
	}
	if arg == "" {
		return
	}

	c, err := b.chains.Create(ctx, chain.NewChain{
		Text:   arg,
		Mode:   mode,
		Source: "telegram",
		Meta: map[string]string{
			"chat_id": strconv.FormatInt(chatID, 10),
			"sender":  "user:" + strconv.FormatInt(msg.From.ID, 10),
		},
	})
	if err != nil {
		slog.Error("create chain failed", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Sorry, I could not take this request.")
		return
	}

	ack := fmt.Sprintf("Working on it (%s).", c.ID)
	if v := c.Classify.Verdict; v != nil && v.AgentID != "" && mode == chain.ModeSingle {
		ack = fmt.Sprintf("Routed to %s. Working on it (%s).", v.AgentID, c.ID)
	}
	b.reply(ctx, chatID, ack)
}

func (b *Bot) replyStatus(ctx context.Context, chatID int64, id string) {
	if id == "" {
		b.reply(ctx, chatID, "Usage: /status <chain id>")
		return
	}
	st, err := b.chains.Status(id)
	if errors.Is(err, chain.ErrNotFound) {
		b.reply(ctx, chatID, "No such request.")
		return
	}
	if err != nil {
		slog.Error("chain status failed", "chain_id", id, "error", err)
		b.reply(ctx, chatID, "Status is unavailable right now.")
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("%s (cost $%.4f)", st.Status, st.Cost))
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.SendMessage(ctx, chatID, text); err != nil {
		slog.Error("failed to send telegram message", "chat_id", chatID, "error", err)
	}
}

// Notify sends the delivered aggregate of a chain back to the chat it came
// from. Chains without a chat are skipped.
func (b *Bot) Notify(ctx context.Context, c *chain.Chain, text string) error {
	raw, ok := c.Meta["chat_id"]
	if !ok {
		return nil
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", raw, err)
	}
	return b.SendMessage(ctx, chatID, text)
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}
