// Package telegram is the Telegram Bot API transport. It long-polls for
// updates, including messages received through a connected business
// account, and replies through the same connection they arrived on.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/config"
)

const channelName = "telegram"

// Channel is a long-polling Telegram bot.
type Channel struct {
	bot *telego.Bot
	bus *bus.MessageBus

	// business maps a chat id to the business connection its last
	// inbound message came through.
	business sync.Map

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.TelegramConfig, mb *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{bot: bot, bus: mb}, nil
}

func (c *Channel) Name() string { return channelName }

func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        pollTimeoutSec,
		AllowedUpdates: []string{"message", "business_message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram long polling: %w", err)
	}

	if err := c.SyncMenuCommands(ctx, DefaultMenuCommands()); err != nil {
		slog.Warn("telegram: menu sync failed", "error", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	slog.Info("telegram: polling", "bot", c.bot.Username())
	go func() {
		defer close(done)
		for update := range updates {
			c.handleUpdate(update)
		}
	}()
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(stopWait):
		return fmt.Errorf("telegram: update loop did not stop")
	}
}

func (c *Channel) handleUpdate(update telego.Update) {
	msg, businessID, ok := inboundFromUpdate(update, c.bot.Username())
	if !ok {
		return
	}
	if businessID != "" {
		c.business.Store(msg.ChatID, businessID)
	}
	c.bus.PublishInbound(msg)
}

// inboundFromUpdate converts an update to a bus message. It returns the
// business connection id when the message came through one, and false for
// updates that carry nothing to answer.
func inboundFromUpdate(update telego.Update, botUsername string) (bus.InboundMessage, string, bool) {
	m := update.Message
	if m == nil {
		m = update.BusinessMessage
	}
	if m == nil || m.From == nil || m.From.IsBot {
		return bus.InboundMessage{}, "", false
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if strings.TrimSpace(text) == "" {
		return bus.InboundMessage{}, "", false
	}

	// Commands stay bare so the gateway can recognise them.
	if !strings.HasPrefix(text, "/") {
		text = enrichContentWithContext(text, buildMessageContext(m, botUsername))
	} else {
		text = stripBotMention(text, botUsername)
	}

	return bus.InboundMessage{
		Channel:    channelName,
		SenderID:   strconv.FormatInt(m.From.ID, 10),
		SenderName: buildUserName(m.From),
		ChatID:     strconv.FormatInt(m.Chat.ID, 10),
		MessageID:  strconv.Itoa(m.MessageID),
		Content:    text,
		IsGroup:    m.Chat.Type != telego.ChatTypePrivate,
	}, m.BusinessConnectionID, true
}

// stripBotMention turns "/help@my_bot args" into "/help args".
func stripBotMention(text, botUsername string) string {
	if botUsername == "" {
		return text
	}
	cmd, rest, _ := strings.Cut(text, " ")
	cmd = strings.TrimSuffix(cmd, "@"+botUsername)
	if rest == "" {
		return cmd
	}
	return cmd + " " + rest
}

func (c *Channel) businessConnection(chatID string) string {
	if v, ok := c.business.Load(chatID); ok {
		return v.(string)
	}
	return ""
}

// Send delivers msg, split into Telegram-sized pieces.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	id, err := parseChatID(msg.ChatID)
	if err != nil {
		return err
	}
	businessID := c.businessConnection(msg.ChatID)
	for _, part := range channels.SplitMessage(msg.Content, telegramMaxMessageLen) {
		params := tu.Message(tu.ID(id), part)
		params.BusinessConnectionID = businessID
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (c *Channel) SendTyping(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	params := tu.ChatAction(tu.ID(id), telego.ChatActionTyping)
	params.BusinessConnectionID = c.businessConnection(chatID)
	return c.bot.SendChatAction(ctx, params)
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}
