package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sandevgo/memoria/internal/config"
	"github.com/sandevgo/memoria/internal/core"
	"github.com/sandevgo/memoria/internal/engine"
	"github.com/sandevgo/memoria/pkg/log"
	tele "gopkg.in/telebot.v3"
)

const baseContextKey = "base_context"

// replyTimeout bounds one chat-completion call; the service context has
// no deadline of its own.
const replyTimeout = 90 * time.Second

const welcomeText = `👋 Welcome to Memoria!

I remember your conversations. Chat with me normally and I will keep the
important parts; ask about something we discussed before and I will bring
it back.

/flush closes the current conversation window.`

// Bot is the Telegram transport: it stamps sequence numbers, feeds every
// turn into the memory engine, and answers questions with the help of the
// assembled context window.
type Bot struct {
	bot    *tele.Bot
	engine *engine.Engine
	reply  core.ReplyProvider
}

func NewBot(ctx context.Context, cfg *config.TelegramConfig, eng *engine.Engine, reply core.ReplyProvider) (*Bot, error) {
	pref := tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	b, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	bot := &Bot{
		bot:    b,
		engine: eng,
		reply:  reply,
	}

	// Carry the service context (with logger) into handlers.
	b.Use(func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			c.Set(baseContextKey, ctx)
			return next(c)
		}
	})

	b.Handle("/start", bot.handleStart)
	b.Handle("/help", bot.handleStart)
	b.Handle("/flush", bot.handleFlush)
	b.Handle(tele.OnText, bot.handleMessage)

	return bot, nil
}

func (b *Bot) Start(ctx context.Context) error {
	log.FromCtx(ctx).Info().Msg("starting telegram bot")
	b.bot.Start()
	return nil
}

func (b *Bot) Shutdown(ctx context.Context) error {
	b.bot.Stop()
	return nil
}

func (b *Bot) handleStart(c tele.Context) error {
	return c.Send(welcomeText)
}

func (b *Bot) handleFlush(c tele.Context) error {
	ctx := c.Get(baseContextKey).(context.Context)
	if err := b.engine.Flush(ctx, c.Chat().ID); err != nil {
		log.FromCtx(ctx).Error().Err(err).Int64("conversation", c.Chat().ID).Msg("flush failed")
		return c.Send(fmt.Sprintf("flush failed: %v", err))
	}
	return c.Send("Conversation window flushed.")
}

func (b *Bot) handleMessage(c tele.Context) error {
	ctx := c.Get(baseContextKey).(context.Context)
	logger := log.FromCtx(ctx)
	conversationID := c.Chat().ID

	msg, err := b.toMessage(ctx, c)
	if err != nil {
		logger.Error().Err(err).Int64("conversation", conversationID).Msg("failed to build message")
		return nil
	}

	if err := b.engine.Ingest(ctx, msg); err != nil {
		switch {
		case errors.Is(err, core.ErrOutOfOrder):
			// The transport owns sequencing; resync and move on.
			logger.Warn().Err(err).Int64("conversation", conversationID).Msg("sequencing drift, message skipped")
			return nil
		case errors.Is(err, core.ErrEmbeddingUnavailable):
			logger.Warn().Err(err).Int64("conversation", conversationID).Msg("ingestion degraded, chunk queued")
		case errors.Is(err, core.ErrDuplicateChunk):
			logger.Debug().Err(err).Int64("conversation", conversationID).Msg("chunk already stored")
		default:
			logger.Error().Err(err).Int64("conversation", conversationID).Msg("ingest failed")
		}
	}

	if !b.wantsReply(c) {
		return nil
	}

	_ = c.Notify(tele.Typing)

	window, err := b.engine.Respond(ctx, msg)
	if err != nil {
		logger.Error().Err(err).Int64("conversation", conversationID).Msg("respond failed")
		return nil
	}

	text, err := generateReply(ctx, b.reply, window, msg.Text)
	if err != nil {
		logger.Error().Err(err).Int64("conversation", conversationID).Msg("reply generation failed")
		return c.Send("Sorry, I could not come up with a reply just now.")
	}

	return sendMarkdown(ctx, c, text)
}

// generateReply runs one chat completion under its own deadline.
func generateReply(ctx context.Context, provider core.ReplyProvider, window core.ContextWindow, userText string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	return provider.Generate(callCtx, window, userText)
}

// toMessage converts a Telegram update into an engine message with the
// next seq for its conversation.
func (b *Bot) toMessage(ctx context.Context, c tele.Context) (core.Message, error) {
	seq, err := b.engine.NextSeq(ctx, c.Chat().ID)
	if err != nil {
		return core.Message{}, err
	}

	sender := ""
	var senderID int64
	if s := c.Sender(); s != nil {
		senderID = s.ID
		sender = s.Username
		if sender == "" {
			sender = strings.TrimSpace(s.FirstName + " " + s.LastName)
		}
	}

	mediaRef := ""
	if m := c.Message(); m != nil && m.Media() != nil {
		mediaRef = m.Media().MediaFile().UniqueID
	}

	return core.Message{
		ConversationID: c.Chat().ID,
		SenderID:       senderID,
		Sender:         sender,
		Seq:            seq,
		Date:           time.Unix(c.Message().Unixtime, 0).UTC(),
		Text:           c.Text(),
		MediaRef:       mediaRef,
	}, nil
}

// wantsReply keeps group chats quiet unless the bot is addressed;
// private chats always get an answer.
func (b *Bot) wantsReply(c tele.Context) bool {
	if c.Chat().Type == tele.ChatPrivate {
		return true
	}
	me := b.bot.Me
	if me != nil && strings.Contains(c.Text(), "@"+me.Username) {
		return true
	}
	if m := c.Message(); m != nil && m.ReplyTo != nil && m.ReplyTo.Sender != nil && me != nil {
		return m.ReplyTo.Sender.ID == me.ID
	}
	return false
}
