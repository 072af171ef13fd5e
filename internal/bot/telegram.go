package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/events"
	"github.com/sigpilot/sigpilot/internal/config"
	"github.com/sigpilot/sigpilot/manage"
	"github.com/sigpilot/sigpilot/storage"
)

// Ingestor receives provider messages. Implemented by the core engine.
type Ingestor interface {
	Ingest(ctx context.Context, messageID int64, provider, text string) error
	OnEditedMessage(ctx context.Context, messageID int64, newText string) manage.EditResult
}

// Controller is the engine surface the bot drives. Implemented by the core
// engine; an interface here keeps the bot testable without one.
type Controller interface {
	StatusReport(filter string) string
	Replay(ctx context.Context, symbol string, n int) (string, error)
	SetStealth(on bool)
	EnableTarget(target string)
	DisableTarget(target string)
	SetParam(target, param, value string) error
	GetParam(target, param string) (string, error)
	Pause()
	Resume()
}

// Bot is the Telegram operator surface.
type Bot struct {
	api    *tgbotapi.BotAPI
	cfg    *config.Config
	interp *Interpreter
	ctrl   Controller
	ingest Ingestor
	db     *storage.Database
	stopCh chan struct{}
}

// New connects to Telegram. The db may be nil; command auditing is then
// in-memory only.
func New(cfg *config.Config, ctrl Controller, db *storage.Database) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")

	return &Bot{
		api:    api,
		cfg:    cfg,
		interp: NewInterpreter(cfg, clock.New()),
		ctrl:   ctrl,
		db:     db,
		stopCh: make(chan struct{}),
	}, nil
}

// SetIngestor wires the signal intake. Channel posts and message edits are
// dropped until one is set.
func (b *Bot) SetIngestor(i Ingestor) {
	b.ingest = i
}

// Start begins the command listener.
func (b *Bot) Start() {
	go b.listen()
	if b.cfg.TelegramChatID != 0 {
		b.send(b.cfg.TelegramChatID, "🚀 sigpilot online")
	}
}

// Stop stops the listener.
func (b *Bot) Stop() {
	close(b.stopCh)
}

// WatchEvents pushes trade lifecycle events to the operator chat. Wired to
// the event bus at startup.
func (b *Bot) WatchEvents(bus *events.Bus) {
	chatID := b.cfg.TelegramChatID
	if chatID == 0 {
		return
	}
	bus.Subscribe(func(ev events.Event) {
		b.send(chatID, fmt.Sprintf("✅ Opened %v ticket %v", ev.Data["symbol"], ev.Data["ticket"]))
	}, events.EventPositionOpened)
	bus.Subscribe(func(ev events.Event) {
		b.send(chatID, fmt.Sprintf("🏁 Closed %v ticket %v", ev.Data["symbol"], ev.Data["ticket"]))
	}, events.EventPositionClosed)
	bus.Subscribe(func(ev events.Event) {
		b.send(chatID, fmt.Sprintf("💰 TP%v hit on ticket %v at %v", ev.Data["level"], ev.Data["ticket"], ev.Data["price"]))
	}, events.EventTPHit)
	bus.Subscribe(func(ev events.Event) {
		b.send(chatID, fmt.Sprintf("🚨 Margin %v: level %v%%", ev.Data["status"], ev.Data["level"]))
	}, events.EventMarginAlert)
}

func (b *Bot) listen() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			switch {
			case update.Message != nil:
				go b.handleMessage(update.Message)
			case update.ChannelPost != nil:
				go b.handlePost(update.ChannelPost)
			case update.EditedChannelPost != nil:
				go b.handleEdit(update.EditedChannelPost)
			case update.EditedMessage != nil:
				go b.handleEdit(update.EditedMessage)
			}
		case <-b.stopCh:
			return
		}
	}
}

// handlePost feeds one provider channel post into the pipeline.
func (b *Bot) handlePost(msg *tgbotapi.Message) {
	if b.ingest == nil || msg.Text == "" {
		return
	}
	provider := msg.Chat.UserName
	if provider == "" {
		provider = msg.Chat.Title
	}
	if err := b.ingest.Ingest(context.Background(), int64(msg.MessageID), provider, msg.Text); err != nil {
		log.Debug().Int("message_id", msg.MessageID).Str("provider", provider).Err(err).Msg("Post not ingested")
	}
}

// handleEdit routes an edited provider message to the edit watcher.
func (b *Bot) handleEdit(msg *tgbotapi.Message) {
	if b.ingest == nil || msg.Text == "" {
		return
	}
	res := b.ingest.OnEditedMessage(context.Background(), int64(msg.MessageID), msg.Text)
	if res.Alert != "" && b.cfg.TelegramChatID != 0 {
		b.send(b.cfg.TelegramChatID, "⚠️ "+res.Alert)
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	username := msg.From.UserName
	chatID := msg.Chat.ID
	cmd := ParseCommand(msg.Text)
	if cmd.Kind == CmdUnknown {
		if msg.IsCommand() {
			b.send(chatID, "Unrecognized command.\n"+HelpText(""))
		}
		return
	}

	err := b.interp.Authorize(cmd, username)
	b.interp.Record(username, cmd, err == nil)
	b.audit(username, chatID, cmd, err == nil)
	if err != nil {
		log.Warn().Str("user", username).Str("command", string(cmd.Kind)).Err(err).Msg("Command denied")
		b.send(chatID, "⛔ "+err.Error())
		return
	}

	b.send(chatID, b.dispatch(cmd))
}

func (b *Bot) dispatch(cmd Command) string {
	switch cmd.Kind {
	case CmdStatus:
		return b.ctrl.StatusReport(cmd.Target)
	case CmdReplay:
		out, err := b.ctrl.Replay(context.Background(), cmd.Target, cmd.Count)
		if err != nil {
			return "⚠️ " + err.Error()
		}
		return out
	case CmdStealth:
		b.ctrl.SetStealth(cmd.On)
		if cmd.On {
			return "🥷 Stealth on"
		}
		return "Stealth off"
	case CmdEnable:
		b.ctrl.EnableTarget(cmd.Target)
		return "✅ Enabled " + cmd.Target
	case CmdDisable:
		b.ctrl.DisableTarget(cmd.Target)
		return "🚫 Disabled " + cmd.Target
	case CmdSet:
		if err := b.ctrl.SetParam(cmd.Target, cmd.Param, cmd.Value); err != nil {
			return "⚠️ " + err.Error()
		}
		return fmt.Sprintf("✅ %s.%s = %s", cmd.Target, cmd.Param, cmd.Value)
	case CmdGet:
		out, err := b.ctrl.GetParam(cmd.Target, cmd.Param)
		if err != nil {
			return "⚠️ " + err.Error()
		}
		return out
	case CmdPause:
		b.ctrl.Pause()
		return "⏸️ Paused"
	case CmdResume:
		b.ctrl.Resume()
		return "▶️ Resumed"
	case CmdHelp:
		return HelpText(cmd.Target)
	}
	return HelpText("")
}

func (b *Bot) audit(username string, chatID int64, cmd Command, allowed bool) {
	if b.db == nil {
		return
	}
	rec := &storage.CommandRecord{
		Username: username,
		ChatID:   chatID,
		Command:  string(cmd.Kind),
		Args:     cmd.Raw,
		Allowed:  allowed,
	}
	if err := b.db.SaveCommand(rec); err != nil {
		log.Error().Err(err).Msg("Command audit write failed")
	}
}

func (b *Bot) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Int64("chat_id", chatID).Err(err).Msg("Telegram send failed")
	}
}
