// Package notification provides the Telegram chat transport and message
// formatting.
package notification

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"github.com/Mahdi-Habibi/pocket-crypto/pkg/logger"
	"github.com/samber/lo"
	tb "gopkg.in/tucnak/telebot.v2"
)

const (
	menuAutomation = "🤖 Automation"
	menuManage     = "🗂️ Manage automations"
	menuSettings   = "⚙️ Settings"

	resolveTimeout = 15 * time.Second
)

// TelegramSettings configures the Telegram transport.
type TelegramSettings struct {
	Token string
	// Webhook disables the long poller; updates arrive via ProcessUpdate.
	Webhook bool
}

// Telegram implements core.NotifierWithStart. It owns the whole chat
// surface: commands, the /automation conversation, and the management and
// cadence inline keyboards.
type Telegram struct {
	settings    TelegramSettings
	client      *tb.Bot
	resolver    core.Resolver
	store       core.AutomationStorage
	source      core.MarketSource
	log         logger.Logger
	defaultMenu *tb.ReplyMarkup

	// pending tracks users inside the /automation flow, waiting for a symbol.
	mu      sync.Mutex
	pending map[int64]bool
}

// NewTelegram creates and wires the Telegram transport.
func NewTelegram(settings TelegramSettings, resolver core.Resolver, store core.AutomationStorage,
	source core.MarketSource, log logger.Logger) (*Telegram, error) {

	menu := &tb.ReplyMarkup{ResizeReplyKeyboard: true}

	tbSettings := tb.Settings{
		Token: settings.Token,
	}
	if !settings.Webhook {
		tbSettings.Poller = &tb.LongPoller{Timeout: 10 * time.Second}
	}

	client, err := tb.NewBot(tbSettings)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	setupKeyboard(menu)
	if err := setupCommands(client); err != nil {
		return nil, fmt.Errorf("failed to set commands: %w", err)
	}

	bot := &Telegram{
		settings:    settings,
		client:      client,
		resolver:    resolver,
		store:       store,
		source:      source,
		log:         log,
		defaultMenu: menu,
		pending:     make(map[int64]bool),
	}

	registerHandlers(client, bot)

	return bot, nil
}

// setupKeyboard configures the reply keyboard layout.
func setupKeyboard(menu *tb.ReplyMarkup) {
	automationBtn := menu.Text(menuAutomation)
	manageBtn := menu.Text(menuManage)
	settingsBtn := menu.Text(menuSettings)

	menu.Reply(
		menu.Row(automationBtn, manageBtn),
		menu.Row(settingsBtn),
	)
}

// setupCommands configures available bot commands.
func setupCommands(client *tb.Bot) error {
	return client.SetCommands([]tb.Command{
		{Text: "/start", Description: "Show the main menu"},
		{Text: "/help", Description: "Display help instructions"},
		{Text: "/automation", Description: "Create a recurring price update"},
		{Text: "/manageautomation", Description: "List, retime or delete automations"},
		{Text: "/settings", Description: "Bot settings"},
		{Text: "/cancel", Description: "Cancel the current setup"},
	})
}

// registerHandlers registers all command handlers.
func registerHandlers(client *tb.Bot, bot *Telegram) {
	client.Handle("/start", bot.StartHandle)
	client.Handle("/help", bot.HelpHandle)
	client.Handle("/automation", bot.AutomationHandle)
	client.Handle("/manageautomation", bot.ManageHandle)
	client.Handle("/settings", bot.SettingsHandle)
	client.Handle("/cancel", bot.CancelHandle)
	client.Handle(tb.OnText, bot.TextHandle)
	client.Handle(tb.OnCallback, bot.CallbackHandle)
}

// Start begins the long-polling update loop. No-op in webhook mode.
func (t *Telegram) Start() {
	if t.settings.Webhook {
		return
	}
	go t.client.Start()
}

// Stop halts the update loop.
func (t *Telegram) Stop() {
	if t.settings.Webhook {
		return
	}
	t.client.Stop()
}

// SetWebhookURL registers the public URL Telegram should push updates to.
func (t *Telegram) SetWebhookURL(url string) error {
	_, err := t.client.Raw("setWebhook", map[string]string{"url": url})
	if err != nil {
		return fmt.Errorf("setWebhook failed: %w", err)
	}
	return nil
}

// ProcessUpdate feeds one decoded Telegram update into the handler chain.
// The webhook front door uses this in stateless mode.
func (t *Telegram) ProcessUpdate(update tb.Update) {
	t.client.ProcessUpdate(update)
}

// Send implements core.Notifier.
func (t *Telegram) Send(userID int64, text string) error {
	if _, err := t.client.Send(&tb.User{ID: userID}, text); err != nil {
		return fmt.Errorf("failed to send message to %d: %w", userID, err)
	}
	return nil
}

func (t *Telegram) sendMessage(to *tb.User, text string, options ...interface{}) {
	if _, err := t.client.Send(to, text, options...); err != nil {
		t.log.WithError(err).Error("failed to send message")
	}
}

// StartHandle greets the user and shows the main menu.
func (t *Telegram) StartHandle(m *tb.Message) {
	t.sendMessage(m.Sender,
		"Hi! Send me a crypto symbol (e.g. BTC, USDT, TON) and I'll fetch the "+
			"latest data from CoinMarketCap. Use the menu to set up recurring updates.",
		t.defaultMenu)
}

// HelpHandle displays available commands.
func (t *Telegram) HelpHandle(m *tb.Message) {
	commands, err := t.client.GetCommands()
	if err != nil {
		t.log.WithError(err).Error("failed to get commands")
		return
	}

	lines := make([]string, 0, len(commands)+1)
	for _, command := range commands {
		lines = append(lines, fmt.Sprintf("%s - %s", command.Text, command.Description))
	}
	lines = append(lines, "Or just send a symbol like BTC for immediate data.")

	t.sendMessage(m.Sender, strings.Join(lines, "\n"))
}

// AutomationHandle starts the automation setup conversation.
func (t *Telegram) AutomationHandle(m *tb.Message) {
	t.mu.Lock()
	t.pending[m.Sender.ID] = true
	t.mu.Unlock()

	t.sendMessage(m.Sender, "Set up an automation: send me a symbol (e.g. BTC, USDT, TON).")
}

// SettingsHandle replies with the current settings. Language selection from
// the original menu is not offered yet.
func (t *Telegram) SettingsHandle(m *tb.Message) {
	t.sendMessage(m.Sender, "Prices and timestamps are shown in USD and UTC. "+
		"More settings are coming later.", t.defaultMenu)
}

// CancelHandle aborts the automation setup conversation.
func (t *Telegram) CancelHandle(m *tb.Message) {
	t.mu.Lock()
	delete(t.pending, m.Sender.ID)
	t.mu.Unlock()

	t.sendMessage(m.Sender, "Cancelled.", t.defaultMenu)
}

// TextHandle routes plain text: menu buttons, the symbol step of the
// automation flow, or an immediate quote request.
func (t *Telegram) TextHandle(m *tb.Message) {
	text := strings.TrimSpace(m.Text)

	switch text {
	case menuAutomation:
		t.AutomationHandle(m)
		return
	case menuManage:
		t.ManageHandle(m)
		return
	case menuSettings:
		t.SettingsHandle(m)
		return
	}

	userID := m.Sender.ID
	t.mu.Lock()
	awaitingSymbol := t.pending[userID]
	t.mu.Unlock()

	if awaitingSymbol {
		t.automationSymbolStep(m)
		return
	}

	t.immediateQuote(m)
}

// automationSymbolStep resolves the symbol a user sent inside the
// /automation flow and offers the cadence keyboard.
func (t *Telegram) automationSymbolStep(m *tb.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	resolution, err := t.resolver.Resolve(ctx, m.Text)
	if err != nil || resolution.Status == core.ResolutionNotFound {
		t.replyResolutionFailure(m, resolution, err)
		return
	}

	best := resolution.Best
	text := fmt.Sprintf("Found %s (%s). How often should I send updates?", best.Name, best.Symbol)
	if resolution.Status == core.ResolutionAmbiguous {
		text = fmt.Sprintf("%s matches %d listings; using the largest, %s. How often should I send updates?",
			resolution.Symbol, len(resolution.Candidates), best.Name)
	}

	t.mu.Lock()
	delete(t.pending, m.Sender.ID)
	t.mu.Unlock()

	t.sendMessage(m.Sender, text, cadenceKeyboard(best))
}

// cadenceKeyboard builds the inline cadence choice for a resolved
// instrument. The callback data carries everything needed, so no
// conversation state survives past this message.
func cadenceKeyboard(entry *core.ListingEntry) *tb.ReplyMarkup {
	row := func(buttons ...tb.InlineButton) []tb.InlineButton { return buttons }
	button := func(label string, cadence core.Cadence) tb.InlineButton {
		return tb.InlineButton{
			Text: label,
			Data: fmt.Sprintf("new:%d:%s:%s", entry.ID, entry.Symbol, cadence),
		}
	}

	return &tb.ReplyMarkup{
		InlineKeyboard: [][]tb.InlineButton{
			row(button("⏱️ Hourly", core.CadenceHourly), button("☀️ Daily", core.CadenceDaily)),
			row(button("📅 Weekly", core.CadenceWeekly), button("🗓️ Monthly", core.CadenceMonthly)),
			row(tb.InlineButton{Text: "❌ Cancel", Data: "cancel"}),
		},
	}
}

// ManageHandle lists the user's automations with delete and retime buttons.
func (t *Telegram) ManageHandle(m *tb.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	automations, err := t.store.Automations(ctx, core.WithUser(m.Sender.ID))
	if err != nil {
		t.log.WithError(err).Error("failed to list automations")
		t.sendMessage(m.Sender, "Storage is unavailable right now, try again later.")
		return
	}

	if len(automations) == 0 {
		t.sendMessage(m.Sender, "You have no automations yet. Use "+menuAutomation+" to create one.", t.defaultMenu)
		return
	}

	lines := []string{"Your automations:"}
	for _, automation := range automations {
		line := fmt.Sprintf("- #%d: %s (%s), next at %s",
			automation.ID, automation.Symbol, automation.Cadence,
			automation.NextDue.UTC().Format("2006-01-02 15:04 UTC"))
		if automation.FailCount > 0 {
			line += fmt.Sprintf(" — %d failed deliveries", automation.FailCount)
		}
		lines = append(lines, line)
	}

	t.sendMessage(m.Sender, strings.Join(lines, "\n"), manageKeyboard(automations))
}

// manageKeyboard builds delete and cadence rows for each automation.
func manageKeyboard(automations []*core.Automation) *tb.ReplyMarkup {
	rows := make([][]tb.InlineButton, 0, 2*len(automations)+1)
	for _, automation := range automations {
		rows = append(rows, []tb.InlineButton{{
			Text: fmt.Sprintf("🗑️ Delete #%d (%s)", automation.ID, automation.Symbol),
			Data: fmt.Sprintf("del:%d", automation.ID),
		}})

		cadenceRow := lo.Map(core.Cadences(), func(cadence core.Cadence, _ int) tb.InlineButton {
			return tb.InlineButton{
				Text: fmt.Sprintf("#%d %s", automation.ID, cadence),
				Data: fmt.Sprintf("set:%d:%s", automation.ID, cadence),
			}
		})
		rows = append(rows, cadenceRow)
	}
	rows = append(rows, []tb.InlineButton{{Text: "❌ Close", Data: "cancel"}})

	return &tb.ReplyMarkup{InlineKeyboard: rows}
}

// CallbackHandle dispatches inline keyboard presses.
func (t *Telegram) CallbackHandle(c *tb.Callback) {
	data := strings.TrimPrefix(strings.TrimSpace(c.Data), "\f")
	parts := strings.Split(data, ":")

	var err error
	switch parts[0] {
	case "new":
		err = t.createAutomation(c, parts)
	case "del":
		err = t.deleteAutomation(c, parts)
	case "set":
		err = t.retimeAutomation(c, parts)
	case "cancel":
		err = t.client.Delete(c.Message)
	default:
		t.respond(c, "Invalid action.")
		return
	}

	if err != nil {
		t.log.WithError(err).WithField("data", data).Error("callback failed")
		t.respond(c, "Something went wrong, try again.")
	}
}

func (t *Telegram) createAutomation(c *tb.Callback, parts []string) error {
	if len(parts) != 4 {
		t.respond(c, "Invalid selection, restart Automation.")
		return nil
	}

	instrumentID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad instrument id %q: %w", parts[1], err)
	}
	symbol := parts[2]
	cadence, err := core.ParseCadence(parts[3])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	automation, err := t.store.Upsert(ctx, c.Sender.ID, instrumentID, symbol, cadence, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store automation: %w", err)
	}

	t.editOrSend(c, fmt.Sprintf(
		"Automation #%d created: %s, %s. Use %s to adjust it.",
		automation.ID, symbol, cadence, menuManage))
	return nil
}

func (t *Telegram) deleteAutomation(c *tb.Callback, parts []string) error {
	if len(parts) != 2 {
		t.respond(c, "Invalid automation id.")
		return nil
	}

	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad automation id %q: %w", parts[1], err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	if err := t.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete automation: %w", err)
	}

	t.editOrSend(c, fmt.Sprintf("Automation #%d deleted.", id))
	return nil
}

func (t *Telegram) retimeAutomation(c *tb.Callback, parts []string) error {
	if len(parts) != 3 {
		t.respond(c, "Invalid cadence selection.")
		return nil
	}

	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad automation id %q: %w", parts[1], err)
	}
	cadence, err := core.ParseCadence(parts[2])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	automation, err := t.store.SetCadence(ctx, id, cadence, time.Now())
	if err != nil {
		if err == core.ErrAutomationNotFound {
			t.editOrSend(c, "Automation not found, it may have been deleted.")
			return nil
		}
		return fmt.Errorf("failed to update automation: %w", err)
	}

	t.editOrSend(c, fmt.Sprintf("Automation #%d updated to %s.", automation.ID, cadence))
	return nil
}

// immediateQuote answers a plain symbol message with current market data.
func (t *Telegram) immediateQuote(m *tb.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	t.client.Notify(m.Sender, tb.Typing)

	resolution, err := t.resolver.Resolve(ctx, m.Text)
	if err != nil || resolution.Status == core.ResolutionNotFound {
		t.replyResolutionFailure(m, resolution, err)
		return
	}

	quote, err := t.source.FetchQuote(ctx, resolution.Best.ID)
	if err != nil {
		t.log.WithError(err).WithField("instrument", resolution.Best.ID).Warn("quote fetch failed")
		t.sendMessage(m.Sender, "I can't fetch live data right now, try again in a bit.")
		return
	}

	text := FormatQuote(quote, time.Now())
	if resolution.Status == core.ResolutionAmbiguous {
		others := lo.Map(resolution.Candidates[1:], func(entry core.ListingEntry, _ int) string {
			return entry.Name
		})
		text += "\nAlso matches: " + strings.Join(others, ", ")
	}

	t.sendMessage(m.Sender, text, t.defaultMenu)
}

// replyResolutionFailure explains a resolution miss to the user.
func (t *Telegram) replyResolutionFailure(m *tb.Message, resolution core.Resolution, err error) {
	switch {
	case err == core.ErrInvalidSymbol:
		t.sendMessage(m.Sender, "Please send a valid symbol (letters and digits only).")
	case err == core.ErrNoSnapshot:
		t.sendMessage(m.Sender, "The listing data is unavailable right now, try again in a bit.")
	default:
		symbol := resolution.Symbol
		if symbol == "" {
			symbol = strings.TrimSpace(m.Text)
		}
		t.sendMessage(m.Sender, fmt.Sprintf("I couldn't find %s on CoinMarketCap. Try another ticker?", symbol))
	}
}

// respond acknowledges a callback with a toast, keeping the original message.
func (t *Telegram) respond(c *tb.Callback, text string) {
	if err := t.client.Respond(c, &tb.CallbackResponse{Text: text}); err != nil {
		t.log.WithError(err).Error("failed to respond to callback")
	}
}

// editOrSend acknowledges a callback and replaces the keyboard message.
func (t *Telegram) editOrSend(c *tb.Callback, text string) {
	if err := t.client.Respond(c, &tb.CallbackResponse{}); err != nil {
		t.log.WithError(err).Error("failed to respond to callback")
	}
	if _, err := t.client.Edit(c.Message, text); err != nil {
		t.sendMessage(c.Sender, text)
	}
}
