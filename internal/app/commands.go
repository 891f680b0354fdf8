package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"tokenpulse/internal/alerts"
	"tokenpulse/internal/ledger"
	"tokenpulse/internal/render"
	"tokenpulse/internal/transport"
	logx "tokenpulse/pkg/logx"
)

const helpText = `*Commands*
/start - subscribe this chat to launch alerts
/stop - unsubscribe this chat
/watch <issuer> <currency> <price> [above|below] - set a one-shot price alert
/unwatch <id> - remove a price alert
/alerts - list your price alerts`

func (a *App) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-a.updates:
			if !ok {
				return
			}
			a.handleUpdate(ctx, up)
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateAddedToChat:
		if up.Chat == nil {
			return
		}
		a.reg.Subscribe(up.Chat.ChatID, up.Chat.Kind, up.Chat.Title)
		a.reply(ctx, up.Chat.ChatID, "👋 This chat will now receive token launch alerts. Use /stop to opt out.")
	case transport.UpdateMessage:
		if up.Message == nil {
			return
		}
		a.handleMessage(ctx, up.Message)
	}
}

func (a *App) handleMessage(ctx context.Context, m *transport.Message) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	// Strip the @botname suffix used in groups.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "/start":
		label := m.ChatTitle
		if label == "" {
			label = m.FromUsername
		}
		a.reg.Subscribe(m.ChatID, chatKindOrUser(m.ChatKind), label)
		a.reply(ctx, m.ChatID, "👋 Subscribed. You will receive new token launch alerts here.\n\n"+helpText)
	case "/stop":
		a.reg.Unsubscribe(m.ChatID)
		a.reply(ctx, m.ChatID, "Unsubscribed. Use /start to opt back in.")
	case "/watch":
		a.cmdWatch(ctx, m, args)
	case "/unwatch":
		a.cmdUnwatch(ctx, m, args)
	case "/alerts":
		a.cmdAlerts(ctx, m)
	case "/help":
		a.reply(ctx, m.ChatID, helpText)
	default:
		// Unknown slash commands are ignored; in groups most of them are
		// addressed to other bots.
	}
}

func (a *App) cmdWatch(ctx context.Context, m *transport.Message, args []string) {
	if len(args) < 3 {
		a.reply(ctx, m.ChatID, "Usage: /watch <issuer> <currency> <price> [above|below]")
		return
	}
	asset := ledger.Asset{Issuer: args[0], Code: args[1]}
	target, err := decimal.NewFromString(args[2])
	if err != nil {
		a.reply(ctx, m.ChatID, fmt.Sprintf("Invalid price %q.", args[2]))
		return
	}
	dir := alerts.Above
	if len(args) > 3 {
		dir, err = alerts.ParseDirection(strings.ToLower(args[3]))
		if err != nil {
			a.reply(ctx, m.ChatID, err.Error())
			return
		}
	}

	id, err := a.eval.SetAlert(ctx, m.FromID, asset, target, dir)
	switch {
	case errors.Is(err, alerts.ErrTooManyAlerts):
		a.reply(ctx, m.ChatID, "You have too many active alerts. Remove one with /unwatch first.")
		return
	case err != nil:
		a.reply(ctx, m.ChatID, "Could not set the alert: "+err.Error())
		return
	}
	a.log.Info("alert registered via command", logx.Int64("user_id", m.FromID), logx.Int64("alert_id", id))
	a.reply(ctx, m.ChatID, fmt.Sprintf("🔔 Alert `#%d` set: %s %s %s XRP.", id, asset.DisplayCode(), dir, target.String()))
}

func (a *App) cmdUnwatch(ctx context.Context, m *transport.Message, args []string) {
	if len(args) != 1 {
		a.reply(ctx, m.ChatID, "Usage: /unwatch <id>")
		return
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil {
		a.reply(ctx, m.ChatID, fmt.Sprintf("Invalid alert id %q.", args[0]))
		return
	}
	if !a.eval.RemoveAlert(ctx, m.FromID, id) {
		a.reply(ctx, m.ChatID, fmt.Sprintf("No alert `#%d` found for you.", id))
		return
	}
	a.reply(ctx, m.ChatID, fmt.Sprintf("Alert `#%d` removed.", id))
}

func (a *App) cmdAlerts(ctx context.Context, m *transport.Message) {
	armed := a.eval.ListAlerts(m.FromID)
	lines := make([]string, 0, len(armed))
	for _, al := range armed {
		lines = append(lines, render.AlertLine(al.ID, al.Asset.DisplayCode(), al.Target, string(al.Direction)))
	}
	if err := a.disp.SendTo(ctx, m.ChatID, render.Watching(lines)); err != nil {
		a.log.Warn("command reply failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
}

func (a *App) reply(ctx context.Context, chatID int64, text string) {
	out := transport.Outgoing{Text: text, Options: transport.SendOptions{ParseMode: "Markdown", DisablePreview: true}}
	if err := a.disp.SendTo(ctx, chatID, out); err != nil {
		a.log.Warn("command reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func chatKindOrUser(k transport.ChatKind) transport.ChatKind {
	if k == "" {
		return transport.ChatUser
	}
	return k
}
