// Package render turns notification payloads into Telegram Markdown.
// The pipeline treats it as a collaborator: producers hand it payloads and
// pass the result to the dispatcher unchanged.
package render

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tokenpulse/internal/event"
	"tokenpulse/internal/transport"
)

var mdEscaper = strings.NewReplacer("*", "\\*", "_", "\\_", "`", "\\`")

func escape(s string) string { return mdEscaper.Replace(s) }

func options() transport.SendOptions {
	return transport.SendOptions{ParseMode: "Markdown", DisablePreview: true}
}

// Launch renders an asset-launch broadcast.
func Launch(d event.Discovery) transport.Outgoing {
	var b strings.Builder
	b.WriteString("🚨 *New Token Launch Alert!* 🚨\n\n")

	name := d.Name
	if name == "" {
		name = d.Asset.DisplayCode()
	}
	ticker := d.Ticker
	if ticker == "" {
		ticker = d.Asset.DisplayCode()
	}
	fmt.Fprintf(&b, "🎯 *%s* (%s)\n", escape(name), escape(ticker))

	if !d.Price.IsZero() {
		fmt.Fprintf(&b, "💰 Price: %s XRP\n", d.Price.String())
	}
	if !d.Liquidity.IsZero() {
		fmt.Fprintf(&b, "💧 Liquidity: %s XRP\n", d.Liquidity.String())
	}
	if d.Holders > 0 {
		fmt.Fprintf(&b, "👥 Holders: %d\n", d.Holders)
	}
	fmt.Fprintf(&b, "📍 Issuer: `%s`\n", escape(d.Asset.Issuer))
	if d.FirstLedger > 0 {
		fmt.Fprintf(&b, "🧾 First seen in ledger %d\n", d.FirstLedger)
	}
	fmt.Fprintf(&b, "📊 Source: %s", d.Source)

	return transport.Outgoing{Text: b.String(), MediaURL: d.LogoURL, Options: options()}
}

// Alert renders a fired price alert for its owner.
func Alert(a event.AlertFired) transport.Outgoing {
	arrow := "📈"
	verb := "rose above"
	if a.Direction == "below" {
		arrow = "📉"
		verb = "fell below"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *Price alert* %s\n\n", arrow, arrow)
	fmt.Fprintf(&b, "*%s* %s your target of %s XRP\n", escape(a.Asset.DisplayCode()), verb, a.Target.String())
	fmt.Fprintf(&b, "Current price: %s XRP\n", a.Price.String())
	fmt.Fprintf(&b, "Issuer: `%s`", escape(a.Asset.Issuer))

	return transport.Outgoing{Text: b.String(), Options: options()}
}

// Watching renders the /alerts listing.
func Watching(lines []string) transport.Outgoing {
	if len(lines) == 0 {
		return transport.Outgoing{Text: "You have no active price alerts. Use /watch to add one.", Options: options()}
	}
	return transport.Outgoing{
		Text:    "🔔 *Your price alerts*\n\n" + strings.Join(lines, "\n"),
		Options: options(),
	}
}

// AlertLine is one row of the /alerts listing.
func AlertLine(id int64, asset string, target decimal.Decimal, direction string) string {
	return fmt.Sprintf("`#%d` %s %s %s XRP", id, escape(asset), direction, target.String())
}
