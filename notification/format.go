package notification

import (
	"fmt"
	"strings"
	"time"

	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"github.com/shopspring/decimal"
)

// FormatQuote renders a quote the way the bot replies to a symbol message.
func FormatQuote(quote *core.Quote, now time.Time) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s (%s)\n", quote.Name, quote.Symbol)
	fmt.Fprintf(&sb, "Price: %s\n", FormatPrice(quote.Price))
	fmt.Fprintf(&sb, "24h change: %+.2f%%\n", quote.Change24h)
	fmt.Fprintf(&sb, "Market cap: %s\n", FormatAmount(quote.MarketCap))
	fmt.Fprintf(&sb, "24h volume: %s\n", FormatAmount(quote.Volume24h))
	if quote.Rank > 0 {
		fmt.Fprintf(&sb, "Market cap rank: #%d\n", quote.Rank)
	}
	fmt.Fprintf(&sb, "Source: CoinMarketCap - %s", now.UTC().Format("2006-01-02 15:04 UTC"))

	return sb.String()
}

// FormatAutomationUpdate renders a scheduled delivery, prefixed with its
// cadence.
func FormatAutomationUpdate(quote *core.Quote, cadence core.Cadence, now time.Time) string {
	return fmt.Sprintf("[%s update]\n%s", cadenceLabel(cadence), FormatQuote(quote, now))
}

// FormatPrice renders a USD price. Sub-dollar prices keep their full
// precision instead of collapsing to $0.00 or scientific notation.
func FormatPrice(value float64) string {
	price := decimal.NewFromFloat(value)

	if price.Sign() <= 0 {
		return "$0.00"
	}
	if price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return "$" + groupThousands(price.StringFixed(2))
	}

	fixed := strings.TrimRight(price.String(), "0")
	if strings.HasSuffix(fixed, ".") {
		fixed += "0"
	}
	return "$" + fixed
}

// FormatAmount renders a large dollar amount with thousands grouping and no
// decimals.
func FormatAmount(value float64) string {
	return "$" + groupThousands(decimal.NewFromFloat(value).StringFixed(0))
}

func groupThousands(s string) string {
	intPart, fracPart, hasFrac := strings.Cut(s, ".")

	var sb strings.Builder
	for i, digit := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(digit)
	}
	if hasFrac {
		sb.WriteByte('.')
		sb.WriteString(fracPart)
	}
	return sb.String()
}

func cadenceLabel(cadence core.Cadence) string {
	switch cadence {
	case core.CadenceHourly:
		return "Hourly"
	case core.CadenceDaily:
		return "Daily"
	case core.CadenceWeekly:
		return "Weekly"
	case core.CadenceMonthly:
		return "Monthly"
	default:
		return string(cadence)
	}
}
