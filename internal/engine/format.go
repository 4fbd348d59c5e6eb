package engine

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/basket/floorwatch/internal/persistence"
	"github.com/basket/floorwatch/internal/source"
)

// FormatName turns a collection slug into a display name: "cool-cats"
// becomes "Cool Cats". Letters after the first keep their case.
func FormatName(key string) string {
	caser := cases.Title(language.English, cases.NoLower)
	words := strings.FieldsFunc(key, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		words[i] = caser.String(w)
	}
	return strings.Join(words, " ")
}

// FormatValue renders v with English grouping and at most three fraction
// digits.
func FormatValue(v float64) string {
	p := message.NewPrinter(language.English)
	return p.Sprint(number.Decimal(v, number.MaxFractionDigits(3)))
}

// Label is the target title for a value watch, e.g. "1.5 Ξ | Cool Cats".
func Label(snap source.Snapshot, key, unit string) string {
	return fmt.Sprintf("%s %s | %s", FormatValue(snap.FloorPrice), unit, FormatName(key))
}

// FormatEvent renders the notification posted for one collection event.
func FormatEvent(key string, ev source.Event) string {
	var b strings.Builder
	switch ev.Type {
	case persistence.EventSold:
		fmt.Fprintf(&b, "💸 Sale on %s\n", FormatName(key))
	default:
		fmt.Fprintf(&b, "🆕 New listing on %s\n", FormatName(key))
	}

	item := ev.AssetName
	if item == "" {
		item = "Unnamed item"
	}
	fmt.Fprintf(&b, "Item: %s\n", item)

	symbol := ev.Symbol
	if symbol == "" {
		symbol = "ETH"
	}
	fmt.Fprintf(&b, "Price: %s %s", FormatValue(ev.Price), symbol)

	if ev.Type == persistence.EventSold {
		if ev.Seller != "" {
			fmt.Fprintf(&b, "\nSeller: %s", shortAddress(ev.Seller))
		}
		if ev.Buyer != "" {
			fmt.Fprintf(&b, "\nBuyer: %s", shortAddress(ev.Buyer))
		}
	}
	if ev.Permalink != "" {
		fmt.Fprintf(&b, "\n%s", ev.Permalink)
	}
	return b.String()
}

func shortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
