// Package digest composes outbound digest message bodies from pending
// notification items. Composition is pure: fixed inputs always produce the
// same message, with no side effects.
package digest

import (
	"fmt"
	"strings"

	"github.com/teguhsant/pasarwa/internal/db"
)

// Section labels per item type. Unrecognized types fall back to the
// generic pair.
type typeLabel struct {
	Emoji string
	Label string
}

var typeLabels = map[string]typeLabel{
	db.ItemTypeProductRequest: {"🛒", "Product Requests"},
	db.ItemTypeOfferResponse:  {"💬", "Offer Responses"},
	db.ItemTypeFlashDeal:      {"⚡", "Flash Deals"},
	db.ItemTypeJobRequest:     {"🧰", "Job Requests"},
	db.ItemTypeAgreement:      {"📋", "Agreements"},
}

var fallbackLabel = typeLabel{"🔔", "Updates"}

var frequencyLabels = map[string]string{
	db.FrequencyImmediate:  "instant",
	db.Frequency2Hours:     "every 2 hours",
	db.FrequencyTwiceDaily: "twice daily",
	db.FrequencyDaily:      "daily",
}

// Options controls preview count and truncation.
type Options struct {
	PreviewLimit int // max item previews per type group
	TruncateAt   int // descriptions longer than this are cut with an ellipsis
}

// DefaultOptions matches the production digest shape.
func DefaultOptions() Options {
	return Options{PreviewLimit: 3, TruncateAt: 40}
}

// Compose builds one digest message body for a recipient's pending items.
// Items are partitioned by type with insertion order preserved both across
// groups (order of first appearance) and within each group. Each group gets
// a header line, up to PreviewLimit previews, and a "+N more" line when the
// group overflows.
func Compose(items []db.BatchItem, frequency string, opts Options) string {
	if opts.PreviewLimit <= 0 {
		opts.PreviewLimit = 3
	}
	if opts.TruncateAt <= 0 {
		opts.TruncateAt = 40
	}

	var order []string
	groups := make(map[string][]db.BatchItem)
	for _, item := range items {
		if _, seen := groups[item.Type]; !seen {
			order = append(order, item.Type)
		}
		groups[item.Type] = append(groups[item.Type], item)
	}

	var b strings.Builder

	freqLabel, ok := frequencyLabels[frequency]
	if !ok {
		freqLabel = frequency
	}
	fmt.Fprintf(&b, "📬 You have %d update%s (%s digest)\n", len(items), plural(len(items)), freqLabel)

	for _, typ := range order {
		group := groups[typ]
		label, ok := typeLabels[typ]
		if !ok {
			label = fallbackLabel
		}

		fmt.Fprintf(&b, "\n%s *%s* (%d)\n", label.Emoji, label.Label, len(group))

		shown := group
		if len(shown) > opts.PreviewLimit {
			shown = shown[:opts.PreviewLimit]
		}
		for _, item := range shown {
			fmt.Fprintf(&b, "• %s\n", truncate(item.Description, opts.TruncateAt))
		}
		if extra := len(group) - opts.PreviewLimit; extra > 0 {
			fmt.Fprintf(&b, "  +%d more\n", extra)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// truncate cuts descriptions longer than limit down to limit-3 characters
// plus an ellipsis, counting runes so multi-byte text is never split.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
