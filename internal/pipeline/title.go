package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"
)

const maxTitleChars = 200

// TitleExtract derives a title entry from the first heading or first line of
// the body material. A bag that already carries a title keeps it.
type TitleExtract struct{}

// Name implements Processor.
func (TitleExtract) Name() string { return "title_extract" }

// Process implements Processor.
func (TitleExtract) Process(_ context.Context, bag *Bag) error {
	if bag.HasKind(KindTitle) {
		bag.Transform(func(e Entry) Entry {
			if e.Kind == KindTitle && e.EmbeddingType == "" {
				e.EmbeddingType = EmbedTypeTitle
			}
			return e
		})
		bag.Tags["title.source"] = "existing"
		return nil
	}

	for _, e := range bag.Entries() {
		if e.Kind != KindBody && e.Kind != KindPDFText {
			continue
		}
		title, source := deriveTitle(e.Text)
		if title == "" {
			continue
		}
		bag.Add(Entry{Kind: KindTitle, Text: title, EmbeddingType: EmbedTypeTitle})
		bag.Tags["title.source"] = source
		return nil
	}
	return nil
}

// deriveTitle returns the first non-empty line, stripped of markdown heading
// markers when present, plus a tag naming which rule fired.
func deriveTitle(text string) (string, string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			heading := strings.TrimSpace(strings.TrimLeft(line, "# "))
			return clipRunes(heading, maxTitleChars), "heading"
		}
		return clipRunes(line, maxTitleChars), "first_line"
	}
	return "", ""
}

// clipRunes truncates at a byte budget without splitting a rune.
func clipRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.TrimSpace(s[:n])
}
