package pipeline

import (
	"context"
	"strconv"

	"github.com/stackmere/bindery/internal/privacy"
)

// SecretScrub redacts credentials in every text entry before anything
// downstream can chunk, summarize or embed them.
type SecretScrub struct{}

// Name implements Processor.
func (SecretScrub) Name() string { return "secret_scrub" }

// Process implements Processor.
func (SecretScrub) Process(_ context.Context, bag *Bag) error {
	redacted := 0
	bag.Transform(func(e Entry) Entry {
		if e.Text == "" || !privacy.ContainsSecrets(e.Text) {
			return e
		}
		e.Text = privacy.RedactSecrets(e.Text)
		redacted++
		return e
	})
	if redacted > 0 {
		bag.Tags["scrub.redacted"] = strconv.Itoa(redacted)
	}
	return nil
}
