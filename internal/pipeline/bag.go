// Package pipeline turns source material into embeddable chunks. A run pushes
// a shared content bag through an ordered processor chain; the terminal
// dispatch step converts the bag into a single embed_and_store_batch task so
// the slow, rate-limited embedding call runs on its own retry budget.
package pipeline

import (
	"strings"

	"github.com/stackmere/bindery/internal/tasks"
)

// Well-known entry kinds. Processors may introduce their own kinds; entries
// with kinds a processor does not recognize pass through untouched.
const (
	KindBody    = "body"
	KindTitle   = "title"
	KindPDF     = "pdf"
	KindPDFText = "pdf_text"
	KindURL     = "url"
	KindWebPage = "web_page"
	KindSummary = "summary"
	KindChunk   = "chunk"
)

// Embedding types the standard processors assign. Only entries whose type is
// on the dispatch allow-list are embedded; everything else stays in the bag
// as working material.
const (
	EmbedTypeTitle   = "title"
	EmbedTypeChunk   = "chunk"
	EmbedTypeSummary = "summary"
)

// Entry is one piece of content in the bag. EmbeddingType is empty for
// working material (raw bodies, unextracted attachments) and set by the
// processor that produced an embeddable form.
type Entry struct {
	Meta          map[string]any
	Kind          string
	Text          string
	EmbeddingType string
}

// Bag accumulates content for one document across a pipeline run. Entries
// are append-or-transform only: processors must never drop entries they do
// not understand, so unrelated processors compose without coordination.
// Tags carry free-form processor notes for debugging and tests.
type Bag struct {
	Tags       map[string]string
	entries    []Entry
	DocumentID int64
}

// NewBag returns an empty bag for the given document.
func NewBag(documentID int64) *Bag {
	return &Bag{
		DocumentID: documentID,
		Tags:       make(map[string]string),
	}
}

// FromParts seeds a bag with a document's stored body and its upload parts.
// Text parts join the body as raw material; pdf and url parts enter as
// references for the extraction steps. Unknown part kinds are kept verbatim.
func FromParts(documentID int64, body string, parts []tasks.ContentPart) *Bag {
	bag := NewBag(documentID)

	if strings.TrimSpace(body) != "" {
		bag.Add(Entry{Kind: KindBody, Text: body})
	}

	for _, part := range parts {
		switch part.Kind {
		case tasks.PartText:
			if strings.TrimSpace(part.Text) == "" {
				continue
			}
			bag.Add(Entry{Kind: KindBody, Text: part.Text, Meta: partMeta(part)})
		case tasks.PartPDF:
			bag.Add(Entry{Kind: KindPDF, Meta: partMeta(part)})
		case tasks.PartURL:
			bag.Add(Entry{Kind: KindURL, Meta: partMeta(part)})
		default:
			bag.Add(Entry{Kind: part.Kind, Text: part.Text, Meta: partMeta(part)})
		}
	}

	return bag
}

func partMeta(part tasks.ContentPart) map[string]any {
	meta := make(map[string]any, 2)
	if part.Name != "" {
		meta["name"] = part.Name
	}
	if part.URI != "" {
		meta["uri"] = part.URI
	}
	return meta
}

// Add appends an entry to the bag.
func (b *Bag) Add(e Entry) {
	b.entries = append(b.entries, e)
}

// Len returns the number of entries in the bag.
func (b *Bag) Len() int {
	return len(b.entries)
}

// Entries returns the bag contents in insertion order. The slice is shared;
// use Transform to rewrite entries in place.
func (b *Bag) Entries() []Entry {
	return b.entries
}

// ByKind returns the entries of one kind, in insertion order.
func (b *Bag) ByKind(kind string) []Entry {
	var out []Entry
	for _, e := range b.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// HasKind reports whether at least one entry of the kind exists.
func (b *Bag) HasKind(kind string) bool {
	for _, e := range b.entries {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Transform rewrites every entry through fn, in place. Entry count and order
// never change, so a transform cannot violate the no-discard rule.
func (b *Bag) Transform(fn func(Entry) Entry) {
	for i, e := range b.entries {
		b.entries[i] = fn(e)
	}
}

// MetaString reads a string value from an entry's metadata.
func (e Entry) MetaString(key string) string {
	if e.Meta == nil {
		return ""
	}
	s, _ := e.Meta[key].(string)
	return s
}

// MetaInt reads an integer value from an entry's metadata.
func (e Entry) MetaInt(key string) int {
	if e.Meta == nil {
		return 0
	}
	switch v := e.Meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
