// Package embedding defines the outbound embedding interface and its
// OpenAI-compatible REST adapter.
package embedding

import "context"

// Sentinel model values recorded on chunks that could not be embedded.
// Sentinel rows keep their text searchable through keyword search while
// staying invisible to vector search.
const (
	SentinelTooLong       = "unembedded:too-long"
	SentinelProviderError = "unembedded:provider-error"
	SentinelEmptyResult   = "unembedded:empty-result"
)

// IsSentinel reports whether a model value marks an unembedded chunk.
func IsSentinel(model string) bool {
	switch model {
	case SentinelTooLong, SentinelProviderError, SentinelEmptyResult:
		return true
	}
	return false
}

// Port is the outbound interface to an embedding provider. Implementations
// must return one vector per input text, in input order, along with the
// model name that produced them.
type Port interface {
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, string, error)
	Dimensions() int
}

// Summarizer produces a short abstract of a document body. The indexing
// pipeline skips its summary step when no summarizer is wired.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}
