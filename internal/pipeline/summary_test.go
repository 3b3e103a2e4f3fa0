package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarySkipsWithoutPort(t *testing.T) {
	bag := NewBag(1)
	bag.Add(Entry{Kind: KindBody, Text: strings.Repeat("words ", 200)})

	require.NoError(t, LLMSummary{}.Process(context.Background(), bag))
	assert.False(t, bag.HasKind(KindSummary))
}

func TestSummarySkipsShortBodies(t *testing.T) {
	sum := &fakeSummarizer{out: "irrelevant"}
	bag := NewBag(1)
	bag.Add(Entry{Kind: KindBody, Text: "tiny"})

	require.NoError(t, LLMSummary{Summarizer: sum}.Process(context.Background(), bag))
	assert.Zero(t, sum.calls)
	assert.False(t, bag.HasKind(KindSummary))
}

func TestSummaryAddsTaggedEntry(t *testing.T) {
	sum := &fakeSummarizer{out: "  The report covers storage growth.  "}
	bag := NewBag(4)
	bag.Add(Entry{Kind: KindBody, Text: strings.Repeat("Storage grew again this week. ", 30)})

	require.NoError(t, LLMSummary{Summarizer: sum}.Process(context.Background(), bag))

	entries := bag.ByKind(KindSummary)
	require.Len(t, entries, 1)
	assert.Equal(t, "The report covers storage growth.", entries[0].Text)
	assert.Equal(t, EmbedTypeSummary, entries[0].EmbeddingType)
	assert.Positive(t, entries[0].MetaInt("source_chars"))
	assert.Equal(t, 1, sum.calls)
}

func TestSummaryErrorPropagates(t *testing.T) {
	sum := &fakeSummarizer{err: errors.New("llm offline")}
	bag := NewBag(4)
	bag.Add(Entry{Kind: KindBody, Text: strings.Repeat("x", summaryMinChars)})

	err := LLMSummary{Summarizer: sum}.Process(context.Background(), bag)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm offline")
}

func TestSummaryKeepsExisting(t *testing.T) {
	sum := &fakeSummarizer{out: "new"}
	bag := NewBag(4)
	bag.Add(Entry{Kind: KindSummary, Text: "already there", EmbeddingType: EmbedTypeSummary})
	bag.Add(Entry{Kind: KindBody, Text: strings.Repeat("y", summaryMinChars)})

	require.NoError(t, LLMSummary{Summarizer: sum}.Process(context.Background(), bag))
	assert.Zero(t, sum.calls)
}
