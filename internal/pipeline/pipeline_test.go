package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmere/bindery/internal/tasks"
)

type fakeEnqueuer struct {
	err     error
	batches []tasks.EmbedAndStoreBatchPayload
}

func (f *fakeEnqueuer) EnqueueEmbedBatch(_ context.Context, payload tasks.EmbedAndStoreBatchPayload) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, payload)
	return nil
}

type fakeSummarizer struct {
	err   error
	out   string
	calls int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

type namedProc struct {
	fn   func(ctx context.Context, bag *Bag) error
	name string
}

func (p namedProc) Name() string { return p.name }

func (p namedProc) Process(ctx context.Context, bag *Bag) error { return p.fn(ctx, bag) }

func TestPipelineRunsProcessorsInOrder(t *testing.T) {
	var order []string
	step := func(name string) Processor {
		return namedProc{name: name, fn: func(context.Context, *Bag) error {
			order = append(order, name)
			return nil
		}}
	}

	p := New(step("one"), step("two"), step("three"))
	require.NoError(t, p.Run(context.Background(), NewBag(1)))
	assert.Equal(t, []string{"one", "two", "three"}, order)
}

func TestPipelineStopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	reachedLast := false

	p := New(
		namedProc{name: "ok", fn: func(context.Context, *Bag) error { return nil }},
		namedProc{name: "explodes", fn: func(context.Context, *Bag) error { return boom }},
		namedProc{name: "after", fn: func(context.Context, *Bag) error {
			reachedLast = true
			return nil
		}},
	)

	err := p.Run(context.Background(), NewBag(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "explodes", "error names the failing step")
	assert.False(t, reachedLast)
}

func TestPipelineHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	p := New(namedProc{name: "never", fn: func(context.Context, *Bag) error {
		ran = true
		return nil
	}})

	err := p.Run(ctx, NewBag(1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestStandardRequiresEnqueuer(t *testing.T) {
	_, err := Standard(StandardConfig{})
	require.Error(t, err)
}

func TestStandardEndToEnd(t *testing.T) {
	enq := &fakeEnqueuer{}
	sum := &fakeSummarizer{out: "A quarterly planning document."}

	p, err := Standard(StandardConfig{
		Enqueuer:   enq,
		Summarizer: sum,
		ChunkSize:  400,
	})
	require.NoError(t, err)

	body := "# Q3 Planning\n\n" + strings.Repeat("The roadmap pulls storage work forward. ", 40)
	bag := FromParts(9, body, nil)
	require.NoError(t, p.Run(context.Background(), bag))

	require.Len(t, enq.batches, 1, "dispatch emits exactly one batch")
	batch := enq.batches[0]
	assert.Equal(t, int64(9), batch.DocumentID)
	assert.True(t, batch.ReplaceExisting)
	require.Equal(t, len(batch.TextsToEmbed), len(batch.EmbeddingMetadataList))

	byType := map[string][]tasks.EmbeddingMetadata{}
	for i, meta := range batch.EmbeddingMetadataList {
		assert.NotEmpty(t, strings.TrimSpace(batch.TextsToEmbed[i]))
		assert.Equal(t, int64(9), meta.DocumentID)
		byType[meta.EmbeddingType] = append(byType[meta.EmbeddingType], meta)
	}

	require.Len(t, byType[EmbedTypeTitle], 1)
	assert.Equal(t, 0, byType[EmbedTypeTitle][0].ChunkIndex)
	require.Len(t, byType[EmbedTypeSummary], 1)
	require.NotEmpty(t, byType[EmbedTypeChunk])
	for i, meta := range byType[EmbedTypeChunk] {
		assert.Equal(t, i, meta.ChunkIndex, "chunk indexes count up per type")
		assert.Positive(t, meta.TokenCount)
	}

	assert.Contains(t, batch.TextsToEmbed, "Q3 Planning")
	assert.Contains(t, batch.TextsToEmbed, "A quarterly planning document.")
	assert.Equal(t, 1, sum.calls)
}

func TestStandardKeepsUnknownEntries(t *testing.T) {
	enq := &fakeEnqueuer{}
	p, err := Standard(StandardConfig{Enqueuer: enq})
	require.NoError(t, err)

	bag := NewBag(3)
	bag.Add(Entry{Kind: "sidecar", Text: "left alone"})
	bag.Add(Entry{Kind: KindBody, Text: "Short body."})

	require.NoError(t, p.Run(context.Background(), bag))

	side := bag.ByKind("sidecar")
	require.Len(t, side, 1, "no processor may drop an entry it does not understand")
	assert.Equal(t, "left alone", side[0].Text)
}
