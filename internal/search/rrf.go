package search

import (
	"math"
	"sort"
)

// DefaultRRFK is the smoothing constant used when no override is configured.
const DefaultRRFK = 60

// ScoredID is one entry of a single ranked retrieval list. Score carries the
// channel-native value: cosine distance for the vector list, ts_rank_cd for
// the keyword list. Rank is the list position, not the score.
type ScoredID struct {
	ID    int64
	Score float64
}

// FusedHit is one chunk after Reciprocal Rank Fusion of both lists. A rank
// of zero means the chunk was absent from that channel.
type FusedHit struct {
	ID          int64
	RRFScore    float64
	VectorRank  int
	KeywordRank int

	// distance orders ties; chunks without a vector hit sort last among equals.
	distance float64
}

// RRF fuses a vector-ranked list (distance ascending) and a keyword-ranked
// list (rank score descending) into one ordering. Each chunk's fused score is
// the sum of 1/(k+rank) over every list it appears in, with 1-based ranks, so
// appearing in both lists always beats an equal single-list rank. Ties are
// broken by vector distance ascending, then by ID for determinism.
func RRF(vectorList, keywordList []ScoredID, k int) []FusedHit {
	if k <= 0 {
		k = DefaultRRFK
	}

	hits := make(map[int64]*FusedHit, len(vectorList)+len(keywordList))

	for i, item := range vectorList {
		rank := i + 1
		hits[item.ID] = &FusedHit{
			ID:         item.ID,
			RRFScore:   1.0 / float64(k+rank),
			VectorRank: rank,
			distance:   item.Score,
		}
	}

	for i, item := range keywordList {
		rank := i + 1
		if h, ok := hits[item.ID]; ok {
			h.RRFScore += 1.0 / float64(k+rank)
			h.KeywordRank = rank
			continue
		}
		hits[item.ID] = &FusedHit{
			ID:          item.ID,
			RRFScore:    1.0 / float64(k+rank),
			KeywordRank: rank,
			distance:    math.Inf(1),
		}
	}

	fused := make([]FusedHit, 0, len(hits))
	for _, h := range hits {
		fused = append(fused, *h)
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].RRFScore != fused[j].RRFScore {
			return fused[i].RRFScore > fused[j].RRFScore
		}
		if fused[i].distance != fused[j].distance {
			return fused[i].distance < fused[j].distance
		}
		return fused[i].ID < fused[j].ID
	})

	return fused
}
