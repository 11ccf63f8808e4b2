// Package retrieval implements RetrievalOrchestrator: query expansion,
// hybrid dense+sparse retrieval, Reciprocal Rank Fusion, deduplication,
// and caching (spec §4.1). Concurrent dense+sparse fan-out is grounded on
// the teacher's service/retriever.go, which used golang.org/x/sync/errgroup
// for the same vector+BM25 concurrent-fetch shape this generalizes.
package retrieval

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/connexus-ai/ragbox-backend/internal/apperror"
	"github.com/connexus-ai/ragbox-backend/internal/cache"
	"github.com/connexus-ai/ragbox-backend/internal/embedding"
	"github.com/connexus-ai/ragbox-backend/internal/llm"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/vectorstore"
)

// rrfK is Reciprocal Rank Fusion's rank-smoothing constant (spec §4.1 step 4).
const rrfK = 60

// Expansion selects the query-expansion strategy.
type Expansion string

const (
	ExpansionOff        Expansion = "off"
	ExpansionHyDE        Expansion = "hyde"
	ExpansionMultiQuery Expansion = "multi-query"
)

// multiQueryCount is the default N paraphrases for multi-query expansion.
const multiQueryCount = 3

// Options controls one Retrieve call.
type Options struct {
	TopK         int
	Expansion    Expansion
	FusionWeight float64 // α ∈ [0,1], weight for dense vs (1-α) for sparse
	ScoreFloor   float64
	Filters      map[string]string
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{TopK: 10, Expansion: ExpansionOff, FusionWeight: 0.5, ScoreFloor: 0}
}

func (o Options) normalize() (Options, error) {
	if o.TopK <= 0 {
		o.TopK = 10
	}
	if o.TopK > 50 {
		return o, apperror.New(apperror.KindBadInput, "topK must be <= 50")
	}
	if o.FusionWeight == 0 && o.Expansion == "" {
		o.FusionWeight = 0.5
	}
	if o.FusionWeight < 0 || o.FusionWeight > 1 {
		return o, apperror.New(apperror.KindBadInput, "fusionWeight must be in [0,1]")
	}
	if o.ScoreFloor < 0 || o.ScoreFloor > 1 {
		return o, apperror.New(apperror.KindBadInput, "scoreFloor must be in [0,1]")
	}
	if o.Expansion == "" {
		o.Expansion = ExpansionOff
	}
	return o, nil
}

// Result is RetrievalOrchestrator.Retrieve's return shape (spec §4.1 step 7).
type Result struct {
	Passages        []model.Ranked
	ModalitiesUsed  []string
	LatencyMs       int64
	Cached          bool
	PartialDegraded bool
}

// Orchestrator implements RetrievalOrchestrator.
type Orchestrator struct {
	engine embedding.Engine
	store  vectorstore.Client
	cache  *cache.Store
	llm    llm.Client // used only for hyde/multi-query expansion
}

// New creates an Orchestrator.
func New(engine embedding.Engine, store vectorstore.Client, c *cache.Store, llmClient llm.Client) *Orchestrator {
	return &Orchestrator{engine: engine, store: store, cache: c, llm: llmClient}
}

// rankedList is one modality's ranked candidate set for one expansion query.
type rankedList struct {
	modality   string // "dense" or "sparse"
	candidates []vectorstore.Candidate
}

// Retrieve implements the full §4.1 algorithm, with a result cache keyed
// by (collection, expansion, fingerprint(query), topK, α) — spec §4.1's
// caching section. A cache hit skips embedding and vector-store calls
// entirely.
func (o *Orchestrator) Retrieve(ctx context.Context, query string, collections []string, opts Options) (*Result, error) {
	if len(query) == 0 || len(query) > 500 {
		return nil, apperror.New(apperror.KindBadInput, "query must be 1..500 chars")
	}
	if len(collections) == 0 {
		return nil, apperror.New(apperror.KindBadInput, "collection is required")
	}
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	key := resultCacheKey(collections, query, opts)
	if o.cache != nil {
		var cached Result
		if o.cache.Get(ctx, cache.FamilyRetrieval, key, &cached) {
			cached.Cached = true
			return &cached, nil
		}
	}

	result, err := o.retrieveUncached(ctx, query, collections, opts)
	if err != nil {
		return nil, err
	}
	if o.cache != nil {
		o.cache.Set(ctx, cache.FamilyRetrieval, key, result)
	}
	return result, nil
}

func resultCacheKey(collections []string, query string, opts Options) string {
	sorted := append([]string(nil), collections...)
	sort.Strings(sorted)
	return fmt.Sprintf("%s|%s|%s|%d|%.2f|%s", strings.Join(sorted, ","), opts.Expansion,
		cache.NormalizedQueryHash(query), opts.TopK, opts.FusionWeight, filterFingerprint(opts.Filters))
}

// filterFingerprint renders a metadata filter deterministically so two
// Options with the same filter map (built independently) hash identically,
// and so a scoped query never shares a cache entry with an unscoped one.
func filterFingerprint(filter map[string]string) string {
	if len(filter) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + filter[k]
	}
	return strings.Join(parts, ",")
}

// retrieveUncached runs the full algorithm unconditionally.
func (o *Orchestrator) retrieveUncached(ctx context.Context, query string, collections []string, opts Options) (*Result, error) {
	start := time.Now()
	queries, err := o.expand(ctx, query, opts.Expansion)
	if err != nil {
		return nil, err
	}

	var lists []rankedList
	degraded := false
	modalitiesUsed := map[string]bool{}

	for _, q := range queries {
		denseVec, sparseVec, partial, embErr := o.embedBoth(ctx, q)
		if embErr != nil {
			return nil, apperror.Wrap(apperror.KindRetrievalUnavailable, "both embedding modalities failed", embErr)
		}
		if partial {
			degraded = true
		}

		for _, collection := range collections {
			dl, sl, retrErr := o.searchBoth(ctx, collection, denseVec, sparseVec, 4*opts.TopK, opts.Filters)
			if retrErr != nil {
				// Fail fast for this collection only — spec §4.1: a retrieval
				// failure must never poison other collections. len(lists) == 0
				// below catches the case where every collection failed.
				degraded = true
				continue
			}
			if dl != nil {
				lists = append(lists, *dl)
				modalitiesUsed["dense"] = true
			} else {
				degraded = true
			}
			if sl != nil {
				lists = append(lists, *sl)
				modalitiesUsed["sparse"] = true
			} else {
				degraded = true
			}
		}
	}

	if len(lists) == 0 {
		return nil, apperror.New(apperror.KindRetrievalUnavailable, "no retrieval modality returned results")
	}

	fused := fuse(lists, opts.FusionWeight, len(queries))
	fused = dedupe(fused)
	fused = applyFloorAndTruncate(fused, opts.ScoreFloor, opts.TopK)

	modalities := make([]string, 0, len(modalitiesUsed))
	for m := range modalitiesUsed {
		modalities = append(modalities, m)
	}
	sort.Strings(modalities)

	return &Result{
		Passages:        fused,
		ModalitiesUsed:  modalities,
		LatencyMs:       time.Since(start).Milliseconds(),
		PartialDegraded: degraded,
	}, nil
}

// embedBoth requests dense and sparse vectors concurrently; a failure in
// one is tolerated (spec §4.1 step 2).
func (o *Orchestrator) embedBoth(ctx context.Context, query string) (dense []float32, sparse map[uint32]float32, partial bool, err error) {
	g, gCtx := errgroup.WithContext(ctx)
	var denseErr, sparseErr error

	g.Go(func() error {
		dense, denseErr = o.cachedDenseEmbed(gCtx, query)
		return nil // independent failure tolerated; recorded, not propagated
	})
	g.Go(func() error {
		sparse, sparseErr = o.cachedSparseEmbed(gCtx, query)
		return nil
	})
	_ = g.Wait()

	if denseErr != nil && sparseErr != nil {
		return nil, nil, false, fmt.Errorf("retrieval: dense=%v sparse=%v", denseErr, sparseErr)
	}
	return dense, sparse, denseErr != nil || sparseErr != nil, nil
}

func (o *Orchestrator) cachedDenseEmbed(ctx context.Context, query string) ([]float32, error) {
	return o.engine.DenseEmbed(ctx, query)
}

func (o *Orchestrator) cachedSparseEmbed(ctx context.Context, query string) (map[uint32]float32, error) {
	return o.engine.SparseEmbed(ctx, query)
}

// searchBoth queries VectorStoreClient for dense and sparse candidates,
// tolerating a single-modality failure without failing the collection.
func (o *Orchestrator) searchBoth(ctx context.Context, collection string, dense []float32, sparse map[uint32]float32, limit int, filter map[string]string) (*rankedList, *rankedList, error) {
	var dl, sl *rankedList

	if len(dense) > 0 {
		cands, err := o.store.DenseSearch(ctx, collection, dense, limit, filter)
		if err == nil {
			dl = &rankedList{modality: "dense", candidates: cands}
		}
	}
	if len(sparse) > 0 {
		cands, err := o.store.SparseSearch(ctx, collection, model.SparseVector(sparse), limit, filter)
		if err == nil {
			sl = &rankedList{modality: "sparse", candidates: cands}
		}
	}
	if dl == nil && sl == nil {
		return nil, nil, apperror.New(apperror.KindRetrievalUnavailable, fmt.Sprintf("collection %s: both modalities failed", collection))
	}
	return dl, sl, nil
}

// fuse implements Reciprocal Rank Fusion (spec §4.1 step 4): score(p) =
// Σ_i w_i / (k + rank_i(p)), w_i = α for dense lists, (1-α) for sparse,
// each additionally divided by N (the expansion count) to average across
// multi-query/hyde runs. Ties are broken by earliest-appearing list, then
// stable id order — guaranteed by a single stable sort over fusion order.
func fuse(lists []rankedList, alpha float64, expansionCount int) []model.Ranked {
	type accum struct {
		passage      model.Passage
		score        float64
		firstList    int
		modalities   map[string]bool
	}
	scores := make(map[string]*accum)
	order := make([]string, 0)

	if expansionCount <= 0 {
		expansionCount = 1
	}

	for listIdx, list := range lists {
		weight := alpha
		if list.modality == "sparse" {
			weight = 1 - alpha
		}
		weight /= float64(expansionCount)

		for rank, cand := range list.candidates {
			contribution := weight / float64(rrfK+rank+1)
			a, ok := scores[cand.Passage.ID]
			if !ok {
				a = &accum{passage: cand.Passage, firstList: listIdx, modalities: map[string]bool{}}
				scores[cand.Passage.ID] = a
				order = append(order, cand.Passage.ID)
			}
			a.score += contribution
			a.modalities[list.modality] = true
		}
	}

	type scored struct {
		ranked    model.Ranked
		firstList int
	}
	out := make([]scored, 0, len(order))
	for _, id := range order {
		a := scores[id]
		modality := "hybrid"
		if len(a.modalities) == 1 {
			for m := range a.modalities {
				modality = m
			}
		}
		out = append(out, scored{ranked: model.Ranked{Passage: a.passage, Score: a.score, Modality: modality}, firstList: a.firstList})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ranked.Score != out[j].ranked.Score {
			return out[i].ranked.Score > out[j].ranked.Score
		}
		if out[i].firstList != out[j].firstList {
			return out[i].firstList < out[j].firstList
		}
		return out[i].ranked.Passage.ID < out[j].ranked.Passage.ID
	})

	result := make([]model.Ranked, len(out))
	for i, s := range out {
		result[i] = s.ranked
	}
	return result
}

// dedupe drops exact-id duplicates (already unique post-fuse by construction)
// and near-duplicates by text hash, per spec §4.1 step 5.
func dedupe(ranked []model.Ranked) []model.Ranked {
	seenText := make(map[string]bool)
	out := make([]model.Ranked, 0, len(ranked))
	for _, r := range ranked {
		h := textHash(r.Passage.Text)
		if seenText[h] {
			continue
		}
		seenText[h] = true
		out = append(out, r)
	}
	return out
}

func textHash(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", sum[:8])
}

// applyFloorAndTruncate drops entries below scoreFloor and truncates to topK
// (spec §4.1 step 6).
func applyFloorAndTruncate(ranked []model.Ranked, floor float64, topK int) []model.Ranked {
	out := make([]model.Ranked, 0, topK)
	for _, r := range ranked {
		if r.Score < floor {
			continue
		}
		out = append(out, r)
		if len(out) == topK {
			break
		}
	}
	return out
}
