package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/biem/config"
	"github.com/BaSui01/biem/llm/embedding"
	"github.com/BaSui01/biem/types"
)

// Retriever answers knowledge queries with vector search plus cluster
// expansion: activating one fact also surfaces the facts clustered
// around it, at a discounted score, the way recalling one concept pulls
// in its neighbours.
type Retriever struct {
	embedder embedding.Provider
	index    VectorIndex
	store    *Store
	cfg      config.KnowledgeConfig
	logger   *zap.Logger
}

// NewRetriever creates a retriever over the triple index and store.
func NewRetriever(embedder embedding.Provider, index VectorIndex, store *Store, cfg config.KnowledgeConfig, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.ExpansionK <= 0 {
		cfg.ExpansionK = 3
	}
	if cfg.ExpansionWeight <= 0 {
		cfg.ExpansionWeight = 0.7
	}
	if cfg.MaxContextItems <= 0 {
		cfg.MaxContextItems = 10
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		store:    store,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "knowledge_retriever")),
	}
}

// fusedHit accumulates the best score seen for one triple id.
type fusedHit struct {
	score    float64
	expanded bool
}

// Query embeds the text, searches the triple index, optionally expands
// each direct hit into its cluster, and returns deduplicated results by
// descending fused score. Expansion hits carry their similarity
// discounted by the expansion weight, so a fact found only through its
// cluster never outranks the direct hit that surfaced it. When vector
// search yields nothing the lexical store search serves as fallback
// with zero scores.
func (r *Retriever) Query(ctx context.Context, text string) ([]ScoredTriple, error) {
	if strings.TrimSpace(text) == "" {
		return nil, types.NewError(types.ErrEmptyContent, "query text must not be empty")
	}

	query, err := r.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, types.NewError(types.ErrEmbeddingFailed, "embed knowledge query").WithCause(err)
	}

	direct, err := r.index.Search(ctx, query, r.cfg.TopK, r.cfg.MinScore, nil)
	if err != nil {
		return nil, err
	}

	fused := make(map[string]fusedHit, len(direct)*2)
	for _, h := range direct {
		fused[h.TripleID] = fusedHit{score: h.Score}
	}

	if r.cfg.EnableClusterExpansion {
		for _, h := range direct {
			neighbours, err := r.index.Search(ctx, h.Vector, r.cfg.ExpansionK, r.cfg.ExpansionMinScore, []string{h.TripleID})
			if err != nil {
				return nil, err
			}
			for _, n := range neighbours {
				weighted := n.Score * r.cfg.ExpansionWeight
				prev, seen := fused[n.TripleID]
				if !seen {
					fused[n.TripleID] = fusedHit{score: weighted, expanded: true}
					continue
				}
				if weighted > prev.score {
					prev.score = weighted
					fused[n.TripleID] = prev
				}
			}
		}
	}

	if len(fused) == 0 {
		return r.lexicalFallback(ctx, text)
	}

	type ranked struct {
		id string
		fusedHit
	}
	order := make([]ranked, 0, len(fused))
	for id, h := range fused {
		order = append(order, ranked{id: id, fusedHit: h})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		return order[i].id < order[j].id
	})
	if len(order) > r.cfg.MaxContextItems {
		order = order[:r.cfg.MaxContextItems]
	}

	out := make([]ScoredTriple, 0, len(order))
	for _, h := range order {
		t, err := r.store.Get(ctx, h.id)
		if err != nil {
			// The index can briefly lead the store; skip ghosts.
			if types.GetErrorCode(err) == types.ErrTripleNotFound {
				r.logger.Debug("indexed triple missing from store", zap.String("triple_id", h.id))
				continue
			}
			return nil, err
		}
		out = append(out, ScoredTriple{Triple: t, Score: h.score, Expanded: h.expanded})
	}
	return out, nil
}

// lexicalFallback serves queries the vector index cannot answer, e.g.
// before any triple has been embedded. Hits carry zero score.
func (r *Retriever) lexicalFallback(ctx context.Context, text string) ([]ScoredTriple, error) {
	triples, err := r.store.TextSearch(ctx, text, r.cfg.MaxContextItems)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredTriple, 0, len(triples))
	for _, t := range triples {
		out = append(out, ScoredTriple{Triple: t})
	}
	return out, nil
}

// Context renders the query results as a markdown block for prompt
// assembly. Fully verified facts are tagged as such; everything else
// carries its source.
func (r *Retriever) Context(ctx context.Context, text string) (string, error) {
	hits, err := r.Query(ctx, text)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("## Learned Knowledge\n")
	for _, h := range hits {
		tag := string(h.Triple.Source)
		if h.Triple.Confidence >= 1.0 {
			tag = "verified"
		}
		fmt.Fprintf(&b, "- %s [%s]\n", h.Triple.Display(), tag)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}
