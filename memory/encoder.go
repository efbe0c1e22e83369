package memory

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/biem/llm"
	"github.com/BaSui01/biem/llm/embedding"
	"github.com/BaSui01/biem/types"
)

// Encoder turns raw text into memory nodes: a dense vector from the
// embedding provider plus entities and sentiment from an optional LLM pass
// with a regex/lexicon fallback.
//
// Encode never fails on enrichment or embedding errors. An embedding
// failure yields a degraded node with a zero vector so ingest stays total;
// the caller is expected to schedule a re-embed.
type Encoder struct {
	embedder embedding.Provider
	arbiter  llm.Provider
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewEncoder creates an encoder. arbiter may be nil, in which case entity
// and sentiment extraction always uses the heuristic fallback.
func NewEncoder(embedder embedding.Provider, arbiter llm.Provider, cfg Config, logger *zap.Logger) *Encoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalize()
	return &Encoder{
		embedder: embedder,
		arbiter:  arbiter,
		timeout:  cfg.LLMTimeout,
		now:      cfg.Now,
		logger:   logger.With(zap.String("component", "encoder")),
	}
}

// Encode builds a node for content in the given scope. The returned node
// has a fresh id, vector, entities, sentiment and timestamps, but no energy;
// energy assignment belongs to the EnergyController.
func (e *Encoder) Encode(ctx context.Context, scope, content, source string) (*Node, error) {
	if strings.TrimSpace(content) == "" {
		return nil, types.NewError(types.ErrEmptyContent, "content must not be empty")
	}
	if scope == "" {
		return nil, types.NewError(types.ErrInvalidScope, "scope must not be empty")
	}

	now := e.now()
	node := &Node{
		ID:      NewNodeID(),
		Scope:   scope,
		Content: content,
		Tier:    TierL2,
		Metadata: Metadata{
			Timestamp:    now,
			LastAccessed: now,
			Source:       source,
		},
		CreatedAt: now,
	}

	vec, err := e.embedder.EmbedQuery(ctx, content)
	if err != nil {
		e.logger.Warn("embedding failed, storing degraded node",
			zap.String("node_id", node.ID),
			zap.String("scope", scope),
			zap.Error(err))
		node.Vector = make([]float64, e.embedder.Dimensions())
		node.Metadata.Degraded = true
	} else {
		node.Vector = NormalizeVector(vec)
	}

	entities, sentiment := e.enrich(ctx, content)
	node.Metadata.Entities = entities
	node.Metadata.Sentiment = sentiment
	return node, nil
}

// EmbedQuery embeds free text for search. Unlike Encode it propagates
// embedding errors, because recall cannot proceed without a query vector.
func (e *Encoder) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, types.NewError(types.ErrEmbeddingFailed, "embed query").WithCause(err)
	}
	return NormalizeVector(vec), nil
}

// Embed embeds content for a node body. Used by the re-embed worker.
func (e *Encoder) Embed(ctx context.Context, text string) ([]float64, error) {
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, types.NewError(types.ErrEmbeddingFailed, "embed content").WithCause(err)
	}
	return NormalizeVector(vec), nil
}

// enrichment is the JSON shape requested from the arbiter.
type enrichment struct {
	Entities  []string `json:"entities"`
	Sentiment float64  `json:"sentiment"`
}

const enrichSystemPrompt = `You extract metadata from a text fragment.
Respond with JSON only: {"entities": ["..."], "sentiment": -1.0..1.0}.
Entities are the named things the fragment is about (people, places,
products, projects, technologies), at most 10. Sentiment is the overall
polarity of the fragment.`

// enrich extracts entities and sentiment, preferring the LLM and falling
// back to regex/lexicon heuristics when the LLM is absent or fails.
func (e *Encoder) enrich(ctx context.Context, content string) ([]string, float64) {
	if e.arbiter != nil {
		ctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		resp, err := e.arbiter.Completion(ctx, &llm.ChatRequest{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: enrichSystemPrompt},
				{Role: llm.RoleUser, Content: content},
			},
			JSONMode:    true,
			Temperature: 0,
		})
		if err == nil {
			var enr enrichment
			if jerr := json.Unmarshal([]byte(extractJSON(llm.FirstContent(resp))), &enr); jerr == nil {
				if len(enr.Entities) > 10 {
					enr.Entities = enr.Entities[:10]
				}
				return dedupeStrings(enr.Entities, 20), clampSentiment(enr.Sentiment)
			}
		} else {
			e.logger.Debug("llm enrichment failed, using heuristics", zap.Error(err))
		}
	}
	return ExtractEntities(content), LexiconSentiment(content)
}

var (
	capitalizedPhrase = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]*(?:\s+[A-Z][a-zA-Z0-9]*)*\b`)
	emailPattern      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	urlPattern        = regexp.MustCompile(`https?://[^\s]+`)
	datePattern       = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b`)
)

// ExtractEntities is the heuristic entity extractor: capitalized phrases,
// emails, URLs and dates, deduplicated and capped at 20.
func ExtractEntities(content string) []string {
	var out []string
	out = append(out, firstN(capitalizedPhrase.FindAllString(content, -1), 10)...)
	out = append(out, firstN(emailPattern.FindAllString(content, -1), 3)...)
	out = append(out, firstN(urlPattern.FindAllString(content, -1), 3)...)
	out = append(out, firstN(datePattern.FindAllString(content, -1), 5)...)
	return dedupeStrings(out, 20)
}

var positiveWords = map[string]struct{}{
	"good": {}, "great": {}, "excellent": {}, "love": {}, "like": {},
	"happy": {}, "best": {}, "success": {}, "successful": {}, "works": {},
	"fixed": {}, "solved": {}, "fast": {}, "easy": {}, "useful": {},
	"helpful": {}, "correct": {}, "right": {}, "win": {}, "improved": {},
}

var negativeWords = map[string]struct{}{
	"bad": {}, "terrible": {}, "awful": {}, "hate": {}, "dislike": {},
	"sad": {}, "worst": {}, "failure": {}, "failed": {}, "broken": {},
	"bug": {}, "slow": {}, "hard": {}, "wrong": {}, "error": {},
	"problem": {}, "issue": {}, "crash": {}, "lost": {}, "confusing": {},
}

// LexiconSentiment scores polarity as (positive - negative) / total matched
// sentiment words, in [-1, 1]. Text with no sentiment words scores 0.
func LexiconSentiment(content string) float64 {
	pos, neg := 0, 0
	for _, w := range strings.Fields(strings.ToLower(content)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if _, ok := positiveWords[w]; ok {
			pos++
		}
		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}
	total := pos + neg
	if total == 0 {
		return 0
	}
	return float64(pos-neg) / float64(total)
}

// NormalizeVector returns the L2-normalized copy of v. Zero vectors are
// returned as-is so degraded nodes keep cosine 0 against everything.
func NormalizeVector(v []float64) []float64 {
	out := append([]float64(nil), v...)
	var norm float64
	for _, x := range out {
		norm += x * x
	}
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] /= norm
	}
	return out
}

// extractJSON trims markdown code fences some models wrap around JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if i := strings.Index(s, "{"); i > 0 {
		s = s[i:]
	}
	return s
}

func clampSentiment(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

func dedupeStrings(in []string, max int) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) >= max {
			break
		}
	}
	return out
}

func firstN(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}
