package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/biem/llm"
)

// ConflictReport is the arbiter's verdict on a suspicious node pair.
type ConflictReport struct {
	IsConflict   bool    `json:"is_conflict"`
	ConflictType string  `json:"conflict_type"`
	Description  string  `json:"description"`
	Confidence   float64 `json:"confidence"`
}

// DissonanceSignal surfaces a detected conflict between a new node and an
// existing neighbour. Signals are advisory: the engine stores both nodes
// regardless and leaves resolution to the caller.
type DissonanceSignal struct {
	Scope      string         `json:"scope"`
	NodeID     string         `json:"node_id"`
	NeighborID string         `json:"neighbor_id"`
	Similarity float64        `json:"similarity"`
	Report     ConflictReport `json:"report"`
	Priority   string         `json:"priority"`
	DetectedAt time.Time      `json:"detected_at"`
}

// ConflictChecker scans new nodes against their nearest neighbours and asks
// the arbiter whether highly similar pairs contradict each other. Without
// an arbiter (or when it fails) a lexical heuristic takes over. The checker
// never blocks ingest and never mutates anything.
type ConflictChecker struct {
	cfg     Config
	index   VectorIndex
	arbiter llm.Provider
	now     func() time.Time
	logger  *zap.Logger
}

// NewConflictChecker creates a checker. arbiter may be nil.
func NewConflictChecker(cfg Config, index VectorIndex, arbiter llm.Provider, logger *zap.Logger) *ConflictChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalize()
	return &ConflictChecker{
		cfg:     cfg,
		index:   index,
		arbiter: arbiter,
		now:     cfg.Now,
		logger:  logger.With(zap.String("component", "conflict")),
	}
}

// Check scans node against its scope neighbours and returns the signals
// that cleared the confidence bar. Errors are absorbed: a failed scan
// yields no signals.
func (c *ConflictChecker) Check(ctx context.Context, node *Node) []DissonanceSignal {
	hits, err := c.index.Search(ctx, node.Scope, node.Vector, c.cfg.ConflictTopK, &SearchFilter{
		ExcludeIDs:      []string{node.ID},
		ExcludeDegraded: true,
	})
	if err != nil {
		c.logger.Warn("conflict scan skipped", zap.String("node_id", node.ID), zap.Error(err))
		return nil
	}

	var signals []DissonanceSignal
	for _, h := range hits {
		if h.Score < c.cfg.ConflictThreshold {
			continue
		}
		report := c.arbitrate(ctx, node, h.Node)
		if !report.IsConflict || report.Confidence < c.cfg.ConflictConfidence {
			continue
		}
		sig := DissonanceSignal{
			Scope:      node.Scope,
			NodeID:     node.ID,
			NeighborID: h.Node.ID,
			Similarity: h.Score,
			Report:     report,
			Priority:   priorityFor(report.Confidence),
			DetectedAt: c.now(),
		}
		c.logger.Warn("dissonance detected",
			zap.String("scope", sig.Scope),
			zap.String("node_id", sig.NodeID),
			zap.String("neighbor_id", sig.NeighborID),
			zap.String("conflict_type", report.ConflictType),
			zap.Float64("confidence", report.Confidence))
		signals = append(signals, sig)
	}
	return signals
}

const arbiterSystemPrompt = `You judge whether two statements from the same
memory contradict each other. Respond with JSON only:
{"is_conflict": bool, "conflict_type": "factual|temporal|preference|other",
"description": "...", "confidence": 0.0..1.0}.
Statements that merely differ in topic or detail are not conflicts.`

// arbitrate asks the LLM for a verdict, falling back to the heuristic when
// the arbiter is absent or fails.
func (c *ConflictChecker) arbitrate(ctx context.Context, a, b *Node) ConflictReport {
	if c.arbiter != nil {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.LLMTimeout)
		defer cancel()

		resp, err := c.arbiter.Completion(ctx, &llm.ChatRequest{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: arbiterSystemPrompt},
				{Role: llm.RoleUser, Content: fmt.Sprintf("Statement A: %s\nStatement B: %s", a.Content, b.Content)},
			},
			JSONMode:    true,
			Temperature: 0,
		})
		if err == nil {
			var report ConflictReport
			if jerr := json.Unmarshal([]byte(extractJSON(llm.FirstContent(resp))), &report); jerr == nil {
				report.Confidence = clamp01(report.Confidence)
				return report
			}
		} else {
			c.logger.Debug("arbiter unavailable, using heuristic", zap.Error(err))
		}
	}
	return HeuristicConflict(a, b)
}

// contradictionPairs are word pairs whose co-occurrence across two similar
// statements suggests contradiction.
var contradictionPairs = [][2]string{
	{"true", "false"},
	{"yes", "no"},
	{"always", "never"},
	{"all", "none"},
	{"increase", "decrease"},
	{"start", "stop"},
	{"enable", "disable"},
	{"allow", "deny"},
	{"success", "failure"},
}

var negationTokens = []string{"not", "never", "no longer", "isn't", "doesn't", "won't", "can't"}

// HeuristicConflict is the lexical fallback verdict: opposite sentiment
// polarity, contradiction word pairs or asymmetric negation over shared
// vocabulary all count as conflicts.
func HeuristicConflict(a, b *Node) ConflictReport {
	sa, sb := a.Metadata.Sentiment, b.Metadata.Sentiment
	if sa*sb < 0 && math.Abs(sa-sb) >= 0.5 {
		return ConflictReport{
			IsConflict:   true,
			ConflictType: "preference",
			Description:  "opposite sentiment polarity over similar content",
			Confidence:   0.7,
		}
	}

	la, lb := strings.ToLower(a.Content), strings.ToLower(b.Content)
	for _, pair := range contradictionPairs {
		if (containsWord(la, pair[0]) && containsWord(lb, pair[1])) ||
			(containsWord(la, pair[1]) && containsWord(lb, pair[0])) {
			return ConflictReport{
				IsConflict:   true,
				ConflictType: "factual",
				Description:  fmt.Sprintf("contradictory terms: %q vs %q", pair[0], pair[1]),
				Confidence:   0.75,
			}
		}
	}

	if hasNegation(la) != hasNegation(lb) && sharedWords(la, lb) >= 3 {
		return ConflictReport{
			IsConflict:   true,
			ConflictType: "factual",
			Description:  "one statement negates shared content",
			Confidence:   0.7,
		}
	}

	return ConflictReport{IsConflict: false, Confidence: 0}
}

func priorityFor(confidence float64) string {
	if confidence >= 0.9 {
		return "high"
	}
	return "normal"
}

func containsWord(text, word string) bool {
	for _, w := range strings.Fields(text) {
		if strings.Trim(w, ".,!?;:\"'()[]") == word {
			return true
		}
	}
	return false
}

func hasNegation(text string) bool {
	for _, tok := range negationTokens {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}

func sharedWords(a, b string) int {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(a) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if len(w) > 3 {
			set[w] = struct{}{}
		}
	}
	shared := 0
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(b) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if _, ok := set[w]; ok {
			if _, dup := seen[w]; !dup {
				shared++
				seen[w] = struct{}{}
			}
		}
	}
	return shared
}
