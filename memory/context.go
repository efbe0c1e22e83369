package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter measures text in model tokens for the context budget.
type TokenCounter interface {
	Count(text string) int
}

// tiktokenCounter counts with the real BPE vocabulary of the target model.
type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// heuristicCounter approximates tokens as len/4, the usual English ratio.
// It serves as the fallback when the BPE vocabulary cannot be loaded.
type heuristicCounter struct{}

func (heuristicCounter) Count(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// tokenCounter resolves the counter lazily: the tiktoken vocabulary for the
// configured model if it loads, the heuristic otherwise.
func (m *Manager) tokenCounter() TokenCounter {
	m.counterOnce.Do(func() {
		if m.counter != nil {
			return
		}
		enc, err := tiktoken.EncodingForModel(m.cfg.ContextTokenModel)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err != nil {
			m.logger.Warn("tokenizer unavailable, using length heuristic",
				zap.String("model", m.cfg.ContextTokenModel),
				zap.Error(err))
			m.counter = heuristicCounter{}
			return
		}
		m.counter = &tiktokenCounter{enc: enc}
	})
	return m.counter
}

// energyIndicator renders a node's energy as a glyph for prompt context.
func energyIndicator(energy float64) string {
	switch {
	case energy >= 0.7:
		return "●"
	case energy >= 0.4:
		return "○"
	default:
		return "◌"
	}
}

// BuildContext recalls memories for a query and renders them as a markdown
// block ready for prompt injection, truncated to the configured token
// budget. Entries carry an energy glyph so downstream prompts can convey
// how established each memory is.
func (m *Manager) BuildContext(ctx context.Context, query string, topK int) (string, error) {
	results, err := m.Recall(ctx, query, topK)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	counter := m.tokenCounter()
	budget := m.cfg.ContextTokenBudget

	var sb strings.Builder
	header := "## Relevant Memories\n\n"
	sb.WriteString(header)
	used := counter.Count(header)

	included := 0
	for _, r := range results {
		line := fmt.Sprintf("- %s %s\n", energyIndicator(r.Node.Energy), strings.TrimSpace(r.Node.Content))
		cost := counter.Count(line)
		if used+cost > budget {
			break
		}
		sb.WriteString(line)
		used += cost
		included++
	}
	if included == 0 {
		return "", nil
	}
	return sb.String(), nil
}
