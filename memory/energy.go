package memory

import (
	"math"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/biem/types"
)

// EnergyController owns every energy transition: initial assignment,
// exponential decay, recall boosts and explicit feedback. All transitions
// clamp into [0, 1] and stamp LastAccessed, so a node's stored energy is
// always the value at its LastAccessed instant.
type EnergyController struct {
	cfg    Config
	logger *zap.Logger
}

// NewEnergyController creates a controller with the given config.
func NewEnergyController(cfg Config, logger *zap.Logger) *EnergyController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnergyController{
		cfg:    cfg.normalize(),
		logger: logger.With(zap.String("component", "energy")),
	}
}

// InitialEnergy computes the energy a fresh node starts with.
//
// The base term is the configured InitBase blended with a content heuristic,
// unless the caller supplies an explicit importance (importance >= 0), which
// replaces the blend. Source and entity-richness bonuses are added on top
// and the result is clamped into [0, 1].
func (c *EnergyController) InitialEnergy(content, source string, entities []string, importance float64) float64 {
	base := c.cfg.InitBase
	if importance >= 0 {
		base = clamp01(importance)
	} else {
		base = clamp01((base + HeuristicImportance(content)) / 2)
	}

	richness := math.Min(1, float64(len(entities))/float64(c.cfg.EntityNorm))
	e := base + c.cfg.SourceWeight*sourceBonus(source) + c.cfg.EntityWeight*richness
	return clamp01(e)
}

// EnergyAt returns the effective energy of n at the given instant without
// mutating the node: E(t) = E_last * exp(-lambda * dt_hours). Time earlier
// than LastAccessed yields the stored energy unchanged.
func (c *EnergyController) EnergyAt(n *Node, at time.Time) float64 {
	dt := at.Sub(n.Metadata.LastAccessed)
	if dt <= 0 {
		return clamp01(n.Energy)
	}
	hours := dt.Hours()
	return clamp01(n.Energy * math.Exp(-c.cfg.Lambda*hours))
}

// Decay materializes the decayed energy onto the node and moves
// LastAccessed to now. Applying Decay twice for the same instant is a
// no-op; decay is multiplicative, so re-anchoring at now preserves the
// trajectory.
func (c *EnergyController) Decay(n *Node, now time.Time) {
	n.Energy = c.EnergyAt(n, now)
	n.Metadata.LastAccessed = now
}

// Boost decays the node to now and adds the recall boost, clamped to 1.
func (c *EnergyController) Boost(n *Node, now time.Time) {
	c.Decay(n, now)
	n.Energy = clamp01(n.Energy + c.cfg.BoostOnRecall)
}

// ApplyFeedback decays the node to now and applies an explicit delta.
// Deltas outside [-0.5, +0.5] are rejected.
func (c *EnergyController) ApplyFeedback(n *Node, delta float64, now time.Time) error {
	if delta < -0.5 || delta > 0.5 || math.IsNaN(delta) {
		return types.NewError(types.ErrInvalidEnergy, "feedback delta must be in [-0.5, +0.5]")
	}
	c.Decay(n, now)
	n.Energy = clamp01(n.Energy + delta)
	return nil
}

var (
	digitPattern    = regexp.MustCompile(`\d`)
	emphasisPattern = regexp.MustCompile(`(?i)\b(important|remember|key|critical|must|always|never)\b`)
)

// HeuristicImportance estimates how much a fragment matters from surface
// features alone: moderate length, capitalized tokens, digits and emphasis
// markers all raise it. The result lies in [0.1, 1.0].
func HeuristicImportance(content string) float64 {
	score := 0.5

	n := len(content)
	switch {
	case n < 20:
		score -= 0.2
	case n >= 50 && n <= 500:
		score += 0.1
	case n > 2000:
		score -= 0.1
	}

	words := strings.Fields(content)
	if len(words) > 0 {
		capitalized := 0
		for _, w := range words {
			r := []rune(w)
			if len(r) > 0 && r[0] >= 'A' && r[0] <= 'Z' {
				capitalized++
			}
		}
		ratio := float64(capitalized) / float64(len(words))
		if ratio > 0.1 {
			score += math.Min(0.2, ratio)
		}
	}

	if digitPattern.MatchString(content) {
		score += 0.1
	}
	if emphasisPattern.MatchString(content) {
		score += 0.15
	}

	if score < 0.1 {
		score = 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// sourceBonus maps a source tag to its energy bonus. Fragments the user
// stated directly carry the full bonus; agent events carry half.
func sourceBonus(source string) float64 {
	switch {
	case source == "user" || strings.HasPrefix(source, "user_"):
		return 1.0
	case strings.HasPrefix(source, "event:"):
		return 0.5
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
