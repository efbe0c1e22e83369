package memory

import "time"

// Config carries the tunable parameters of the memory engine. Zero values
// are replaced with defaults by normalize, so callers can set only the
// fields they care about.
type Config struct {
	// Lambda is the exponential decay constant per hour.
	Lambda float64
	// BoostOnRecall is added to a node's energy when it is returned from
	// recall.
	BoostOnRecall float64
	// InitBase is the base term of initial energy.
	InitBase float64
	// SourceWeight scales the source bonus term of initial energy.
	SourceWeight float64
	// EntityWeight scales the entity richness term of initial energy.
	EntityWeight float64
	// EntityNorm is the entity count at which the richness term saturates.
	EntityNorm int

	// L1Max is the per-scope working set capacity.
	L1Max int
	// L1TTL evicts working set nodes idle longer than this.
	L1TTL time.Duration
	// L1MinEnergy evicts working set nodes lazily below this energy.
	L1MinEnergy float64
	// AdmitThreshold is the minimum energy for working set admission.
	AdmitThreshold float64
	// PromoteThreshold promotes an L2 node touched at or above this energy.
	PromoteThreshold float64
	// DemoteThreshold demotes an L1 node below this energy at scan time.
	DemoteThreshold float64

	// TemporalWindow bounds how old a prior ingest may be to receive a
	// temporal link from a new node.
	TemporalWindow time.Duration
	// TemporalFanout caps how many recent nodes a new node links to.
	TemporalFanout int
	// SemanticTopK is the neighbour candidate count for semantic routing.
	SemanticTopK int
	// SemanticThreshold is the minimum cosine similarity for a semantic link.
	SemanticThreshold float64

	// ConflictTopK is the neighbour candidate count for dissonance checks.
	ConflictTopK int
	// ConflictThreshold is the minimum cosine similarity to consider a
	// neighbour for a dissonance check.
	ConflictThreshold float64
	// ConflictConfidence is the minimum arbiter confidence to surface a
	// dissonance signal.
	ConflictConfidence float64

	// RecallTopK is the default recall result count.
	RecallTopK int
	// SearchTopK is the vector candidate count fetched per recall.
	SearchTopK int
	// SeedTopK is how many of the vector candidates seed activation.
	SeedTopK int
	// SpreadHops is the spreading activation depth.
	SpreadHops int
	// SpreadDecay is the per-hop activation decay factor.
	SpreadDecay float64
	// ScoreAlpha weights the vector similarity in the fused score.
	ScoreAlpha float64
	// ScoreBeta weights the activation in the fused score.
	ScoreBeta float64

	// ConsolidateMinCluster is the smallest connected subgraph considered
	// for consolidation.
	ConsolidateMinCluster int
	// ConsolidateMinEnergy is the minimum average effective energy of a
	// cluster to consolidate it.
	ConsolidateMinEnergy float64
	// ConsolidateInterval spaces background consolidation runs.
	ConsolidateInterval time.Duration
	// DecayScanInterval spaces background decay/demotion scans.
	DecayScanInterval time.Duration
	// ReconcileInterval spaces retries of crystal link writes that failed
	// during ingest.
	ReconcileInterval time.Duration

	// ContextTokenBudget bounds assembled context size in tokens.
	ContextTokenBudget int
	// ContextTokenModel selects the tokenizer used for the budget.
	ContextTokenModel string

	// LLMTimeout bounds each enrichment or arbitration call.
	LLMTimeout time.Duration

	// Now supplies the clock, injectable for tests.
	Now func() time.Time
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Lambda:        0.1,
		BoostOnRecall: 0.1,
		InitBase:      0.5,
		SourceWeight:  0.1,
		EntityWeight:  0.1,
		EntityNorm:    5,

		L1Max:            100,
		L1TTL:            time.Hour,
		L1MinEnergy:      0.1,
		AdmitThreshold:   0.5,
		PromoteThreshold: 0.7,
		DemoteThreshold:  0.3,

		TemporalWindow:    5 * time.Minute,
		TemporalFanout:    5,
		SemanticTopK:      10,
		SemanticThreshold: 0.7,

		ConflictTopK:       10,
		ConflictThreshold:  0.8,
		ConflictConfidence: 0.7,

		RecallTopK:  5,
		SearchTopK:  10,
		SeedTopK:    5,
		SpreadHops:  2,
		SpreadDecay: 0.5,
		ScoreAlpha:  0.7,
		ScoreBeta:   0.3,

		ConsolidateMinCluster: 5,
		ConsolidateMinEnergy:  0.6,
		ConsolidateInterval:   10 * time.Minute,
		DecayScanInterval:     time.Minute,
		ReconcileInterval:     30 * time.Second,

		ContextTokenBudget: 2000,
		ContextTokenModel:  "gpt-4o",

		LLMTimeout: 10 * time.Second,

		Now: time.Now,
	}
}

// normalize fills zero fields with defaults and returns the result.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Lambda <= 0 {
		c.Lambda = d.Lambda
	}
	if c.BoostOnRecall <= 0 {
		c.BoostOnRecall = d.BoostOnRecall
	}
	if c.InitBase <= 0 {
		c.InitBase = d.InitBase
	}
	if c.SourceWeight <= 0 {
		c.SourceWeight = d.SourceWeight
	}
	if c.EntityWeight <= 0 {
		c.EntityWeight = d.EntityWeight
	}
	if c.EntityNorm <= 0 {
		c.EntityNorm = d.EntityNorm
	}
	if c.L1Max <= 0 {
		c.L1Max = d.L1Max
	}
	if c.L1TTL <= 0 {
		c.L1TTL = d.L1TTL
	}
	if c.L1MinEnergy <= 0 {
		c.L1MinEnergy = d.L1MinEnergy
	}
	if c.AdmitThreshold <= 0 {
		c.AdmitThreshold = d.AdmitThreshold
	}
	if c.PromoteThreshold <= 0 {
		c.PromoteThreshold = d.PromoteThreshold
	}
	if c.DemoteThreshold <= 0 {
		c.DemoteThreshold = d.DemoteThreshold
	}
	if c.TemporalWindow <= 0 {
		c.TemporalWindow = d.TemporalWindow
	}
	if c.TemporalFanout <= 0 {
		c.TemporalFanout = d.TemporalFanout
	}
	if c.SemanticTopK <= 0 {
		c.SemanticTopK = d.SemanticTopK
	}
	if c.SemanticThreshold <= 0 {
		c.SemanticThreshold = d.SemanticThreshold
	}
	if c.ConflictTopK <= 0 {
		c.ConflictTopK = d.ConflictTopK
	}
	if c.ConflictThreshold <= 0 {
		c.ConflictThreshold = d.ConflictThreshold
	}
	if c.ConflictConfidence <= 0 {
		c.ConflictConfidence = d.ConflictConfidence
	}
	if c.RecallTopK <= 0 {
		c.RecallTopK = d.RecallTopK
	}
	if c.SearchTopK <= 0 {
		c.SearchTopK = d.SearchTopK
	}
	if c.SeedTopK <= 0 {
		c.SeedTopK = d.SeedTopK
	}
	if c.SpreadHops <= 0 {
		c.SpreadHops = d.SpreadHops
	}
	if c.SpreadDecay <= 0 {
		c.SpreadDecay = d.SpreadDecay
	}
	if c.ScoreAlpha <= 0 {
		c.ScoreAlpha = d.ScoreAlpha
	}
	if c.ScoreBeta <= 0 {
		c.ScoreBeta = d.ScoreBeta
	}
	if c.ConsolidateMinCluster <= 0 {
		c.ConsolidateMinCluster = d.ConsolidateMinCluster
	}
	if c.ConsolidateMinEnergy <= 0 {
		c.ConsolidateMinEnergy = d.ConsolidateMinEnergy
	}
	if c.ConsolidateInterval <= 0 {
		c.ConsolidateInterval = d.ConsolidateInterval
	}
	if c.DecayScanInterval <= 0 {
		c.DecayScanInterval = d.DecayScanInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	if c.ContextTokenBudget <= 0 {
		c.ContextTokenBudget = d.ContextTokenBudget
	}
	if c.ContextTokenModel == "" {
		c.ContextTokenModel = d.ContextTokenModel
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = d.LLMTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
