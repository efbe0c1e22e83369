package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/biem/llm"
	"github.com/BaSui01/biem/llm/retry"
	"github.com/BaSui01/biem/types"
)

// consolidateConcurrency bounds parallel cluster summarization.
const consolidateConcurrency = 4

// TierManager places nodes across the storage tiers and moves them as
// their energy evolves: admission into L1 at store time, promotion when a
// cold node heats up, demotion when a resident cools down, and
// consolidation of dense clusters into crystal facts.
type TierManager struct {
	cfg     Config
	working *WorkingSet
	index   VectorIndex
	graph   *Graph
	crystal *CrystalStore
	energy  *EnergyController
	arbiter llm.Provider
	retryer retry.Retryer
	now     func() time.Time
	logger  *zap.Logger
}

// NewTierManager wires the tiers together. arbiter and crystal may be nil;
// consolidation is then disabled.
func NewTierManager(cfg Config, working *WorkingSet, index VectorIndex, graph *Graph, crystal *CrystalStore, energy *EnergyController, arbiter llm.Provider, logger *zap.Logger) *TierManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalize()
	policy := retry.DefaultRetryPolicy()
	policy.MaxRetries = 2
	policy.InitialDelay = 100 * time.Millisecond
	policy.MaxDelay = 2 * time.Second
	componentLogger := logger.With(zap.String("component", "tiers"))
	return &TierManager{
		cfg:     cfg,
		working: working,
		index:   index,
		graph:   graph,
		crystal: crystal,
		energy:  energy,
		arbiter: arbiter,
		retryer: retry.NewBackoffRetryer(policy, componentLogger),
		now:     cfg.Now,
		logger:  componentLogger,
	}
}

// Store places a new node: always into the vector index and the graph,
// and into the working set when its energy clears the admit threshold.
// Index writes are retried with backoff; if they still fail the node stays
// in L1 only and a durability warning is logged, so ingest remains total.
func (t *TierManager) Store(ctx context.Context, node *Node) error {
	admitted := node.Energy >= t.cfg.AdmitThreshold
	if admitted {
		node.Tier = TierL1
	} else {
		node.Tier = TierL2
	}

	err := t.retryer.Do(ctx, func() error {
		return t.index.Put(ctx, node)
	})
	if err != nil {
		if !admitted {
			return types.NewError(types.ErrStorageFailed, "vector index write failed").WithCause(err)
		}
		t.logger.Error("vector index write failed, node held in working set only",
			zap.String("node_id", node.ID),
			zap.String("scope", node.Scope),
			zap.Error(err))
	}

	t.graph.AddNode(node.ID, node.Scope)

	if admitted {
		_, evicted := t.working.Put(node)
		if evicted != nil {
			t.demote(ctx, evicted)
			t.logger.Debug("working set overflow evicted node",
				zap.String("scope", node.Scope),
				zap.String("evicted_id", evicted.ID),
				zap.Float64("evicted_energy", evicted.Energy))
		}
	}
	return nil
}

// Get fetches a node by id within a scope, working set first. The node is
// decayed to now and the transition written through before it is returned.
func (t *TierManager) Get(ctx context.Context, scope, id string) (*Node, error) {
	now := t.now()

	if n := t.working.Get(scope, id, now); n != nil {
		t.energy.Decay(n, now)
		t.refresh(ctx, n)
		t.writeThrough(ctx, n)
		return n, nil
	}

	n, err := t.index.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Scope != scope {
		return nil, types.NewError(types.ErrNodeNotFound, "node not found in scope: "+id)
	}
	t.energy.Decay(n, now)
	t.writeThrough(ctx, n)
	return n, nil
}

// Touch applies an energy transition produced by the caller (boost or
// feedback already materialized on the node) and moves the node across
// tiers if it crossed a threshold.
func (t *TierManager) Touch(ctx context.Context, node *Node) {
	t.writeThrough(ctx, node)

	switch {
	case node.Tier == TierL2 && node.Energy >= t.cfg.PromoteThreshold:
		t.promote(ctx, node)
	case node.Tier == TierL1:
		t.refresh(ctx, node)
	}
}

// refresh rewrites a resident copy. A rewrite below the admit threshold
// removes the node from the working set, so the L2 transition is written
// through immediately rather than waiting for the next decay scan.
func (t *TierManager) refresh(ctx context.Context, node *Node) {
	resident, evicted := t.working.Put(node)
	if evicted != nil {
		t.demote(ctx, evicted)
	}
	if !resident && node.Tier == TierL1 {
		t.demote(ctx, node)
	}
}

// promote lifts an L2 node into the working set.
func (t *TierManager) promote(ctx context.Context, node *Node) {
	node.Tier = TierL1
	_, evicted := t.working.Put(node)
	if evicted != nil {
		t.demote(ctx, evicted)
	}
	if err := t.index.UpdateTier(ctx, node.ID, TierL1); err != nil {
		t.logger.Warn("tier write-through failed", zap.String("node_id", node.ID), zap.Error(err))
	}
	t.logger.Debug("promoted node",
		zap.String("node_id", node.ID),
		zap.String("scope", node.Scope),
		zap.Float64("energy", node.Energy))
}

// demote returns a node evicted from the working set to L2.
func (t *TierManager) demote(ctx context.Context, node *Node) {
	node.Tier = TierL2
	if err := t.index.UpdateEnergy(ctx, node.ID, node.Energy, node.Metadata.LastAccessed); err != nil {
		t.logger.Warn("energy write-through failed", zap.String("node_id", node.ID), zap.Error(err))
	}
	if err := t.index.UpdateTier(ctx, node.ID, TierL2); err != nil {
		t.logger.Warn("tier write-through failed", zap.String("node_id", node.ID), zap.Error(err))
	}
}

// writeThrough persists the node's current energy to the index.
func (t *TierManager) writeThrough(ctx context.Context, node *Node) {
	if err := t.index.UpdateEnergy(ctx, node.ID, node.Energy, node.Metadata.LastAccessed); err != nil {
		if !types.IsNotFound(err) {
			t.logger.Warn("energy write-through failed", zap.String("node_id", node.ID), zap.Error(err))
		}
	}
}

// DecayScan sweeps every scope's working set once, demoting residents that
// have cooled below the demote threshold or idled past the TTL. It returns
// the number of demoted nodes.
func (t *TierManager) DecayScan(ctx context.Context) int {
	now := t.now()
	demoted := 0
	for _, scope := range t.working.Scopes() {
		for _, n := range t.working.Scan(scope, now) {
			t.demote(ctx, n)
			demoted++
		}
	}
	if demoted > 0 {
		t.logger.Info("decay scan demoted nodes", zap.Int("demoted", demoted))
	}
	return demoted
}

// Consolidate finds dense clusters in one scope and distills each into a
// crystal fact. A cluster qualifies when it has at least the configured
// member count and its average effective energy clears the floor.
// Consolidation is advisory: clusters that fail summarization are skipped.
func (t *TierManager) Consolidate(ctx context.Context, scope string) ([]*CrystalFact, error) {
	if t.arbiter == nil || t.crystal == nil {
		return nil, nil
	}

	clusters := t.graph.Clusters(scope, t.cfg.ConsolidateMinCluster)
	if len(clusters) == 0 {
		return nil, nil
	}

	now := t.now()
	var mu sync.Mutex
	var facts []*CrystalFact

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(consolidateConcurrency)
	for _, cluster := range clusters {
		cluster := cluster
		g.Go(func() error {
			fact := t.consolidateCluster(gctx, scope, cluster, now)
			if fact != nil {
				mu.Lock()
				facts = append(facts, fact)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return facts, err
	}

	sort.Slice(facts, func(i, j int) bool { return facts[i].ID < facts[j].ID })
	if len(facts) > 0 {
		t.logger.Info("consolidated clusters into crystal facts",
			zap.String("scope", scope),
			zap.Int("facts", len(facts)))
	}
	return facts, nil
}

const consolidateSystemPrompt = `You summarize a cluster of related memory
fragments into one durable fact. Respond with a single concise paragraph
stating what the fragments collectively establish. No preamble.`

// consolidateCluster summarizes one cluster, returning nil when it does not
// qualify or summarization fails.
func (t *TierManager) consolidateCluster(ctx context.Context, scope string, memberIDs []string, now time.Time) *CrystalFact {
	var members []*Node
	var energySum float64
	for _, id := range memberIDs {
		n, err := t.index.Get(ctx, id)
		if err != nil || n.Scope != scope {
			continue
		}
		members = append(members, n)
		energySum += t.energy.EnergyAt(n, now)
	}
	if len(members) < t.cfg.ConsolidateMinCluster {
		return nil
	}
	avg := energySum / float64(len(members))
	if avg < t.cfg.ConsolidateMinEnergy {
		return nil
	}

	var sb strings.Builder
	for i, n := range members {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, n.Content)
	}

	cctx, cancel := context.WithTimeout(ctx, t.cfg.LLMTimeout)
	defer cancel()
	resp, err := t.arbiter.Completion(cctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: consolidateSystemPrompt},
			{Role: llm.RoleUser, Content: sb.String()},
		},
		Temperature: 0.2,
	})
	if err != nil {
		t.logger.Warn("cluster summarization failed",
			zap.String("scope", scope),
			zap.Int("members", len(members)),
			zap.Error(err))
		return nil
	}
	content := strings.TrimSpace(llm.FirstContent(resp))
	if content == "" {
		return nil
	}

	ids := make([]string, 0, len(members))
	for _, n := range members {
		ids = append(ids, n.ID)
	}
	fact := &CrystalFact{
		Scope:      scope,
		Content:    content,
		Confidence: avg,
		CreatedAt:  now,
	}
	fact.SetSourceIDs(ids)
	if err := t.crystal.SaveFact(ctx, fact); err != nil {
		t.logger.Warn("crystal fact write failed", zap.String("scope", scope), zap.Error(err))
		return nil
	}
	return fact
}
