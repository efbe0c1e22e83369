package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/biem/internal/journal"
	"github.com/BaSui01/biem/internal/metrics"
	"github.com/BaSui01/biem/llm"
	"github.com/BaSui01/biem/types"
)

// reembedQueueSize bounds the backlog of degraded nodes awaiting a vector.
const reembedQueueSize = 256

// signalBufferSize bounds each dissonance subscriber channel.
const signalBufferSize = 16

// ManagerOptions wires a Manager together. Index defaults to the in-memory
// implementation; Crystal, Arbiter, Journal and Metrics are optional.
type ManagerOptions struct {
	Config  Config
	Encoder *Encoder
	Index   VectorIndex
	Crystal *CrystalStore
	Arbiter llm.Provider
	Journal journal.Journal
	Metrics *metrics.Collector
	// Counter overrides the tokenizer used for context assembly.
	Counter TokenCounter
	Logger  *zap.Logger
}

// Manager is the memory engine facade: it owns the ingest and recall
// pipelines, the energy lifecycle, link routing, dissonance detection and
// the background maintenance loops.
type Manager struct {
	cfg       Config
	encoder   *Encoder
	energy    *EnergyController
	working   *WorkingSet
	index     VectorIndex
	graph     *Graph
	crystal   *CrystalStore
	router    *Router
	conflicts *ConflictChecker
	tiers     *TierManager
	journal   journal.Journal
	metrics   *metrics.Collector
	obs       *observability
	now       func() time.Time
	logger    *zap.Logger

	counter     TokenCounter
	counterOnce sync.Once

	reembedCh chan string

	subMu   sync.Mutex
	subs    map[int]chan DissonanceSignal
	nextSub int

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager assembles the engine from its options.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config.normalize()

	index := opts.Index
	if index == nil {
		index = NewInMemoryVectorIndex(logger)
	}

	obs, err := newObservability()
	if err != nil {
		logger.Warn("otel instruments unavailable", zap.Error(err))
	}

	energy := NewEnergyController(cfg, logger)
	working := NewWorkingSet(cfg, energy, logger)
	graph := NewGraph(logger)
	router := NewRouter(cfg, index, graph, opts.Crystal, logger)
	conflicts := NewConflictChecker(cfg, index, opts.Arbiter, logger)
	tiers := NewTierManager(cfg, working, index, graph, opts.Crystal, energy, opts.Arbiter, logger)

	return &Manager{
		cfg:       cfg,
		encoder:   opts.Encoder,
		energy:    energy,
		working:   working,
		index:     index,
		graph:     graph,
		crystal:   opts.Crystal,
		router:    router,
		conflicts: conflicts,
		tiers:     tiers,
		journal:   opts.Journal,
		metrics:   opts.Metrics,
		obs:       obs,
		counter:   opts.Counter,
		now:       cfg.Now,
		logger:    logger.With(zap.String("component", "memory")),
		reembedCh: make(chan string, reembedQueueSize),
		subs:      make(map[int]chan DissonanceSignal),
	}
}

// IngestResult reports what happened to one ingested fragment.
type IngestResult struct {
	NodeID   string             `json:"node_id"`
	Energy   float64            `json:"energy"`
	Admitted bool               `json:"admitted"`
	Degraded bool               `json:"degraded"`
	Links    int                `json:"links"`
	Signals  []DissonanceSignal `json:"signals,omitempty"`
}

// Ingest runs the full pipeline for one fragment in the scope bound to ctx:
// encode, assign energy, scan for dissonance, place across tiers and route
// links. Ingest is total with respect to enrichment failures; only invalid
// input or a storage failure for a non-admitted node surfaces an error.
func (m *Manager) Ingest(ctx context.Context, content, source string) (*IngestResult, error) {
	return m.ingest(ctx, content, source, -1)
}

func (m *Manager) ingest(ctx context.Context, content, source string, importance float64) (*IngestResult, error) {
	scope, ok := types.ScopeKey(ctx)
	if !ok {
		return nil, types.NewError(types.ErrInvalidScope, "no scope bound to context")
	}
	start := m.now()
	ctx, span := m.obs.startSpan(ctx, "memory.ingest", scope)
	status := "error"
	var signals []DissonanceSignal
	defer func() { m.obs.endIngest(ctx, span, scope, status, len(signals), m.now().Sub(start)) }()

	node, err := m.encoder.Encode(ctx, scope, content, source)
	if err != nil {
		m.recordIngest("error", start)
		return nil, err
	}

	node.Energy = m.energy.InitialEnergy(content, source, node.Metadata.Entities, importance)
	node.InitialEnergy = node.Energy

	if !node.Metadata.Degraded {
		signals = m.conflicts.Check(ctx, node)
		for _, sig := range signals {
			m.publishSignal(sig)
			if m.metrics != nil {
				m.metrics.RecordConflict(sig.Report.ConflictType)
			}
			m.journalEvent(ctx, journal.EventConflictDetected, scope, sig.NodeID, map[string]string{
				"neighbor_id":   sig.NeighborID,
				"conflict_type": sig.Report.ConflictType,
				"confidence":    formatFloat(sig.Report.Confidence),
			})
		}
	}

	if err := m.tiers.Store(ctx, node); err != nil {
		m.recordIngest("error", start)
		return nil, err
	}

	links, _ := m.router.Route(ctx, node)

	status = "ok"
	if node.Metadata.Degraded {
		status = "degraded"
		m.enqueueReembed(node.ID)
	}
	m.recordIngest(status, start)
	if m.metrics != nil {
		if node.Tier == TierL1 {
			m.metrics.RecordTierTransition("admit")
		}
		m.metrics.SetWorkingSetSize(scope, m.working.Size(scope))
	}
	m.journalEvent(ctx, journal.EventMemoryIngested, scope, node.ID, map[string]string{
		"source":   source,
		"energy":   formatFloat(node.Energy),
		"tier":     string(node.Tier),
		"degraded": strconv.FormatBool(node.Metadata.Degraded),
	})

	m.logger.Debug("ingested fragment",
		zap.String("scope", scope),
		zap.String("node_id", node.ID),
		zap.Float64("energy", node.Energy),
		zap.String("tier", string(node.Tier)),
		zap.Int("links", len(links)),
		zap.Int("signals", len(signals)))

	return &IngestResult{
		NodeID:   node.ID,
		Energy:   node.Energy,
		Admitted: node.Tier == TierL1,
		Degraded: node.Metadata.Degraded,
		Links:    len(links),
		Signals:  signals,
	}, nil
}

// Recall retrieves the topK most relevant nodes for a free-text query in
// the scope bound to ctx. Vector similarity and spreading activation are
// fused into one score; every returned node receives the recall boost.
func (m *Manager) Recall(ctx context.Context, query string, topK int) ([]ScoredNode, error) {
	scope, ok := types.ScopeKey(ctx)
	if !ok {
		return nil, types.NewError(types.ErrInvalidScope, "no scope bound to context")
	}
	if query == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "query must not be empty")
	}
	if topK <= 0 {
		topK = m.cfg.RecallTopK
	}
	start := m.now()
	ctx, span := m.obs.startSpan(ctx, "memory.recall", scope)
	status, returned := "error", 0
	defer func() { m.obs.endRecall(ctx, span, scope, status, returned, m.now().Sub(start)) }()

	qvec, err := m.encoder.EmbedQuery(ctx, query)
	if err != nil {
		m.recordRecall("error", start)
		return nil, err
	}

	hits, err := m.index.Search(ctx, scope, qvec, m.cfg.SearchTopK, &SearchFilter{ExcludeDegraded: true})
	if err != nil {
		m.recordRecall("error", start)
		return nil, err
	}

	seeds := make([]string, 0, m.cfg.SeedTopK)
	vecScores := make(map[string]float64, len(hits))
	for i, h := range hits {
		vecScores[h.Node.ID] = h.Score
		if i < m.cfg.SeedTopK {
			seeds = append(seeds, h.Node.ID)
		}
	}

	activation := m.graph.Spread(seeds, m.cfg.SpreadHops, m.cfg.SpreadDecay)

	candidates := make(map[string]struct{}, len(vecScores)+len(activation))
	for id := range vecScores {
		candidates[id] = struct{}{}
	}
	for id := range activation {
		candidates[id] = struct{}{}
	}

	results := make([]ScoredNode, 0, len(candidates))
	for id := range candidates {
		node, err := m.tiers.Get(ctx, scope, id)
		if err != nil {
			continue
		}
		results = append(results, ScoredNode{
			Node:       node,
			VecScore:   vecScores[id],
			Activation: activation[id],
			Score:      m.cfg.ScoreAlpha*vecScores[id] + m.cfg.ScoreBeta*activation[id],
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Node.CreatedAt.Equal(results[j].Node.CreatedAt) {
			return results[i].Node.CreatedAt.Before(results[j].Node.CreatedAt)
		}
		return results[i].Node.ID < results[j].Node.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}

	now := m.now()
	for i := range results {
		wasL2 := results[i].Node.Tier == TierL2
		m.energy.Boost(results[i].Node, now)
		m.tiers.Touch(ctx, results[i].Node)
		if m.metrics != nil && wasL2 && results[i].Node.Tier == TierL1 {
			m.metrics.RecordTierTransition("promote")
		}
	}

	status, returned = "ok", len(results)
	m.recordRecall("ok", start)
	m.journalEvent(ctx, journal.EventMemoryRecalled, scope, "", map[string]string{
		"query_len": strconv.Itoa(len(query)),
		"results":   strconv.Itoa(len(results)),
	})
	return results, nil
}

// Feedback applies an explicit energy delta to a node of the bound scope
// and returns the updated node. Deltas are validated to [-0.5, +0.5].
func (m *Manager) Feedback(ctx context.Context, nodeID string, delta float64) (*Node, error) {
	scope, ok := types.ScopeKey(ctx)
	if !ok {
		return nil, types.NewError(types.ErrInvalidScope, "no scope bound to context")
	}

	node, err := m.tiers.Get(ctx, scope, nodeID)
	if err != nil {
		return nil, err
	}
	wasL2 := node.Tier == TierL2
	if err := m.energy.ApplyFeedback(node, delta, m.now()); err != nil {
		return nil, err
	}
	m.tiers.Touch(ctx, node)
	if m.metrics != nil && wasL2 && node.Tier == TierL1 {
		m.metrics.RecordTierTransition("promote")
	}

	m.journalEvent(ctx, journal.EventFeedbackApplied, scope, nodeID, map[string]string{
		"delta":  formatFloat(delta),
		"energy": formatFloat(node.Energy),
	})
	return node, nil
}

// RecordCausal declares an explicit causal edge between two existing nodes
// of the bound scope. Causal links never arise from automatic routing.
func (m *Manager) RecordCausal(ctx context.Context, sourceID, targetID string) error {
	scope, ok := types.ScopeKey(ctx)
	if !ok {
		return types.NewError(types.ErrInvalidScope, "no scope bound to context")
	}
	for _, id := range []string{sourceID, targetID} {
		n, err := m.index.Get(ctx, id)
		if err != nil {
			return err
		}
		if n.Scope != scope {
			return types.NewError(types.ErrNodeNotFound, "node not found in scope: "+id)
		}
	}
	if err := m.router.RecordCausal(ctx, scope, sourceID, targetID, 1.0); err != nil {
		return err
	}
	m.journalEvent(ctx, journal.EventCausalLinked, scope, sourceID, map[string]string{
		"target_id": targetID,
	})
	return nil
}

// RecordEvent ingests an outcome fragment whose importance scales with the
// magnitude of the feedback valence, nudges the related nodes' energy by
// half the valence, and, for positive outcomes, records causal edges from
// each related node to the event.
func (m *Manager) RecordEvent(ctx context.Context, eventType, content string, feedback float64, relatedIDs []string) (*IngestResult, error) {
	scope, ok := types.ScopeKey(ctx)
	if !ok {
		return nil, types.NewError(types.ErrInvalidScope, "no scope bound to context")
	}
	if feedback < -1 || feedback > 1 || math.IsNaN(feedback) {
		return nil, types.NewError(types.ErrInvalidEnergy, "event feedback must be in [-1, +1]")
	}

	importance := 0.5 + math.Abs(feedback)*0.5
	result, err := m.ingest(ctx, content, "event:"+eventType, importance)
	if err != nil {
		return nil, err
	}

	delta := feedback * 0.5
	for _, id := range relatedIDs {
		node, err := m.tiers.Get(ctx, scope, id)
		if err != nil {
			m.logger.Debug("event related node missing", zap.String("node_id", id))
			continue
		}
		if err := m.energy.ApplyFeedback(node, delta, m.now()); err != nil {
			continue
		}
		m.tiers.Touch(ctx, node)
		if feedback > 0 {
			if err := m.router.RecordCausal(ctx, scope, id, result.NodeID, 1.0); err != nil {
				m.logger.Debug("causal link from event skipped", zap.Error(err))
			}
		}
	}
	return result, nil
}

// GetNode returns one node of the bound scope, decayed to now.
func (m *Manager) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	scope, ok := types.ScopeKey(ctx)
	if !ok {
		return nil, types.NewError(types.ErrInvalidScope, "no scope bound to context")
	}
	return m.tiers.Get(ctx, scope, nodeID)
}

// Forget removes a node from every tier of the bound scope.
func (m *Manager) Forget(ctx context.Context, nodeID string) error {
	scope, ok := types.ScopeKey(ctx)
	if !ok {
		return types.NewError(types.ErrInvalidScope, "no scope bound to context")
	}
	n, err := m.index.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if n.Scope != scope {
		return types.NewError(types.ErrNodeNotFound, "node not found in scope: "+nodeID)
	}
	m.working.Delete(scope, nodeID)
	m.graph.RemoveNode(nodeID)
	return m.index.Delete(ctx, nodeID)
}

// Stats reports engine occupancy across all scopes.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	scopeSet := make(map[string]struct{})
	indexScopes, err := m.index.Scopes(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range indexScopes {
		scopeSet[s] = struct{}{}
	}
	for _, s := range m.working.Scopes() {
		scopeSet[s] = struct{}{}
	}
	for _, s := range m.graph.Scopes() {
		scopeSet[s] = struct{}{}
	}

	stats := &Stats{Scopes: make(map[string]ScopeStats, len(scopeSet))}
	for s := range scopeSet {
		count, err := m.index.Count(ctx, s)
		if err != nil {
			return nil, err
		}
		sc := ScopeStats{
			L1Nodes:    m.working.Size(s),
			IndexNodes: count,
			GraphNodes: m.graph.NodeCount(s),
			GraphLinks: m.graph.LinkCount(s),
		}
		stats.Scopes[s] = sc
		stats.TotalNodes += sc.IndexNodes
		stats.TotalLinks += sc.GraphLinks
	}
	if m.crystal != nil {
		facts, err := m.crystal.CountFacts(ctx)
		if err == nil {
			stats.CrystalFacts = facts
		}
	}
	return stats, nil
}

// Facts lists the crystal facts of the bound scope, newest first.
func (m *Manager) Facts(ctx context.Context, limit int) ([]*CrystalFact, error) {
	scope, ok := types.ScopeKey(ctx)
	if !ok {
		return nil, types.NewError(types.ErrInvalidScope, "no scope bound to context")
	}
	if m.crystal == nil {
		return nil, nil
	}
	return m.crystal.FactsByScope(ctx, scope, limit)
}

// Hydrate rebuilds the association graph from the crystal store. Call it
// once at startup before Start.
func (m *Manager) Hydrate(ctx context.Context) error {
	if m.crystal == nil {
		return nil
	}
	links, err := m.crystal.LoadLinks(ctx, "")
	if err != nil {
		return err
	}
	restored := 0
	for _, l := range links {
		if _, err := m.graph.AddLink(l); err == nil {
			restored++
		}
	}
	if restored > 0 {
		m.logger.Info("rehydrated association graph", zap.Int("links", restored))
	}
	return nil
}

// Subscribe registers a dissonance signal listener. The returned cancel
// function must be called to release the subscription. Slow listeners drop
// signals rather than blocking ingest.
func (m *Manager) Subscribe() (<-chan DissonanceSignal, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan DissonanceSignal, signalBufferSize)
	m.subs[id] = ch
	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// Start launches the background maintenance loops: decay scans, cluster
// consolidation, crystal write reconciliation and degraded node re-embedding.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return fmt.Errorf("memory manager already started")
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(4)
	go m.decayLoop(ctx)
	go m.consolidateLoop(ctx)
	go m.reconcileLoop(ctx)
	go m.reembedLoop(ctx)

	m.logger.Info("memory manager started",
		zap.Duration("decay_scan_interval", m.cfg.DecayScanInterval),
		zap.Duration("consolidate_interval", m.cfg.ConsolidateInterval))
	return nil
}

// Stop halts the background loops and waits for them to drain.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	m.running = false
	m.logger.Info("memory manager stopped")
}

func (m *Manager) decayLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.DecayScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			demoted := m.tiers.DecayScan(ctx)
			if m.metrics != nil {
				for i := 0; i < demoted; i++ {
					m.metrics.RecordTierTransition("demote")
				}
				for _, s := range m.working.Scopes() {
					m.metrics.SetWorkingSetSize(s, m.working.Size(s))
				}
			}
		}
	}
}

func (m *Manager) consolidateLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ConsolidateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, scope := range m.graph.Scopes() {
				facts, err := m.tiers.Consolidate(ctx, scope)
				if err != nil {
					m.logger.Warn("consolidation pass failed", zap.String("scope", scope), zap.Error(err))
					continue
				}
				if len(facts) == 0 {
					continue
				}
				if m.metrics != nil {
					m.metrics.RecordConsolidation(scope, len(facts))
				}
				for _, f := range facts {
					m.journalEvent(ctx, journal.EventFactConsolidated, scope, f.ID, map[string]string{
						"confidence": formatFloat(f.Confidence),
						"sources":    strconv.Itoa(len(f.SourceIDs())),
					})
				}
			}
		}
	}
}

func (m *Manager) reconcileLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			remaining := m.router.FlushPending(ctx)
			if m.metrics != nil {
				m.metrics.SetPendingLinkWrites(remaining)
			}
		}
	}
}

func (m *Manager) reembedLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case id := <-m.reembedCh:
			if !m.reembed(ctx, id) {
				// Put it back and wait before the next attempt so a dead
				// embedding endpoint does not spin the loop.
				m.enqueueReembed(id)
				select {
				case <-m.stopCh:
					return
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}
	}
}

// reembed attempts to replace a degraded node's zero vector. It reports
// whether the node no longer needs re-embedding.
func (m *Manager) reembed(ctx context.Context, id string) bool {
	node, err := m.index.Get(ctx, id)
	if err != nil {
		return true
	}
	if !node.Metadata.Degraded {
		return true
	}

	vec, err := m.encoder.Embed(ctx, node.Content)
	if err != nil {
		m.logger.Debug("re-embed attempt failed", zap.String("node_id", id), zap.Error(err))
		return false
	}

	node.Vector = vec
	node.Metadata.Degraded = false
	if err := m.index.Put(ctx, node); err != nil {
		m.logger.Warn("re-embed write failed", zap.String("node_id", id), zap.Error(err))
		return false
	}
	if resident := m.working.Get(node.Scope, id, m.now()); resident != nil {
		resident.Vector = node.Vector
		resident.Metadata.Degraded = false
		m.working.Put(resident)
	}
	m.router.RouteSemantic(ctx, node)
	m.logger.Info("re-embedded degraded node",
		zap.String("node_id", id),
		zap.String("scope", node.Scope))
	return true
}

func (m *Manager) enqueueReembed(id string) {
	select {
	case m.reembedCh <- id:
	default:
		m.logger.Warn("re-embed queue full, dropping node", zap.String("node_id", id))
	}
	if m.metrics != nil {
		m.metrics.SetDegradedNodes(len(m.reembedCh))
	}
}

func (m *Manager) publishSignal(sig DissonanceSignal) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}

func (m *Manager) journalEvent(ctx context.Context, eventType, scope, refID string, detail map[string]string) {
	if m.journal == nil {
		return
	}
	err := m.journal.Append(ctx, journal.Event{
		Type:      eventType,
		Scope:     scope,
		RefID:     refID,
		Detail:    detail,
		CreatedAt: m.now(),
	})
	if err != nil {
		m.logger.Warn("journal append failed", zap.String("event", eventType), zap.Error(err))
	}
}

func (m *Manager) recordIngest(status string, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordIngest(status, m.now().Sub(start))
}

func (m *Manager) recordRecall(status string, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordRecall(status, m.now().Sub(start))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
