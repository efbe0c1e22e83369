package knowledge

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/biem/config"
	"github.com/BaSui01/biem/internal/journal"
	"github.com/BaSui01/biem/internal/metrics"
	"github.com/BaSui01/biem/llm"
	"github.com/BaSui01/biem/llm/embedding"
	"github.com/BaSui01/biem/types"
)

// hydrateBatch bounds how many triples one startup pass re-embeds.
const hydrateBatch = 1000

// eventBufferSize bounds each lifecycle event subscriber channel.
const eventBufferSize = 16

// ServiceOptions wires a Service together. Index defaults to the
// in-memory implementation; LLM, Journal and Metrics are optional. Now
// may be nil for the wall clock.
type ServiceOptions struct {
	Config   config.KnowledgeConfig
	Store    *Store
	Embedder embedding.Provider
	LLM      llm.Provider
	Index    VectorIndex
	Journal  journal.Journal
	Metrics  *metrics.Collector
	Now      func() time.Time
	Logger   *zap.Logger
}

// Service is the knowledge layer facade: it owns the extract, detect,
// store/confirm pipeline for incoming messages and the vector-plus-
// cluster retrieval for queries. All knowledge is global; contributor
// and session ids from the context attribute writes without isolating
// them.
type Service struct {
	cfg          config.KnowledgeConfig
	store        *Store
	index        VectorIndex
	embedder     embedding.Provider
	extractor    *Extractor
	detector     *ConflictDetector
	confirmation *ConfirmationManager
	retriever    *Retriever
	journal      journal.Journal
	metrics      *metrics.Collector
	now          func() time.Time
	logger       *zap.Logger

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService assembles the knowledge layer from its options.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	index := opts.Index
	if index == nil {
		index = NewInMemoryVectorIndex(logger)
	}

	return &Service{
		cfg:          opts.Config,
		store:        opts.Store,
		index:        index,
		embedder:     opts.Embedder,
		extractor:    NewExtractor(opts.LLM, opts.Config, logger),
		detector:     NewConflictDetector(opts.Store, logger),
		confirmation: NewConfirmationManager(opts.Store, opts.Config, now, logger),
		retriever:    NewRetriever(opts.Embedder, index, opts.Store, opts.Config, logger),
		journal:      opts.Journal,
		metrics:      opts.Metrics,
		now:          now,
		logger:       logger.With(zap.String("component", "knowledge")),
		subs:         make(map[int]chan Event),
	}
}

// ProcessMessage runs one message through the extraction pipeline.
// Non-conflicting triples are stored directly (when auto-store is on)
// and indexed for semantic search; a triple whose (subject, predicate)
// slot already holds a different value becomes a pending update that
// waits for Confirm. Assistant messages contribute agent_inferred
// triples through the same flow when extract_from_agent is enabled.
func (s *Service) ProcessMessage(ctx context.Context, message string, role llm.Role) (*ProcessResult, error) {
	result := &ProcessResult{Action: ActionNone}
	if role == "" {
		role = llm.RoleUser
	}
	if role == llm.RoleAssistant && !s.cfg.ExtractFromAgent {
		return result, nil
	}

	extraction, err := s.extractor.Extract(ctx, message, role)
	if err != nil {
		return nil, err
	}
	if !extraction.Factual || len(extraction.Triples) == 0 {
		return result, nil
	}

	contributor, _ := types.ContributorID(ctx)
	session, _ := types.SessionID(ctx)

	for _, t := range extraction.Triples {
		t.ContributorID = contributor
		t.SessionID = session

		conflict, err := s.detector.Check(ctx, t)
		if err != nil {
			return nil, err
		}
		if conflict.HasConflict {
			s.addPending(ctx, result, conflict)
			continue
		}
		if !s.cfg.AutoStore {
			continue
		}

		stored, err := s.store.Insert(ctx, t)
		if err != nil {
			// A concurrent writer can take the slot between the conflict
			// scan and the insert; that race is the confirmation flow's
			// signal, not an error.
			if types.GetErrorCode(err) == types.ErrDuplicateKey {
				conflict, cerr := s.detector.Check(ctx, t)
				if cerr != nil {
					return nil, cerr
				}
				if conflict.HasConflict {
					s.addPending(ctx, result, conflict)
				} else {
					s.logger.Debug("knowledge slot settled concurrently",
						zap.String("subject", t.Subject),
						zap.String("predicate", t.Predicate))
				}
				continue
			}
			return nil, err
		}

		s.indexTriple(ctx, stored)
		result.Stored = append(result.Stored, stored)
		if s.metrics != nil {
			s.metrics.RecordKnowledgeStored(string(stored.Source))
		}
		s.journalEvent(ctx, journal.EventKnowledgeStored, stored.ID, map[string]string{
			"subject":   stored.Subject,
			"predicate": stored.Predicate,
			"source":    string(stored.Source),
			"version":   strconv.Itoa(stored.Version),
		})
	}

	switch {
	case len(result.Pending) > 0:
		result.Action = ActionConflict
	case len(result.Stored) > 0:
		result.Action = ActionStored
	}

	s.logger.Debug("message processed for knowledge",
		zap.String("role", string(role)),
		zap.String("action", result.Action),
		zap.Int("stored", len(result.Stored)),
		zap.Int("pending", len(result.Pending)))
	return result, nil
}

func (s *Service) addPending(ctx context.Context, result *ProcessResult, conflict *ConflictResult) {
	p := s.confirmation.Add(conflict.New, conflict.Existing, conflict.Suggestion)
	result.Pending = append(result.Pending, p)
	result.Conflicts = append(result.Conflicts, conflict)
	if s.metrics != nil {
		s.metrics.RecordKnowledgePending("created")
	}
	s.journalEvent(ctx, journal.EventKnowledgePending, p.ID, map[string]string{
		"subject":   conflict.New.Subject,
		"predicate": conflict.New.Predicate,
		"existing":  conflict.Existing.Object,
		"proposed":  conflict.New.Object,
	})
	s.publishEvent(Event{Kind: EventPendingCreated, Pending: p, At: s.now()})
}

// Confirm resolves a pending update. Accepting applies the versioned
// object update (source user_verified, confidence 1.0), re-embeds the
// triple and returns it; declining discards the proposal and returns
// nil. Either way the pending id is spent.
func (s *Service) Confirm(ctx context.Context, pendingID string, accept bool) (*Triple, error) {
	if !accept {
		rejected, err := s.confirmation.Reject(pendingID)
		if err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.RecordKnowledgePending("rejected")
		}
		s.journalEvent(ctx, journal.EventKnowledgeResolved, pendingID, map[string]string{
			"outcome": "rejected",
		})
		s.publishEvent(Event{Kind: EventPendingRejected, Pending: rejected, At: s.now()})
		return nil, nil
	}

	contributor, _ := types.ContributorID(ctx)
	session, _ := types.SessionID(ctx)

	updated, consumed, err := s.confirmation.Confirm(ctx, pendingID, contributor, session)
	if err != nil {
		if types.GetErrorCode(err) == types.ErrPendingExpired {
			if s.metrics != nil {
				s.metrics.RecordKnowledgePending("expired")
			}
			s.publishEvent(Event{Kind: EventPendingExpired, Pending: consumed, At: s.now()})
		}
		return nil, err
	}

	s.indexTriple(ctx, updated)
	if s.metrics != nil {
		s.metrics.RecordKnowledgePending("confirmed")
	}
	s.journalEvent(ctx, journal.EventKnowledgeResolved, pendingID, map[string]string{
		"outcome":   "confirmed",
		"triple_id": updated.ID,
		"version":   strconv.Itoa(updated.Version),
	})
	s.publishEvent(Event{Kind: EventPendingConfirmed, Pending: consumed, Triple: updated, At: s.now()})
	return updated, nil
}

// Query returns the triples most relevant to the text, scored by vector
// similarity with cluster expansion.
func (s *Service) Query(ctx context.Context, text string) ([]ScoredTriple, error) {
	start := s.now()
	hits, err := s.retriever.Query(ctx, text)
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordKnowledgeQuery(status, s.now().Sub(start))
	}
	return hits, err
}

// Context renders the query results as a markdown block for prompt
// assembly.
func (s *Service) Context(ctx context.Context, text string) (string, error) {
	return s.retriever.Context(ctx, text)
}

// GetTriple returns one triple by id.
func (s *Service) GetTriple(ctx context.Context, id string) (*Triple, error) {
	return s.store.Get(ctx, id)
}

// FindBySubject lists triples about one subject.
func (s *Service) FindBySubject(ctx context.Context, subject string, limit int) ([]*Triple, error) {
	return s.store.FindBySubject(ctx, subject, limit)
}

// All lists triples ordered by (subject, predicate).
func (s *Service) All(ctx context.Context, limit int) ([]*Triple, error) {
	return s.store.All(ctx, limit)
}

// Recent lists the most recently updated triples.
func (s *Service) Recent(ctx context.Context, limit int) ([]*Triple, error) {
	return s.store.Recent(ctx, limit)
}

// History lists a triple's recorded transitions, newest first.
func (s *Service) History(ctx context.Context, tripleID string, limit int) ([]*History, error) {
	return s.store.GetHistory(ctx, tripleID, limit)
}

// Pending lists live pending updates, oldest first.
func (s *Service) Pending() []*PendingUpdate {
	return s.confirmation.Pending()
}

// PendingByID returns one live pending update.
func (s *Service) PendingByID(id string) (*PendingUpdate, error) {
	return s.confirmation.Get(id)
}

// Stats reports the global knowledge census.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.PendingConfirmations = s.confirmation.Len()
	if n, err := s.index.Count(ctx); err == nil {
		st.Vectors = n
	}
	return st, nil
}

// Hydrate rebuilds the volatile vector index from the relational store.
// Call it once at startup before Start. Embedding failures leave the
// affected triples on the lexical fallback path; they do not fail the
// hydrate.
func (s *Service) Hydrate(ctx context.Context) error {
	if s.embedder == nil {
		return nil
	}
	triples, err := s.store.Recent(ctx, hydrateBatch)
	if err != nil {
		return err
	}
	if len(triples) == 0 {
		return nil
	}

	batch := s.embedder.MaxBatchSize()
	if batch <= 0 {
		batch = 100
	}
	indexed := 0
	for lo := 0; lo < len(triples); lo += batch {
		hi := lo + batch
		if hi > len(triples) {
			hi = len(triples)
		}
		texts := make([]string, 0, hi-lo)
		for _, t := range triples[lo:hi] {
			texts = append(texts, t.Text())
		}
		vectors, err := s.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			s.logger.Warn("knowledge hydrate batch failed", zap.Error(err))
			continue
		}
		for i, vec := range vectors {
			if i >= hi-lo {
				break
			}
			if err := s.index.Put(ctx, triples[lo+i].ID, vec); err == nil {
				indexed++
			}
		}
	}
	if indexed > 0 {
		s.logger.Info("rehydrated knowledge index", zap.Int("triples", indexed))
	}
	return nil
}

// Subscribe registers a pending-update lifecycle listener. The returned
// cancel function must be called to release the subscription. Slow
// listeners drop events rather than blocking the pipeline.
func (s *Service) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, eventBufferSize)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Start launches the pending-update sweep loop. A sweep interval of
// zero disables the loop; expiry is still enforced on access.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return fmt.Errorf("knowledge service already started")
	}
	s.running = true
	s.stopCh = make(chan struct{})

	if s.cfg.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(ctx)
	}

	s.logger.Info("knowledge service started",
		zap.Duration("pending_ttl", s.cfg.PendingTTL),
		zap.Duration("sweep_interval", s.cfg.SweepInterval))
	return nil
}

// Stop halts the background loop and waits for it to drain.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.running = false
	s.logger.Info("knowledge service stopped")
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range s.confirmation.Sweep() {
				if s.metrics != nil {
					s.metrics.RecordKnowledgePending("expired")
				}
				s.publishEvent(Event{Kind: EventPendingExpired, Pending: p, At: s.now()})
			}
		}
	}
}

// indexTriple embeds and indexes one triple. Vector indexing is an
// enrichment: failures are logged and the triple stays reachable
// through the lexical fallback.
func (s *Service) indexTriple(ctx context.Context, t *Triple) {
	if s.embedder == nil || t == nil {
		return
	}
	vec, err := s.embedder.EmbedQuery(ctx, t.Text())
	if err != nil {
		s.logger.Warn("knowledge triple embedding failed",
			zap.String("triple_id", t.ID),
			zap.Error(err))
		return
	}
	if err := s.index.Put(ctx, t.ID, vec); err != nil {
		s.logger.Warn("knowledge index write failed",
			zap.String("triple_id", t.ID),
			zap.Error(err))
	}
}

func (s *Service) publishEvent(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Service) journalEvent(ctx context.Context, eventType, refID string, detail map[string]string) {
	if s.journal == nil {
		return
	}
	err := s.journal.Append(ctx, journal.Event{
		Type:      eventType,
		RefID:     refID,
		Detail:    detail,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.logger.Warn("journal append failed", zap.String("event", eventType), zap.Error(err))
	}
}
