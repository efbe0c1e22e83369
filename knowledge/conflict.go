package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/biem/config"
	"github.com/BaSui01/biem/types"
)

// ReasonUserConfirmed is the history reason written when a pending
// update is applied.
const ReasonUserConfirmed = "user_confirmed"

// ConflictDetector compares a prospective triple against whatever
// occupies its (subject, predicate) slot. It only reads; resolving a
// conflict is the confirmation flow's job.
type ConflictDetector struct {
	store  *Store
	logger *zap.Logger
}

// NewConflictDetector creates a detector over the given store.
func NewConflictDetector(store *Store, logger *zap.Logger) *ConflictDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConflictDetector{
		store:  store,
		logger: logger.With(zap.String("component", "knowledge_conflict")),
	}
}

// Check reports a value_change conflict when the slot already holds a
// different object, case-insensitively. A free slot or an identical
// value is not a conflict.
func (d *ConflictDetector) Check(ctx context.Context, t *Triple) (*ConflictResult, error) {
	candidates, err := d.store.FindPotentialConflicts(ctx, t.Subject, t.Predicate)
	if err != nil {
		return nil, err
	}
	for _, existing := range candidates {
		if strings.EqualFold(existing.Object, t.Object) {
			continue
		}
		d.logger.Debug("knowledge value conflict",
			zap.String("subject", existing.Subject),
			zap.String("predicate", existing.Predicate),
			zap.String("existing", existing.Object),
			zap.String("proposed", t.Object))
		return &ConflictResult{
			HasConflict: true,
			Existing:    existing,
			New:         t,
			Type:        ConflictValueChange,
			Suggestion:  Suggestion(existing, t),
		}, nil
	}
	return &ConflictResult{New: t}, nil
}

// Suggestion renders the human-facing confirmation prompt for a value
// conflict.
func Suggestion(existing, proposed *Triple) string {
	pred := strings.ReplaceAll(existing.Predicate, "_", " ")
	return fmt.Sprintf(
		"I have recorded that **%s**'s %s is **%s**.\n\nYou mentioned **%s**. Has this information been updated?",
		existing.Subject, pred, existing.Object, proposed.Object)
}

// ConfirmationManager holds proposed updates until the user confirms or
// rejects them. Every entry expires; expiry is checked on each access
// and by a periodic sweep, and an expired entry behaves exactly like a
// rejected one. The first terminal transition wins: a confirmed id can
// never be rejected afterwards and vice versa.
type ConfirmationManager struct {
	store  *Store
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*PendingUpdate
}

// NewConfirmationManager creates a manager. now may be nil for the wall
// clock.
func NewConfirmationManager(store *Store, cfg config.KnowledgeConfig, now func() time.Time, logger *zap.Logger) *ConfirmationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	ttl := cfg.PendingTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &ConfirmationManager{
		store:   store,
		ttl:     ttl,
		now:     now,
		logger:  logger.With(zap.String("component", "knowledge_confirmation")),
		pending: make(map[string]*PendingUpdate),
	}
}

// Add registers a proposed update and returns it with its id and expiry
// filled in.
func (m *ConfirmationManager) Add(proposed, existing *Triple, prompt string) *PendingUpdate {
	now := m.now()
	p := &PendingUpdate{
		ID:        uuid.NewString(),
		New:       proposed.Clone(),
		Existing:  existing.Clone(),
		Prompt:    prompt,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.mu.Lock()
	m.pending[p.ID] = p
	m.mu.Unlock()
	m.logger.Debug("pending knowledge update created",
		zap.String("pending_id", p.ID),
		zap.Time("expires_at", p.ExpiresAt))
	return p
}

// Get returns a live pending update. Expired entries are purged and
// reported as expired.
func (m *ConfirmationManager) Get(id string) (*PendingUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return nil, types.NewError(types.ErrPendingNotFound, "pending update not found: "+id)
	}
	if p.Expired(m.now()) {
		delete(m.pending, id)
		return nil, types.NewError(types.ErrPendingExpired, "pending update expired: "+id)
	}
	return p, nil
}

// Confirm applies a pending update: the existing triple's object is
// replaced through the versioned store update (source user_verified,
// confidence 1.0) and the pending entry is purged. A pending update
// without an existing triple inserts its new triple instead. Confirming
// an expired entry purges it and fails; the new value is not applied.
// The consumed entry is returned whenever one existed, even on expiry.
func (m *ConfirmationManager) Confirm(ctx context.Context, id, contributor, session string) (*Triple, *PendingUpdate, error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil, nil, types.NewError(types.ErrPendingNotFound, "pending update not found: "+id)
	}
	if p.Expired(m.now()) {
		return nil, p, types.NewError(types.ErrPendingExpired, "pending update expired: "+id)
	}

	if p.Existing == nil {
		t := p.New.Clone()
		t.Source = SourceUserVerified
		t.Confidence = 1.0
		t.ContributorID = contributor
		t.SessionID = session
		stored, err := m.store.Insert(ctx, t)
		return stored, p, err
	}
	updated, err := m.store.UpdateObject(ctx,
		p.Existing.ID, p.New.Object,
		SourceUserVerified, 1.0,
		ReasonUserConfirmed, contributor, session)
	return updated, p, err
}

// Reject discards a pending update without applying it and returns the
// discarded entry. Rejecting an already-expired entry is a no-op
// success: expiry and rejection share the same terminal state.
func (m *ConfirmationManager) Reject(id string) (*PendingUpdate, error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrPendingNotFound, "pending update not found: "+id)
	}
	m.logger.Debug("pending knowledge update rejected", zap.String("pending_id", id))
	return p, nil
}

// Pending lists live pending updates, oldest first. Expired entries are
// skipped but left in place: purging is Sweep's job, so the expiry is
// observed and published exactly once.
func (m *ConfirmationManager) Pending() []*PendingUpdate {
	now := m.now()
	m.mu.Lock()
	out := make([]*PendingUpdate, 0, len(m.pending))
	for _, p := range m.pending {
		if p.Expired(now) {
			continue
		}
		out = append(out, p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Sweep purges expired entries and returns them. The service runs this
// periodically so abandoned confirmations do not accumulate.
func (m *ConfirmationManager) Sweep() []*PendingUpdate {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var dropped []*PendingUpdate
	for id, p := range m.pending {
		if p.Expired(now) {
			delete(m.pending, id)
			dropped = append(dropped, p)
		}
	}
	if len(dropped) > 0 {
		m.logger.Debug("expired pending updates purged", zap.Int("dropped", len(dropped)))
	}
	return dropped
}

// Len returns the live pending count.
func (m *ConfirmationManager) Len() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pending {
		if !p.Expired(now) {
			n++
		}
	}
	return n
}
