// =============================================================================
// 📜 BIEM 事件日志（Journal）
// =============================================================================
// 记录引擎的每一次状态变化：摄取、召回、反馈、冲突、结晶、知识确认。
// 日志是旁路设施 —— 写入失败绝不阻断主流程，由调用方降级为警告日志。
// 后端：内存环形缓冲（默认）或 MongoDB（多实例共享审计流）。
// =============================================================================

package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/biem/config"
)

// Event types recorded by the engine.
const (
	EventMemoryIngested    = "memory_ingested"
	EventMemoryRecalled    = "memory_recalled"
	EventFeedbackApplied   = "feedback_applied"
	EventCausalLinked      = "causal_linked"
	EventConflictDetected  = "conflict_detected"
	EventFactConsolidated  = "fact_consolidated"
	EventKnowledgeStored   = "knowledge_stored"
	EventKnowledgePending  = "knowledge_pending"
	EventKnowledgeResolved = "knowledge_resolved"
)

// Event is one journal entry.
type Event struct {
	ID        string            `bson:"_id" json:"id"`
	Type      string            `bson:"type" json:"type"`
	Scope     string            `bson:"scope,omitempty" json:"scope,omitempty"`
	RefID     string            `bson:"ref_id,omitempty" json:"ref_id,omitempty"`
	Detail    map[string]string `bson:"detail,omitempty" json:"detail,omitempty"`
	CreatedAt time.Time         `bson:"created_at" json:"created_at"`
}

// Journal is an append-only event stream.
type Journal interface {
	// Append records one event. Implementations must be safe for
	// concurrent use.
	Append(ctx context.Context, e Event) error
	// Recent returns the newest events, optionally filtered by scope
	// (empty matches all), newest first.
	Recent(ctx context.Context, scope string, limit int) ([]Event, error)
	// Count returns the total stored event count.
	Count(ctx context.Context) (int64, error)
	// Close releases backend resources.
	Close(ctx context.Context) error
}

// New builds a journal from config. Unknown backends fail loudly rather
// than silently dropping audit data.
func New(cfg config.JournalConfig, logger *zap.Logger) (Journal, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryJournal(cfg.MaxEvents, logger), nil
	case "mongo", "mongodb":
		return NewMongoJournal(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown journal backend: %q", cfg.Backend)
	}
}

// MemoryJournal is a bounded in-process ring buffer. It is the default
// backend for single-instance and test deployments.
type MemoryJournal struct {
	mu     sync.RWMutex
	events []Event
	max    int
	logger *zap.Logger
}

// NewMemoryJournal creates a ring buffer holding at most max events.
func NewMemoryJournal(max int, logger *zap.Logger) *MemoryJournal {
	if max <= 0 {
		max = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryJournal{
		max:    max,
		logger: logger.With(zap.String("component", "journal")),
	}
}

// Append implements Journal.
func (j *MemoryJournal) Append(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	if len(j.events) > j.max {
		j.events = j.events[len(j.events)-j.max:]
	}
	return nil
}

// Recent implements Journal.
func (j *MemoryJournal) Recent(ctx context.Context, scope string, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Event, 0, limit)
	for i := len(j.events) - 1; i >= 0 && len(out) < limit; i-- {
		if scope != "" && j.events[i].Scope != scope {
			continue
		}
		out = append(out, j.events[i])
	}
	return out, nil
}

// Count implements Journal.
func (j *MemoryJournal) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return int64(len(j.events)), nil
}

// Close implements Journal.
func (j *MemoryJournal) Close(context.Context) error { return nil }
