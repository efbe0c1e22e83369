// Package knowledge implements the deterministic knowledge layer: a
// global store of (subject, predicate, object) triples extracted from
// conversation, guarded by a conflict/confirmation flow so an existing
// value is never overwritten silently.
//
// Knowledge is global. Unlike memory nodes there is no scope key; the
// contributor id on a triple records who supplied the current value and
// grants no isolation. Personal facts about the speaking user belong in
// the memory layer and are rejected here by the strict filter.
package knowledge

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/BaSui01/biem/types"
)

// Source records how a triple entered the store.
type Source string

const (
	SourceConversation   Source = "conversation"
	SourceUserStated     Source = "user_stated"
	SourceUserCorrection Source = "user_correction"
	SourceUserVerified   Source = "user_verified"
	SourceAgentInferred  Source = "agent_inferred"
)

// ParseSource maps free-form text onto a known source, defaulting to
// conversation.
func ParseSource(s string) Source {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourceUserStated:
		return SourceUserStated
	case SourceUserCorrection:
		return SourceUserCorrection
	case SourceUserVerified:
		return SourceUserVerified
	case SourceAgentInferred:
		return SourceAgentInferred
	default:
		return SourceConversation
	}
}

// Intent classifies what a message does with respect to knowledge. Only
// statements and corrections may contribute triples.
type Intent string

const (
	IntentStatement  Intent = "statement"
	IntentCorrection Intent = "correction"
	IntentQuestion   Intent = "question"
	IntentOpinion    Intent = "opinion"
)

// Factual reports whether the intent is allowed to contribute triples.
func (i Intent) Factual() bool {
	return i == IntentStatement || i == IntentCorrection
}

// ParseIntent maps free-form LLM output onto a known intent, defaulting
// to statement.
func ParseIntent(s string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentCorrection:
		return IntentCorrection
	case IntentQuestion:
		return IntentQuestion
	case IntentOpinion:
		return IntentOpinion
	default:
		return IntentStatement
	}
}

// maxPreviousValues bounds the superseded-value history kept on the row
// itself; the full trail lives in knowledge_history.
const maxPreviousValues = 32

// Triple is one (subject, predicate, object) assertion. Uniqueness is
// (subject, predicate) across all contributors. The object carries the
// current value; superseded values are kept newest-first in
// PreviousValues and mirrored as knowledge_history rows.
type Triple struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	Subject        string    `gorm:"size:255;uniqueIndex:idx_knowledge_identity" json:"subject"`
	Predicate      string    `gorm:"size:255;uniqueIndex:idx_knowledge_identity" json:"predicate"`
	Object         string    `gorm:"type:text" json:"object"`
	Confidence     float64   `json:"confidence"`
	Source         Source    `gorm:"size:32" json:"source"`
	Version        int       `json:"version"`
	PreviousValues string    `gorm:"column:previous_values;type:text" json:"-"`
	ContributorID  string    `gorm:"size:128" json:"contributor_id,omitempty"`
	SessionID      string    `gorm:"size:128" json:"session_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Vector is the embedding of Text(); it lives in the triple vector
	// index, not the relational row.
	Vector []float64 `gorm:"-" json:"-"`
}

// TableName maps the model onto knowledge_triples.
func (Triple) TableName() string { return "knowledge_triples" }

// Validate rejects a structurally malformed triple before any side
// effect.
func (t *Triple) Validate() error {
	if strings.TrimSpace(t.Subject) == "" {
		return types.NewError(types.ErrInvalidRequest, "triple subject must not be empty")
	}
	if strings.TrimSpace(t.Predicate) == "" {
		return types.NewError(types.ErrInvalidRequest, "triple predicate must not be empty")
	}
	if strings.TrimSpace(t.Object) == "" {
		return types.NewError(types.ErrInvalidRequest, "triple object must not be empty")
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return types.NewError(types.ErrInvalidRequest, "triple confidence must be within [0, 1]")
	}
	return nil
}

// PreviousObjects decodes the superseded values, newest first:
// PreviousObjects()[0] is the object the current value replaced.
func (t *Triple) PreviousObjects() []string {
	if t.PreviousValues == "" {
		return nil
	}
	var vals []string
	if err := json.Unmarshal([]byte(t.PreviousValues), &vals); err != nil {
		return nil
	}
	return vals
}

// SetPreviousObjects encodes the superseded-value list.
func (t *Triple) SetPreviousObjects(vals []string) {
	if len(vals) == 0 {
		t.PreviousValues = ""
		return
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return
	}
	t.PreviousValues = string(b)
}

// PushPreviousObject prepends one superseded value, keeping the list
// newest-first and bounded.
func (t *Triple) PushPreviousObject(old string) {
	vals := append([]string{old}, t.PreviousObjects()...)
	if len(vals) > maxPreviousValues {
		vals = vals[:maxPreviousValues]
	}
	t.SetPreviousObjects(vals)
}

// Text renders the triple as one line for embedding.
func (t *Triple) Text() string {
	return t.Subject + " " + t.Predicate + " " + t.Object
}

// Display renders the triple for human-facing context blocks.
func (t *Triple) Display() string {
	return "(" + t.Subject + ", " + t.Predicate + ", " + t.Object + ")"
}

// SameIdentity reports whether two triples occupy the same
// (subject, predicate) slot, case-insensitively.
func (t *Triple) SameIdentity(other *Triple) bool {
	return strings.EqualFold(t.Subject, other.Subject) &&
		strings.EqualFold(t.Predicate, other.Predicate)
}

// Clone returns a deep copy, so callers can hand triples across
// goroutines without sharing the vector slice.
func (t *Triple) Clone() *Triple {
	if t == nil {
		return nil
	}
	c := *t
	if t.Vector != nil {
		c.Vector = append([]float64(nil), t.Vector...)
	}
	return &c
}

// History is one recorded object transition of a triple. A triple at
// version v has exactly v-1 history rows.
type History struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	TripleID      string    `gorm:"size:64;index" json:"triple_id"`
	OldValue      string    `gorm:"type:text" json:"old_value"`
	NewValue      string    `gorm:"type:text" json:"new_value"`
	Reason        string    `gorm:"size:64" json:"reason"`
	Confirmed     bool      `json:"confirmed"`
	ContributorID string    `gorm:"size:128" json:"contributor_id,omitempty"`
	SessionID     string    `gorm:"size:128" json:"session_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName maps the model onto knowledge_history.
func (History) TableName() string { return "knowledge_history" }

// PendingUpdate is a proposed change to an existing triple awaiting an
// explicit confirm or reject. An expired update is treated as rejected;
// its new value is never applied.
type PendingUpdate struct {
	ID        string    `json:"id"`
	New       *Triple   `json:"new"`
	Existing  *Triple   `json:"existing,omitempty"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the confirmation window has passed.
func (p *PendingUpdate) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// ExtractionResult is the outcome of one extraction pass over a message.
// Triples have already survived the strict filter.
type ExtractionResult struct {
	Factual    bool      `json:"is_factual"`
	Intent     Intent    `json:"intent"`
	Triples    []*Triple `json:"triples"`
	Confidence float64   `json:"confidence"`
	Message    string    `json:"-"`
}

// ConflictResult describes a detected value conflict between a new
// triple and the stored one occupying the same (subject, predicate).
type ConflictResult struct {
	HasConflict bool    `json:"has_conflict"`
	Existing    *Triple `json:"existing,omitempty"`
	New         *Triple `json:"new,omitempty"`
	Type        string  `json:"conflict_type,omitempty"`
	Suggestion  string  `json:"suggestion,omitempty"`
}

// ConflictValueChange is the only conflict type the detector emits:
// same (subject, predicate), different object.
const ConflictValueChange = "value_change"

// Process actions, in priority order: a message that produced any
// pending update reports conflict even if other triples stored cleanly.
const (
	ActionNone     = "none"
	ActionStored   = "stored"
	ActionConflict = "conflict"
)

// ProcessResult summarizes what one message contributed: triples stored
// directly plus pending updates awaiting user confirmation.
type ProcessResult struct {
	Action    string            `json:"action"`
	Stored    []*Triple         `json:"stored"`
	Pending   []*PendingUpdate  `json:"pending"`
	Conflicts []*ConflictResult `json:"conflicts,omitempty"`
}

// HasPending reports whether the caller must surface confirmations.
func (r *ProcessResult) HasPending() bool { return len(r.Pending) > 0 }

// ScoredTriple pairs a triple with its fused retrieval score. Expanded
// marks hits contributed by cluster expansion rather than the direct
// search.
type ScoredTriple struct {
	Triple   *Triple `json:"triple"`
	Score    float64 `json:"score"`
	Expanded bool    `json:"expanded,omitempty"`
}

// Stats is the global knowledge census.
type Stats struct {
	Triples              int64 `json:"total_triples"`
	Subjects             int64 `json:"unique_subjects"`
	Predicates           int64 `json:"unique_predicates"`
	Updates              int64 `json:"total_updates"`
	PendingConfirmations int   `json:"pending_confirmations"`
	Vectors              int   `json:"vector_count"`
}

// Event kinds published over Service.Subscribe, tracing a pending
// update's lifecycle from creation to its terminal state.
const (
	EventPendingCreated   = "pending_created"
	EventPendingConfirmed = "pending_confirmed"
	EventPendingRejected  = "pending_rejected"
	EventPendingExpired   = "pending_expired"
)

// Event is one pending-update lifecycle notification. Pending is set on
// every kind; Triple only on a confirm, carrying the applied version.
type Event struct {
	Kind    string         `json:"kind"`
	Pending *PendingUpdate `json:"pending,omitempty"`
	Triple  *Triple        `json:"triple,omitempty"`
	At      time.Time      `json:"at"`
}
