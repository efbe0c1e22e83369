// Package memory implements the evolving memory engine: text fragments are
// encoded into nodes carrying a dense vector and an energy value, admitted
// into a per-scope working set (L1) above a vector index (L2) and an
// association graph, and consolidated into a relational crystal layer (L3)
// that survives restarts.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// Tier identifies the storage class a node currently lives in.
type Tier string

const (
	// TierL1 is the in-process working set of high-energy nodes.
	TierL1 Tier = "L1"
	// TierL2 is the vector index backing the full node population.
	TierL2 Tier = "L2"
)

// LinkType classifies an association graph edge.
type LinkType string

const (
	LinkTemporal LinkType = "temporal"
	LinkSemantic LinkType = "semantic"
	LinkCausal   LinkType = "causal"
)

// ValidLinkType reports whether t is one of the known link types.
func ValidLinkType(t LinkType) bool {
	switch t {
	case LinkTemporal, LinkSemantic, LinkCausal:
		return true
	}
	return false
}

// Metadata carries the side information attached to a node at encode time.
type Metadata struct {
	// Timestamp is the ingest time of the fragment.
	Timestamp time.Time `json:"timestamp"`
	// LastAccessed is the time of the last energy-changing touch.
	LastAccessed time.Time `json:"last_accessed"`
	// Entities are named entities extracted from the content.
	Entities []string `json:"entities,omitempty"`
	// Sentiment is a polarity score in [-1, 1].
	Sentiment float64 `json:"sentiment"`
	// Source tags where the fragment came from ("user", "agent", "event:...").
	Source string `json:"source,omitempty"`
	// Degraded marks a node stored with a zero vector after an embedding
	// failure. Degraded nodes are excluded from recall seeding until a
	// background re-embed succeeds.
	Degraded bool `json:"degraded,omitempty"`
}

// Node is a single memory fragment.
type Node struct {
	ID       string   `json:"id"`
	Scope    string   `json:"scope"`
	Content  string   `json:"content"`
	Vector   []float64 `json:"vector,omitempty"`
	Metadata Metadata `json:"metadata"`

	// Energy is the current activation level in [0, 1], valid as of
	// Metadata.LastAccessed. Effective energy at a later instant is
	// obtained by applying exponential decay.
	Energy float64 `json:"energy"`
	// InitialEnergy is the energy assigned at ingest.
	InitialEnergy float64 `json:"initial_energy"`

	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the node. Vector and entity slices are
// duplicated so callers can mutate the copy freely.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Vector != nil {
		c.Vector = append([]float64(nil), n.Vector...)
	}
	if n.Metadata.Entities != nil {
		c.Metadata.Entities = append([]string(nil), n.Metadata.Entities...)
	}
	return &c
}

// NewNodeID returns a fresh node identifier.
func NewNodeID() string {
	return uuid.NewString()
}

// Link is a directed, weighted association between two nodes of one scope.
type Link struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Type      LinkType  `json:"type"`
	Weight    float64   `json:"weight"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the identity of a link. Adds are idempotent on this key.
func (l Link) Key() string {
	return l.Scope + "|" + l.Source + "|" + l.Target + "|" + string(l.Type)
}

// ScoredNode pairs a recalled node with its fused retrieval score.
type ScoredNode struct {
	Node *Node `json:"node"`
	// Score is the fused relevance: alpha*VecScore + beta*Activation.
	Score float64 `json:"score"`
	// VecScore is the cosine similarity against the query vector, zero
	// when the node was reached through spreading activation only.
	VecScore float64 `json:"vec_score"`
	// Activation is the spreading-activation score, zero when the node
	// was a direct vector hit only.
	Activation float64 `json:"activation"`
}

// Stats is a point-in-time snapshot of engine occupancy.
type Stats struct {
	Scopes       map[string]ScopeStats `json:"scopes"`
	TotalNodes   int                   `json:"total_nodes"`
	TotalLinks   int                   `json:"total_links"`
	CrystalFacts int64                 `json:"crystal_facts"`
}

// ScopeStats is the per-scope slice of Stats.
type ScopeStats struct {
	L1Nodes    int `json:"l1_nodes"`
	IndexNodes int `json:"index_nodes"`
	GraphNodes int `json:"graph_nodes"`
	GraphLinks int `json:"graph_links"`
}
