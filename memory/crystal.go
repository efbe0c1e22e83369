package memory

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/biem/types"
)

// CrystalFact is a consolidated, durable piece of knowledge distilled from
// a cluster of memory nodes (L3).
type CrystalFact struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	Scope         string    `gorm:"size:128;index" json:"scope"`
	Content       string    `gorm:"type:text" json:"content"`
	SourceNodeIDs string    `gorm:"column:source_node_ids;type:text" json:"-"`
	Confidence    float64   `json:"confidence"`
	Metadata      string    `gorm:"type:text" json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName maps the model onto crystal_facts.
func (CrystalFact) TableName() string { return "crystal_facts" }

// SourceIDs decodes the JSON-encoded source node list.
func (f *CrystalFact) SourceIDs() []string {
	if f.SourceNodeIDs == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(f.SourceNodeIDs), &ids); err != nil {
		return nil
	}
	return ids
}

// SetSourceIDs encodes the source node list.
func (f *CrystalFact) SetSourceIDs(ids []string) {
	b, err := json.Marshal(ids)
	if err != nil {
		return
	}
	f.SourceNodeIDs = string(b)
}

// crystalLinkRow is the persisted form of a graph edge.
type crystalLinkRow struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Scope     string    `gorm:"size:128;uniqueIndex:idx_crystal_links_identity"`
	SourceID  string    `gorm:"size:64;uniqueIndex:idx_crystal_links_identity"`
	TargetID  string    `gorm:"size:64;uniqueIndex:idx_crystal_links_identity"`
	LinkType  string    `gorm:"size:16;uniqueIndex:idx_crystal_links_identity"`
	Weight    float64
	CreatedAt time.Time
}

func (crystalLinkRow) TableName() string { return "crystal_links" }

// CrystalStore persists graph links and consolidated facts so the
// association graph can be rebuilt after a restart.
type CrystalStore struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewCrystalStore wraps a gorm handle. now may be nil for the wall clock.
func NewCrystalStore(db *gorm.DB, now func() time.Time, logger *zap.Logger) *CrystalStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &CrystalStore{
		db:     db,
		now:    now,
		logger: logger.With(zap.String("component", "crystal")),
	}
}

// SaveLink persists one graph edge. Writing an edge that already exists
// under its (scope, source, target, type) identity is a silent no-op, which
// keeps the store idempotent with the in-memory graph.
func (s *CrystalStore) SaveLink(ctx context.Context, l Link) error {
	row := crystalLinkRow{
		ID:        uuid.NewString(),
		Scope:     l.Scope,
		SourceID:  l.Source,
		TargetID:  l.Target,
		LinkType:  string(l.Type),
		Weight:    l.Weight,
		CreatedAt: l.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil && !isDuplicateErr(err) {
		return types.NewError(types.ErrStorageFailed, "persist crystal link").WithCause(err)
	}
	return nil
}

// LoadLinks reads every persisted edge for one scope; an empty scope loads
// all edges. Used to rehydrate the graph at startup.
func (s *CrystalStore) LoadLinks(ctx context.Context, scope string) ([]Link, error) {
	q := s.db.WithContext(ctx).Model(&crystalLinkRow{}).Order("created_at, id")
	if scope != "" {
		q = q.Where("scope = ?", scope)
	}
	var rows []crystalLinkRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrStorageFailed, "load crystal links").WithCause(err)
	}
	links := make([]Link, 0, len(rows))
	for _, r := range rows {
		links = append(links, Link{
			Source:    r.SourceID,
			Target:    r.TargetID,
			Type:      LinkType(r.LinkType),
			Weight:    r.Weight,
			Scope:     r.Scope,
			CreatedAt: r.CreatedAt,
		})
	}
	return links, nil
}

// CountLinks returns the persisted edge count, optionally for one scope.
func (s *CrystalStore) CountLinks(ctx context.Context, scope string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&crystalLinkRow{})
	if scope != "" {
		q = q.Where("scope = ?", scope)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, types.NewError(types.ErrStorageFailed, "count crystal links").WithCause(err)
	}
	return n, nil
}

// SaveFact persists a consolidated fact.
func (s *CrystalStore) SaveFact(ctx context.Context, f *CrystalFact) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := s.now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if err := s.db.WithContext(ctx).Save(f).Error; err != nil {
		return types.NewError(types.ErrStorageFailed, "persist crystal fact").WithCause(err)
	}
	return nil
}

// GetFact returns one fact by id.
func (s *CrystalStore) GetFact(ctx context.Context, id string) (*CrystalFact, error) {
	var f CrystalFact
	err := s.db.WithContext(ctx).First(&f, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, types.NewError(types.ErrFactNotFound, "crystal fact not found: "+id)
		}
		return nil, types.NewError(types.ErrStorageFailed, "load crystal fact").WithCause(err)
	}
	return &f, nil
}

// FactsByScope lists the facts of one scope, newest first.
func (s *CrystalStore) FactsByScope(ctx context.Context, scope string, limit int) ([]*CrystalFact, error) {
	if limit <= 0 {
		limit = 50
	}
	var facts []*CrystalFact
	err := s.db.WithContext(ctx).
		Where("scope = ?", scope).
		Order("created_at DESC, id").
		Limit(limit).
		Find(&facts).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageFailed, "list crystal facts").WithCause(err)
	}
	return facts, nil
}

// CountFacts returns the persisted fact count across all scopes.
func (s *CrystalStore) CountFacts(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&CrystalFact{}).Count(&n).Error; err != nil {
		return 0, types.NewError(types.ErrStorageFailed, "count crystal facts").WithCause(err)
	}
	return n, nil
}

// Scopes lists distinct scopes present in the link table.
func (s *CrystalStore) Scopes(ctx context.Context) ([]string, error) {
	var scopes []string
	err := s.db.WithContext(ctx).
		Model(&crystalLinkRow{}).
		Distinct("scope").
		Order("scope").
		Pluck("scope", &scopes).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageFailed, "list crystal scopes").WithCause(err)
	}
	return scopes, nil
}

// AutoMigrate creates the crystal tables. Production deployments run the
// versioned migrations instead; this exists for embedded and test use.
func (s *CrystalStore) AutoMigrate() error {
	return s.db.AutoMigrate(&CrystalFact{}, &crystalLinkRow{})
}

// isDuplicateErr matches unique constraint violations across the supported
// drivers, which do not share a sentinel error.
func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	if err == gorm.ErrDuplicatedKey {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "unique violation") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "constraint failed")
}
