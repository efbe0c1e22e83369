package knowledge

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/biem/types"
)

// Store persists triples and their change history. It is the single
// writer for knowledge_triples and knowledge_history; every object
// transition goes through UpdateObject so the version/history invariant
// holds: a triple at version v has exactly v-1 history rows.
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewStore wraps a gorm handle. now may be nil for the wall clock.
func NewStore(db *gorm.DB, now func() time.Time, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:     db,
		now:    now,
		logger: logger.With(zap.String("component", "knowledge_store")),
	}
}

// Insert stores a brand-new triple at version 1. If the
// (subject, predicate) slot is already taken, no row is written: a
// matching object reinforces the existing row and returns it, while a
// differing object returns ErrDuplicateKey so the caller can launch the
// confirmation flow instead of overwriting.
func (s *Store) Insert(ctx context.Context, t *Triple) (*Triple, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Version <= 0 {
		t.Version = 1
	}
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	err := s.db.WithContext(ctx).Create(t).Error
	if err == nil {
		return t, nil
	}
	if !isDuplicateTripleErr(err) {
		return nil, types.NewError(types.ErrStorageFailed, "insert knowledge triple").WithCause(err)
	}

	existing, gerr := s.FindBySubjectPredicate(ctx, t.Subject, t.Predicate)
	if gerr != nil {
		return nil, gerr
	}
	if existing == nil {
		return nil, types.NewError(types.ErrStorageFailed, "insert knowledge triple").WithCause(err)
	}
	if strings.EqualFold(existing.Object, t.Object) {
		return s.Reinforce(ctx, existing.ID, t.Confidence)
	}
	return nil, types.NewError(types.ErrDuplicateKey,
		"knowledge slot already holds a different value: "+existing.Subject+"/"+existing.Predicate)
}

// Reinforce refreshes a triple whose value was stated again: confidence
// rises to the max of old and new and updated_at advances. The version
// does not change and no history row is written, because the object did
// not change.
func (s *Store) Reinforce(ctx context.Context, id string, confidence float64) (*Triple, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if confidence > cur.Confidence {
		cur.Confidence = confidence
	}
	cur.UpdatedAt = s.now()
	err = s.db.WithContext(ctx).Model(&Triple{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"confidence": cur.Confidence,
			"updated_at": cur.UpdatedAt,
		}).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageFailed, "reinforce knowledge triple").WithCause(err)
	}
	return cur, nil
}

// UpdateObject replaces a triple's object in one transaction: the
// version is bumped, the old object is prepended to previous_values,
// and one knowledge_history row records the transition. The update is
// guarded by the version read at the start, so a concurrent writer
// surfaces as ErrVersionConflict rather than a lost update.
func (s *Store) UpdateObject(ctx context.Context, id, newObject string, source Source, confidence float64, reason, contributor, session string) (*Triple, error) {
	if strings.TrimSpace(newObject) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "new object must not be empty")
	}
	var updated Triple
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Triple
		if err := tx.First(&cur, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewError(types.ErrTripleNotFound, "knowledge triple not found: "+id)
			}
			return types.NewError(types.ErrStorageFailed, "load knowledge triple").WithCause(err)
		}

		now := s.now()
		next := cur
		next.Object = newObject
		next.Confidence = confidence
		next.Source = source
		next.Version = cur.Version + 1
		next.ContributorID = contributor
		next.SessionID = session
		next.UpdatedAt = now
		next.PushPreviousObject(cur.Object)

		res := tx.Model(&Triple{}).
			Where("id = ? AND version = ?", id, cur.Version).
			Updates(map[string]any{
				"object":          next.Object,
				"confidence":      next.Confidence,
				"source":          string(next.Source),
				"version":         next.Version,
				"previous_values": next.PreviousValues,
				"contributor_id":  next.ContributorID,
				"session_id":      next.SessionID,
				"updated_at":      now,
			})
		if res.Error != nil {
			return types.NewError(types.ErrStorageFailed, "update knowledge triple").WithCause(res.Error)
		}
		if res.RowsAffected == 0 {
			return types.NewError(types.ErrVersionConflict, "knowledge triple changed concurrently: "+id)
		}

		h := History{
			ID:            uuid.NewString(),
			TripleID:      id,
			OldValue:      cur.Object,
			NewValue:      newObject,
			Reason:        reason,
			Confirmed:     true,
			ContributorID: contributor,
			SessionID:     session,
			CreatedAt:     now,
		}
		if err := tx.Create(&h).Error; err != nil {
			return types.NewError(types.ErrStorageFailed, "record knowledge history").WithCause(err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("knowledge triple updated",
		zap.String("triple_id", id),
		zap.Int("version", updated.Version),
		zap.String("reason", reason))
	return &updated, nil
}

// Get returns one triple by id.
func (s *Store) Get(ctx context.Context, id string) (*Triple, error) {
	var t Triple
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrTripleNotFound, "knowledge triple not found: "+id)
		}
		return nil, types.NewError(types.ErrStorageFailed, "load knowledge triple").WithCause(err)
	}
	return &t, nil
}

// FindBySubjectPredicate returns the triple occupying a
// (subject, predicate) slot, matched case-insensitively, or nil when
// the slot is free.
func (s *Store) FindBySubjectPredicate(ctx context.Context, subject, predicate string) (*Triple, error) {
	var t Triple
	err := s.db.WithContext(ctx).
		Where("LOWER(subject) = LOWER(?) AND LOWER(predicate) = LOWER(?)", subject, predicate).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.NewError(types.ErrStorageFailed, "lookup knowledge slot").WithCause(err)
	}
	return &t, nil
}

// FindPotentialConflicts returns every stored triple occupying the same
// (subject, predicate) slot as a prospective insert. Object comparison
// is the detector's job.
func (s *Store) FindPotentialConflicts(ctx context.Context, subject, predicate string) ([]*Triple, error) {
	var out []*Triple
	err := s.db.WithContext(ctx).
		Where("LOWER(subject) = LOWER(?) AND LOWER(predicate) = LOWER(?)", subject, predicate).
		Order("updated_at DESC, id").
		Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageFailed, "scan knowledge conflicts").WithCause(err)
	}
	return out, nil
}

// FindBySubject lists triples about one subject, highest confidence
// first.
func (s *Store) FindBySubject(ctx context.Context, subject string, limit int) ([]*Triple, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*Triple
	err := s.db.WithContext(ctx).
		Where("LOWER(subject) = LOWER(?)", subject).
		Order("confidence DESC, updated_at DESC, id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageFailed, "list knowledge by subject").WithCause(err)
	}
	return out, nil
}

// FindByPredicate lists triples sharing one predicate, highest
// confidence first.
func (s *Store) FindByPredicate(ctx context.Context, predicate string, limit int) ([]*Triple, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*Triple
	err := s.db.WithContext(ctx).
		Where("LOWER(predicate) = LOWER(?)", predicate).
		Order("confidence DESC, updated_at DESC, id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageFailed, "list knowledge by predicate").WithCause(err)
	}
	return out, nil
}

// All lists triples ordered by (subject, predicate).
func (s *Store) All(ctx context.Context, limit int) ([]*Triple, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*Triple
	err := s.db.WithContext(ctx).
		Order("subject, predicate").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageFailed, "list knowledge triples").WithCause(err)
	}
	return out, nil
}

// Recent lists the most recently updated triples.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Triple, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*Triple
	err := s.db.WithContext(ctx).
		Order("updated_at DESC, id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageFailed, "list recent knowledge").WithCause(err)
	}
	return out, nil
}

// TextSearch is the lexical fallback used when the vector index returns
// nothing: a case-insensitive substring match over subject and object.
func (s *Store) TextSearch(ctx context.Context, query string, limit int) ([]*Triple, error) {
	if limit <= 0 {
		limit = 10
	}
	pat := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	var out []*Triple
	err := s.db.WithContext(ctx).
		Where("LOWER(subject) LIKE ? OR LOWER(object) LIKE ?", pat, pat).
		Order("confidence DESC, updated_at DESC, id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageFailed, "text-search knowledge").WithCause(err)
	}
	return out, nil
}

// GetHistory lists a triple's recorded transitions, newest first.
func (s *Store) GetHistory(ctx context.Context, tripleID string, limit int) ([]*History, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []*History
	err := s.db.WithContext(ctx).
		Where("triple_id = ?", tripleID).
		Order("created_at DESC, id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorageFailed, "load knowledge history").WithCause(err)
	}
	return out, nil
}

// Stats reports the global knowledge census.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&Triple{}).Count(&st.Triples).Error; err != nil {
		return st, types.NewError(types.ErrStorageFailed, "count knowledge triples").WithCause(err)
	}
	// gorm ignores Distinct expressions on Count, so the census goes
	// through raw COUNT(DISTINCT ...) selects.
	if err := db.Model(&Triple{}).Select("COUNT(DISTINCT LOWER(subject))").Scan(&st.Subjects).Error; err != nil {
		return st, types.NewError(types.ErrStorageFailed, "count knowledge subjects").WithCause(err)
	}
	if err := db.Model(&Triple{}).Select("COUNT(DISTINCT LOWER(predicate))").Scan(&st.Predicates).Error; err != nil {
		return st, types.NewError(types.ErrStorageFailed, "count knowledge predicates").WithCause(err)
	}
	if err := db.Model(&History{}).Count(&st.Updates).Error; err != nil {
		return st, types.NewError(types.ErrStorageFailed, "count knowledge updates").WithCause(err)
	}
	return st, nil
}

// AutoMigrate creates the knowledge tables. Production deployments run
// the versioned migrations instead; this exists for embedded and test
// use.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Triple{}, &History{})
}

// isDuplicateTripleErr matches unique constraint violations across the
// supported drivers, which do not share a sentinel error.
func isDuplicateTripleErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "unique violation") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "constraint failed")
}
