package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/biem/config"
	"github.com/BaSui01/biem/testutil"
	"github.com/BaSui01/biem/testutil/mocks"
	"github.com/BaSui01/biem/types"
)

type conflictFixture struct {
	store    *Store
	detector *ConflictDetector
	manager  *ConfirmationManager
	clock    *mocks.Clock
	cfg      config.KnowledgeConfig
}

func newConflictFixture(t *testing.T) *conflictFixture {
	t.Helper()
	db := testutil.OpenSQLite(t)
	f := &conflictFixture{
		clock: mocks.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		cfg:   config.DefaultKnowledgeConfig(),
	}
	f.store = NewStore(db, f.clock.Now, nil)
	require.NoError(t, f.store.AutoMigrate())
	f.detector = NewConflictDetector(f.store, nil)
	f.manager = NewConfirmationManager(f.store, f.cfg, f.clock.Now, nil)
	return f
}

func (f *conflictFixture) seed(t *testing.T, subject, predicate, object string) *Triple {
	t.Helper()
	stored, err := f.store.Insert(context.Background(), &Triple{
		Subject: subject, Predicate: predicate, Object: object,
		Confidence: 0.9, Source: SourceUserStated,
	})
	require.NoError(t, err)
	return stored
}

func TestConflictDetector_FreeSlot(t *testing.T) {
	t.Parallel()
	f := newConflictFixture(t)

	proposed := &Triple{Subject: "Go", Predicate: "created_by", Object: "Google", Confidence: 0.9}
	res, err := f.detector.Check(context.Background(), proposed)
	require.NoError(t, err)
	assert.False(t, res.HasConflict)
	assert.Same(t, proposed, res.New)
	assert.Nil(t, res.Existing)
}

func TestConflictDetector_SameValueIsNotAConflict(t *testing.T) {
	t.Parallel()
	f := newConflictFixture(t)
	f.seed(t, "GPT-4", "context_window", "128K")

	res, err := f.detector.Check(context.Background(), &Triple{
		Subject: "gpt-4", Predicate: "Context_Window", Object: "128k", Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.False(t, res.HasConflict, "value comparison is case-insensitive")
}

func TestConflictDetector_ValueChange(t *testing.T) {
	t.Parallel()
	f := newConflictFixture(t)
	existing := f.seed(t, "GPT-4", "context_window", "32k")

	res, err := f.detector.Check(context.Background(), &Triple{
		Subject: "GPT-4", Predicate: "context_window", Object: "128k", Confidence: 0.9,
	})
	require.NoError(t, err)
	require.True(t, res.HasConflict)
	assert.Equal(t, ConflictValueChange, res.Type)
	assert.Equal(t, existing.ID, res.Existing.ID)
	assert.Equal(t, "128k", res.New.Object)
	assert.Contains(t, res.Suggestion, "32k")
	assert.Contains(t, res.Suggestion, "128k")
	assert.Contains(t, res.Suggestion, "context window", "predicate reads naturally in the prompt")
	assert.Contains(t, res.Suggestion, "Has this information been updated?")
}

func TestConfirmationManager_AddAndGet(t *testing.T) {
	t.Parallel()
	f := newConflictFixture(t)
	existing := f.seed(t, "GPT-4", "context_window", "32k")
	proposed := &Triple{Subject: "GPT-4", Predicate: "context_window", Object: "128k", Confidence: 0.9}

	p := f.manager.Add(proposed, existing, "confirm?")
	require.NotEmpty(t, p.ID)
	assert.Equal(t, f.clock.Now(), p.CreatedAt)
	assert.Equal(t, f.clock.Now().Add(f.cfg.PendingTTL), p.ExpiresAt)

	got, err := f.manager.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "128k", got.New.Object)
	assert.Equal(t, existing.ID, got.Existing.ID)

	_, err = f.manager.Get("ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrPendingNotFound, types.GetErrorCode(err))
}

func TestConfirmationManager_ConfirmAppliesUpdate(t *testing.T) {
	t.Parallel()
	f := newConflictFixture(t)
	ctx := context.Background()
	existing := f.seed(t, "GPT-4", "context_window", "32k")
	proposed := &Triple{Subject: "GPT-4", Predicate: "context_window", Object: "128k", Confidence: 0.9}

	p := f.manager.Add(proposed, existing, "confirm?")
	f.clock.Advance(time.Minute)

	updated, consumed, err := f.manager.Confirm(ctx, p.ID, "u1", "sess-1")
	require.NoError(t, err)
	require.NotNil(t, consumed)
	assert.Equal(t, p.ID, consumed.ID)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "128k", updated.Object)
	assert.Equal(t, SourceUserVerified, updated.Source)
	assert.Equal(t, 1.0, updated.Confidence)
	assert.Equal(t, []string{"32k"}, updated.PreviousObjects())

	history, err := f.store.GetHistory(ctx, existing.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "32k", history[0].OldValue)
	assert.Equal(t, "128k", history[0].NewValue)
	assert.Equal(t, ReasonUserConfirmed, history[0].Reason)
	assert.True(t, history[0].Confirmed)
	assert.Equal(t, "u1", history[0].ContributorID)

	t.Run("first terminal transition wins", func(t *testing.T) {
		_, _, err := f.manager.Confirm(ctx, p.ID, "u1", "sess-1")
		require.Error(t, err)
		assert.Equal(t, types.ErrPendingNotFound, types.GetErrorCode(err))

		_, err = f.manager.Reject(p.ID)
		require.Error(t, err)
		assert.Equal(t, types.ErrPendingNotFound, types.GetErrorCode(err))
	})
}

func TestConfirmationManager_ConfirmWithoutExisting(t *testing.T) {
	t.Parallel()
	f := newConflictFixture(t)
	proposed := &Triple{Subject: "Zig", Predicate: "created_by", Object: "Andrew Kelley", Confidence: 0.7}

	p := f.manager.Add(proposed, nil, "store this?")
	stored, _, err := f.manager.Confirm(context.Background(), p.ID, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, SourceUserVerified, stored.Source)
	assert.Equal(t, 1.0, stored.Confidence, "an explicit confirmation is full confidence")
	assert.Equal(t, "u1", stored.ContributorID)
}

func TestConfirmationManager_RejectKeepsOriginal(t *testing.T) {
	t.Parallel()
	f := newConflictFixture(t)
	ctx := context.Background()
	existing := f.seed(t, "GPT-4", "context_window", "32k")
	proposed := &Triple{Subject: "GPT-4", Predicate: "context_window", Object: "128k", Confidence: 0.9}

	p := f.manager.Add(proposed, existing, "confirm?")
	rejected, err := f.manager.Reject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, rejected.ID)

	got, err := f.store.Get(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "32k", got.Object)
	assert.Equal(t, 1, got.Version)

	history, err := f.store.GetHistory(ctx, existing.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history, "a rejected proposal leaves no trace on the triple")
}

func TestConfirmationManager_Expiry(t *testing.T) {
	t.Parallel()
	f := newConflictFixture(t)
	ctx := context.Background()
	existing := f.seed(t, "GPT-4", "context_window", "32k")
	proposed := &Triple{Subject: "GPT-4", Predicate: "context_window", Object: "128k", Confidence: 0.9}

	p := f.manager.Add(proposed, existing, "confirm?")

	f.clock.Advance(f.cfg.PendingTTL)
	_, err := f.manager.Get(p.ID)
	require.NoError(t, err, "the deadline itself is still live")

	f.clock.Advance(time.Second)
	_, consumed, err := f.manager.Confirm(ctx, p.ID, "u1", "")
	require.Error(t, err)
	assert.Equal(t, types.ErrPendingExpired, types.GetErrorCode(err))
	require.NotNil(t, consumed, "the expired entry still comes back to the caller")
	assert.Equal(t, p.ID, consumed.ID)

	// expiry behaves exactly like rejection: nothing was applied
	got, err := f.store.Get(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "32k", got.Object)
	assert.Equal(t, 1, got.Version)

	t.Run("get purges expired entries", func(t *testing.T) {
		q := f.manager.Add(proposed, existing, "confirm?")
		f.clock.Advance(f.cfg.PendingTTL + time.Second)

		_, err := f.manager.Get(q.ID)
		require.Error(t, err)
		assert.Equal(t, types.ErrPendingExpired, types.GetErrorCode(err))

		_, err = f.manager.Get(q.ID)
		require.Error(t, err)
		assert.Equal(t, types.ErrPendingNotFound, types.GetErrorCode(err), "second access sees the purge")
	})
}

func TestConfirmationManager_PendingAndSweep(t *testing.T) {
	t.Parallel()
	f := newConflictFixture(t)
	proposed := func(object string) *Triple {
		return &Triple{Subject: "GPT-4", Predicate: "context_window", Object: object, Confidence: 0.9}
	}

	first := f.manager.Add(proposed("64k"), nil, "")
	f.clock.Advance(10 * time.Second)
	second := f.manager.Add(proposed("128k"), nil, "")
	f.clock.Advance(10 * time.Second)
	third := f.manager.Add(proposed("256k"), nil, "")
	assert.Equal(t, 3, f.manager.Len())

	// move past the first entry's deadline only
	f.clock.Advance(f.cfg.PendingTTL - 15*time.Second)

	swept := f.manager.Sweep()
	require.Len(t, swept, 1)
	assert.Equal(t, first.ID, swept[0].ID)
	assert.Empty(t, f.manager.Sweep(), "sweep is idempotent")
	assert.Equal(t, 2, f.manager.Len())

	live := f.manager.Pending()
	require.Len(t, live, 2)
	assert.Equal(t, second.ID, live[0].ID, "oldest first")
	assert.Equal(t, third.ID, live[1].ID)

	_, err := f.manager.Get(first.ID)
	require.Error(t, err)
	assert.Equal(t, types.ErrPendingNotFound, types.GetErrorCode(err))
}

func TestConfirmationManager_PendingLeavesExpiredForSweep(t *testing.T) {
	t.Parallel()
	f := newConflictFixture(t)
	proposed := &Triple{Subject: "GPT-4", Predicate: "context_window", Object: "128k", Confidence: 0.9}

	p := f.manager.Add(proposed, nil, "")
	f.clock.Advance(f.cfg.PendingTTL + time.Second)

	// a poller listing pending updates must not consume the expiry;
	// only Sweep observes it, so the expiry event fires exactly once
	assert.Empty(t, f.manager.Pending())
	assert.Empty(t, f.manager.Pending())

	swept := f.manager.Sweep()
	require.Len(t, swept, 1)
	assert.Equal(t, p.ID, swept[0].ID)
	assert.Empty(t, f.manager.Sweep())
}
