package knowledge

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/biem/types"
)

func TestTriple_Validate(t *testing.T) {
	t.Parallel()

	valid := func() *Triple {
		return &Triple{Subject: "Go", Predicate: "created_by", Object: "Google", Confidence: 0.9}
	}
	require.NoError(t, valid().Validate())

	cases := []struct {
		name   string
		mutate func(*Triple)
	}{
		{"blank subject", func(tr *Triple) { tr.Subject = "  " }},
		{"blank predicate", func(tr *Triple) { tr.Predicate = "" }},
		{"blank object", func(tr *Triple) { tr.Object = "\t" }},
		{"confidence below zero", func(tr *Triple) { tr.Confidence = -0.1 }},
		{"confidence above one", func(tr *Triple) { tr.Confidence = 1.1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := valid()
			tc.mutate(tr)
			err := tr.Validate()
			require.Error(t, err)
			assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
		})
	}
}

func TestTriple_PreviousObjects(t *testing.T) {
	t.Parallel()

	var tr Triple
	assert.Nil(t, tr.PreviousObjects())

	tr.PushPreviousObject("32k")
	assert.Equal(t, []string{"32k"}, tr.PreviousObjects())

	// newest superseded value always lands in front
	tr.PushPreviousObject("128k")
	assert.Equal(t, []string{"128k", "32k"}, tr.PreviousObjects())

	t.Run("bounded", func(t *testing.T) {
		var b Triple
		for i := 0; i < maxPreviousValues+5; i++ {
			b.PushPreviousObject(fmt.Sprintf("v%d", i))
		}
		vals := b.PreviousObjects()
		require.Len(t, vals, maxPreviousValues)
		assert.Equal(t, fmt.Sprintf("v%d", maxPreviousValues+4), vals[0])
	})

	t.Run("broken payload", func(t *testing.T) {
		b := Triple{PreviousValues: "{broken"}
		assert.Nil(t, b.PreviousObjects())
	})
}

func TestTriple_Rendering(t *testing.T) {
	t.Parallel()
	tr := &Triple{Subject: "GPT-4", Predicate: "context_window", Object: "128k"}
	assert.Equal(t, "GPT-4 context_window 128k", tr.Text())
	assert.Equal(t, "(GPT-4, context_window, 128k)", tr.Display())
}

func TestTriple_SameIdentity(t *testing.T) {
	t.Parallel()
	a := &Triple{Subject: "Redis", Predicate: "written_in", Object: "C"}
	b := &Triple{Subject: "redis", Predicate: "WRITTEN_IN", Object: "Rust"}
	c := &Triple{Subject: "Redis", Predicate: "created_by", Object: "antirez"}

	assert.True(t, a.SameIdentity(b), "identity is case-insensitive")
	assert.False(t, a.SameIdentity(c))
}

func TestTriple_Clone(t *testing.T) {
	t.Parallel()
	orig := &Triple{Subject: "Go", Predicate: "created_by", Object: "Google", Vector: []float64{1, 2}}
	c := orig.Clone()
	c.Object = "mutated"
	c.Vector[0] = 99

	assert.Equal(t, "Google", orig.Object)
	assert.Equal(t, 1.0, orig.Vector[0])

	var nilTriple *Triple
	assert.Nil(t, nilTriple.Clone())
}

func TestParseSource(t *testing.T) {
	t.Parallel()
	assert.Equal(t, SourceUserStated, ParseSource("user_stated"))
	assert.Equal(t, SourceUserVerified, ParseSource(" USER_VERIFIED "))
	assert.Equal(t, SourceAgentInferred, ParseSource("agent_inferred"))
	assert.Equal(t, SourceConversation, ParseSource("something else"))
	assert.Equal(t, SourceConversation, ParseSource(""))
}

func TestParseIntent(t *testing.T) {
	t.Parallel()
	assert.Equal(t, IntentCorrection, ParseIntent("Correction"))
	assert.Equal(t, IntentQuestion, ParseIntent("question"))
	assert.Equal(t, IntentOpinion, ParseIntent("opinion"))
	assert.Equal(t, IntentStatement, ParseIntent("statement"))
	assert.Equal(t, IntentStatement, ParseIntent("garbage"))

	assert.True(t, IntentStatement.Factual())
	assert.True(t, IntentCorrection.Factual())
	assert.False(t, IntentQuestion.Factual())
	assert.False(t, IntentOpinion.Factual())
}

func TestPendingUpdate_Expired(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &PendingUpdate{ExpiresAt: now.Add(5 * time.Minute)}

	assert.False(t, p.Expired(now))
	assert.False(t, p.Expired(now.Add(5*time.Minute)), "the deadline itself is still live")
	assert.True(t, p.Expired(now.Add(5*time.Minute+time.Nanosecond)))
}
