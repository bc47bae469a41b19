package blacklist_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstream/quillstream/pkg/blacklist"
)

func TestEvaluator(t *testing.T) {
	newEvaluator := func(t *testing.T) *blacklist.Evaluator {
		t.Helper()
		e, err := blacklist.New(blacklist.Config{
			Rules: map[string][]blacklist.PatternSet{
				blacklist.VerdictDeny: {
					{Field: "email", Patterns: []string{`^.*@blocked\.example$`}},
					{Field: "google_id", Patterns: []string{`^1234$`}},
				},
				blacklist.VerdictDenyForTwoDays: {
					{Field: "email", Patterns: []string{`^.*@blocked\.example$`, `^probation@.*$`}},
				},
			},
		})
		require.NoError(t, err)
		return e
	}

	t.Run("allows by default", func(t *testing.T) {
		e := newEvaluator(t)
		resp := e.Evaluate(map[string]string{"email": "student@school.example"})
		assert.True(t, resp.Allowed())
		assert.Equal(t, blacklist.VerdictAllow, resp.Type)
		assert.Equal(t, "Allow events to be sent", resp.Msg)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("deny outranks deny_for_two_days", func(t *testing.T) {
		e := newEvaluator(t)
		// This email matches both classes; priority picks deny.
		resp := e.Evaluate(map[string]string{"email": "anyone@blocked.example"})
		assert.False(t, resp.Allowed())
		assert.Equal(t, blacklist.VerdictDeny, resp.Type)
		assert.Equal(t, "Deny events from being sent", resp.Msg)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("temporary deny has its own wording", func(t *testing.T) {
		e := newEvaluator(t)
		resp := e.Evaluate(map[string]string{"email": "probation@school.example"})
		assert.Equal(t, blacklist.VerdictDenyForTwoDays, resp.Type)
		assert.Equal(t, "Deny events from being sent temporarily for two days", resp.Msg)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("matches any configured field", func(t *testing.T) {
		e := newEvaluator(t)
		resp := e.Evaluate(map[string]string{"google_id": "1234"})
		assert.Equal(t, blacklist.VerdictDeny, resp.Type)
	})

	t.Run("missing fields never match", func(t *testing.T) {
		e := newEvaluator(t)
		resp := e.Evaluate(map[string]string{})
		assert.True(t, resp.Allowed())
	})

	t.Run("empty rules allow everything", func(t *testing.T) {
		e, err := blacklist.New(blacklist.Config{})
		require.NoError(t, err)
		resp := e.Evaluate(map[string]string{"email": "anyone@blocked.example"})
		assert.True(t, resp.Allowed())
	})
}

func TestNew(t *testing.T) {
	t.Run("rejects malformed patterns at startup", func(t *testing.T) {
		_, err := blacklist.New(blacklist.Config{
			Rules: map[string][]blacklist.PatternSet{
				blacklist.VerdictDeny: {{Field: "email", Patterns: []string{`([`}}},
			},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "blacklist pattern")
	})

	t.Run("rejects unknown rule classes", func(t *testing.T) {
		_, err := blacklist.New(blacklist.Config{
			Rules: map[string][]blacklist.PatternSet{
				"quarantine": {{Field: "email", Patterns: []string{`.*`}}},
			},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown blacklist rule class")
	})

	t.Run("rejects pattern sets without a field", func(t *testing.T) {
		_, err := blacklist.New(blacklist.Config{
			Rules: map[string][]blacklist.PatternSet{
				blacklist.VerdictDeny: {{Patterns: []string{`.*`}}},
			},
		})
		require.Error(t, err)
	})
}
