package usecase

import (
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

func newTestValidator() (*AccessValidator, *memStore) {
	store := newMemStore()
	store.addTag("A1", "Alice", domain.TagActive)
	store.addTag("B2", "Bob", domain.TagInactive)
	store.denyGame("A1", "2")
	return NewAccessValidator(store, clockwork.NewFakeClock(), zap.NewNop()), store
}

func TestAccessValidator_CheckGamePermission(t *testing.T) {
	tests := []struct {
		name         string
		tagID        string
		gameID       string
		wantDecision Decision
		wantReason   string
		wantTag      bool
	}{
		{name: "active tag without override is allowed", tagID: "A1", gameID: "1", wantDecision: DecisionAuthorized, wantTag: true},
		{name: "explicit deny row", tagID: "A1", gameID: "2", wantDecision: DecisionDenied, wantReason: ReasonGameForbidden, wantTag: true},
		{name: "tag alone", tagID: "A1", wantDecision: DecisionAuthorized, wantTag: true},
		{name: "inactive tag", tagID: "B2", gameID: "1", wantDecision: DecisionDenied, wantReason: ReasonTagInactive, wantTag: true},
		{name: "unknown tag", tagID: "ZZ", gameID: "1", wantDecision: DecisionDenied, wantReason: ReasonUnknownTag},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, store := newTestValidator()

			res := v.CheckGamePermission(tt.tagID, tt.gameID, domain.AccessActionScan)

			assert.Equal(t, tt.wantDecision, res.Decision)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantTag, res.Tag != nil)

			entries := store.accessEntries()
			require.Len(t, entries, 1, "every attempt is logged")
			assert.Equal(t, tt.tagID, entries[0].TagID)
			assert.Equal(t, tt.gameID, entries[0].GameID)
			assert.Equal(t, domain.AccessActionScan, entries[0].Action)
			assert.Equal(t, res.Authorized(), entries[0].Success)
			assert.Equal(t, tt.wantReason, entries[0].Reason)

			if res.Authorized() {
				assert.Equal(t, []string{tt.tagID}, store.touched)
			} else {
				assert.Empty(t, store.touched)
			}
		})
	}
}

func TestAccessValidator_AuditFailureFailsClosed(t *testing.T) {
	v, store := newTestValidator()
	store.recordAccessErr = errors.New("disk full")

	res := v.CheckGamePermission("A1", "1", domain.AccessActionLaunch)

	assert.Equal(t, DecisionError, res.Decision)
	assert.False(t, res.Authorized())
	assert.Equal(t, ReasonAuditFailed, res.Reason)
	assert.Error(t, res.Err)
	assert.Empty(t, store.touched)
}

func TestAccessValidator_LookupFailure(t *testing.T) {
	v, store := newTestValidator()
	store.getTagErr = errors.New("database locked")

	res := v.CheckGamePermission("A1", "1", domain.AccessActionScan)
	assert.Equal(t, DecisionError, res.Decision)
	assert.Equal(t, ReasonLookupFailed, res.Reason)

	_, err := v.Validate("A1", domain.AccessActionValidate)
	var collab *domain.CollaboratorError
	assert.ErrorAs(t, err, &collab)
}

func TestAccessValidator_Validate(t *testing.T) {
	t.Run("active tag", func(t *testing.T) {
		v, store := newTestValidator()
		tag, err := v.Validate("A1", domain.AccessActionValidate)
		require.NoError(t, err)
		assert.Equal(t, "Alice", tag.Name)

		entries := store.accessEntries()
		require.Len(t, entries, 1)
		assert.True(t, entries[0].Success)
		assert.Equal(t, []string{"A1"}, store.touched)
	})

	t.Run("inactive tag is returned but logged as failure", func(t *testing.T) {
		v, store := newTestValidator()
		tag, err := v.Validate("B2", domain.AccessActionValidate)
		require.NoError(t, err)
		assert.Equal(t, domain.TagInactive, tag.Status)

		entries := store.accessEntries()
		require.Len(t, entries, 1)
		assert.False(t, entries[0].Success)
		assert.Equal(t, ReasonTagInactive, entries[0].Reason)
		assert.Empty(t, store.touched)
	})

	t.Run("unknown tag", func(t *testing.T) {
		v, store := newTestValidator()
		_, err := v.Validate("ZZ", domain.AccessActionValidate)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Len(t, store.accessEntries(), 1)
	})

	t.Run("audit failure", func(t *testing.T) {
		v, store := newTestValidator()
		store.recordAccessErr = errors.New("disk full")
		_, err := v.Validate("A1", domain.AccessActionValidate)
		assert.False(t, domain.IsUserFacing(err))
	})
}
