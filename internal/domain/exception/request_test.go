package exception_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plategate/vehicle-access-backend/internal/domain/accessevent"
	"github.com/plategate/vehicle-access-backend/internal/domain/exception"
)

func timePtr(t time.Time) *time.Time { return &t }

var (
	plannedEntry = time.Date(2025, 1, 10, 23, 0, 0, 0, time.UTC)
	plannedExit  = time.Date(2025, 1, 11, 5, 0, 0, 0, time.UTC)
)

func newBothRequest(t *testing.T) *exception.ExceptionRequest {
	t.Helper()
	r, err := exception.NewExceptionRequest(uuid.New(), "29A-123.45", "night shift delivery",
		exception.TypeBoth, timePtr(plannedEntry), timePtr(plannedExit))
	require.NoError(t, err)
	return r
}

func approvedRequest(t *testing.T, requestType exception.RequestType) *exception.ExceptionRequest {
	t.Helper()
	var entry, exit *time.Time
	switch requestType {
	case exception.TypeEntry:
		entry = timePtr(plannedEntry)
	case exception.TypeExit:
		exit = timePtr(plannedExit)
	case exception.TypeBoth:
		entry, exit = timePtr(plannedEntry), timePtr(plannedExit)
	}
	r, err := exception.NewExceptionRequest(uuid.New(), "29A-123.45", "test", requestType, entry, exit)
	require.NoError(t, err)
	require.NoError(t, r.Approve(uuid.New(), time.Now()))
	return r
}

func TestNewExceptionRequest(t *testing.T) {
	requester := uuid.New()

	tests := []struct {
		name        string
		requester   uuid.UUID
		plate       string
		requestType exception.RequestType
		entry       *time.Time
		exit        *time.Time
		wantErr     bool
	}{
		{"entry with entry time", requester, "29A-123.45", exception.TypeEntry, timePtr(plannedEntry), nil, false},
		{"exit with exit time", requester, "29A-123.45", exception.TypeExit, nil, timePtr(plannedExit), false},
		{"both with both times", requester, "29A-123.45", exception.TypeBoth, timePtr(plannedEntry), timePtr(plannedExit), false},
		{"entry missing entry time", requester, "29A-123.45", exception.TypeEntry, nil, timePtr(plannedExit), true},
		{"exit missing exit time", requester, "29A-123.45", exception.TypeExit, timePtr(plannedEntry), nil, true},
		{"both missing exit time", requester, "29A-123.45", exception.TypeBoth, timePtr(plannedEntry), nil, true},
		{"exit not after entry", requester, "29A-123.45", exception.TypeBoth, timePtr(plannedEntry), timePtr(plannedEntry), true},
		{"exit before entry", requester, "29A-123.45", exception.TypeBoth, timePtr(plannedExit), timePtr(plannedEntry), true},
		{"nil requester", uuid.Nil, "29A-123.45", exception.TypeEntry, timePtr(plannedEntry), nil, true},
		{"empty plate", requester, "", exception.TypeEntry, timePtr(plannedEntry), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := exception.NewExceptionRequest(tt.requester, tt.plate, "reason", tt.requestType, tt.entry, tt.exit)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, exception.StatusPending, r.Status)
			assert.True(t, r.AutoExpire)
			assert.Nil(t, r.ValidUntil)
		})
	}
}

func TestApprove(t *testing.T) {
	now := time.Now()
	approver := uuid.New()

	t.Run("derives valid until from exit time when both present", func(t *testing.T) {
		r := newBothRequest(t)
		require.NoError(t, r.Approve(approver, now))

		assert.Equal(t, exception.StatusApproved, r.Status)
		assert.Equal(t, &approver, r.ApprovedBy)
		require.NotNil(t, r.ValidUntil)
		assert.True(t, r.ValidUntil.Equal(plannedExit))
	})

	t.Run("derives valid until from entry time for entry-only requests", func(t *testing.T) {
		r, err := exception.NewExceptionRequest(uuid.New(), "29A-123.45", "r", exception.TypeEntry, timePtr(plannedEntry), nil)
		require.NoError(t, err)
		require.NoError(t, r.Approve(approver, now))

		require.NotNil(t, r.ValidUntil)
		assert.True(t, r.ValidUntil.Equal(plannedEntry))
	})

	t.Run("preset valid until is not overwritten", func(t *testing.T) {
		r := newBothRequest(t)
		preset := plannedExit.Add(2 * time.Hour)
		r.ValidUntil = &preset
		require.NoError(t, r.Approve(approver, now))

		assert.True(t, r.ValidUntil.Equal(preset))
	})

	t.Run("approving an approved request fails", func(t *testing.T) {
		r := newBothRequest(t)
		require.NoError(t, r.Approve(approver, now))
		assert.Error(t, r.Approve(approver, now))
	})

	t.Run("approving a used request fails", func(t *testing.T) {
		r := approvedRequest(t, exception.TypeEntry)
		require.NoError(t, r.Link(uuid.New(), accessevent.ActionEntry, now))
		require.Equal(t, exception.StatusUsed, r.Status)

		assert.Error(t, r.Approve(approver, now))
	})
}

func TestTransitions(t *testing.T) {
	now := time.Now()

	t.Run("pending to rejected", func(t *testing.T) {
		r := newBothRequest(t)
		require.NoError(t, r.Reject(uuid.New(), now))
		assert.Equal(t, exception.StatusRejected, r.Status)
	})

	t.Run("rejected is terminal", func(t *testing.T) {
		r := newBothRequest(t)
		require.NoError(t, r.Reject(uuid.New(), now))
		assert.Error(t, r.Approve(uuid.New(), now))
		assert.Error(t, r.Expire(now))
	})

	t.Run("approved to expired", func(t *testing.T) {
		r := approvedRequest(t, exception.TypeBoth)
		require.NoError(t, r.Expire(now))
		assert.Equal(t, exception.StatusExpired, r.Status)
	})

	t.Run("pending cannot expire", func(t *testing.T) {
		r := newBothRequest(t)
		assert.Error(t, r.Expire(now))
	})

	t.Run("requester can cancel pending", func(t *testing.T) {
		r := newBothRequest(t)
		require.NoError(t, r.Cancel(r.RequesterID, now))
		assert.Equal(t, exception.StatusCancelled, r.Status)
	})

	t.Run("non-requester cannot cancel", func(t *testing.T) {
		r := newBothRequest(t)
		assert.Error(t, r.Cancel(uuid.New(), now))
	})

	t.Run("approved cannot be cancelled", func(t *testing.T) {
		r := approvedRequest(t, exception.TypeBoth)
		assert.Error(t, r.Cancel(r.RequesterID, now))
	})
}

func TestUsable(t *testing.T) {
	now := time.Now()

	r := approvedRequest(t, exception.TypeBoth)
	assert.True(t, r.Usable(plannedEntry))
	assert.True(t, r.Usable(plannedExit))
	assert.False(t, r.Usable(plannedExit.Add(time.Minute)))

	pending := newBothRequest(t)
	assert.False(t, pending.Usable(now))

	expired := approvedRequest(t, exception.TypeBoth)
	require.NoError(t, expired.Expire(now))
	assert.False(t, expired.Usable(plannedEntry))
}

func TestMatchesTime(t *testing.T) {
	r := approvedRequest(t, exception.TypeBoth)
	window := exception.DefaultMatchWindow

	tests := []struct {
		name    string
		action  accessevent.Action
		ts      time.Time
		matches bool
	}{
		{"entry within tolerance after", accessevent.ActionEntry, plannedEntry.Add(20 * time.Minute), true},
		{"entry within tolerance before", accessevent.ActionEntry, plannedEntry.Add(-25 * time.Minute), true},
		{"entry at exact tolerance edge", accessevent.ActionEntry, plannedEntry.Add(30 * time.Minute), true},
		{"entry beyond tolerance", accessevent.ActionEntry, plannedEntry.Add(31 * time.Minute), false},
		{"exit within tolerance", accessevent.ActionExit, plannedExit.Add(-10 * time.Minute), true},
		{"exit beyond tolerance", accessevent.ActionExit, plannedExit.Add(time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, r.MatchesTime(tt.action, tt.ts, window))
		})
	}

	t.Run("entry-only request never matches exits", func(t *testing.T) {
		r := approvedRequest(t, exception.TypeEntry)
		assert.False(t, r.MatchesTime(accessevent.ActionExit, plannedExit, window))
	})
}

func TestLink(t *testing.T) {
	now := time.Now()

	t.Run("single-use request is used on first link", func(t *testing.T) {
		r := approvedRequest(t, exception.TypeEntry)
		require.NoError(t, r.Link(uuid.New(), accessevent.ActionEntry, now))
		assert.Equal(t, exception.StatusUsed, r.Status)
		assert.Len(t, r.LinkedEvents, 1)
	})

	t.Run("both-type request used only after second link", func(t *testing.T) {
		r := approvedRequest(t, exception.TypeBoth)

		require.NoError(t, r.Link(uuid.New(), accessevent.ActionEntry, now))
		assert.Equal(t, exception.StatusApproved, r.Status, "still approved after entry link")

		require.NoError(t, r.Link(uuid.New(), accessevent.ActionExit, now))
		assert.Equal(t, exception.StatusUsed, r.Status)
		assert.Len(t, r.LinkedEvents, 2)
	})

	t.Run("linking the same event twice is idempotent", func(t *testing.T) {
		r := approvedRequest(t, exception.TypeBoth)
		eventID := uuid.New()

		require.NoError(t, r.Link(eventID, accessevent.ActionEntry, now))
		require.NoError(t, r.Link(eventID, accessevent.ActionEntry, now))

		assert.Len(t, r.LinkedEvents, 1)
		assert.Equal(t, exception.StatusApproved, r.Status)
	})

	t.Run("consumed action rejects a second distinct event", func(t *testing.T) {
		r := approvedRequest(t, exception.TypeBoth)
		require.NoError(t, r.Link(uuid.New(), accessevent.ActionEntry, now))

		err := r.Link(uuid.New(), accessevent.ActionEntry, now)
		assert.Error(t, err)
		assert.Len(t, r.LinkedEvents, 1)
	})

	t.Run("uncovered action is rejected", func(t *testing.T) {
		r := approvedRequest(t, exception.TypeEntry)
		assert.Error(t, r.Link(uuid.New(), accessevent.ActionExit, now))
	})

	t.Run("pending request cannot be linked", func(t *testing.T) {
		r := newBothRequest(t)
		assert.Error(t, r.Link(uuid.New(), accessevent.ActionEntry, now))
	})
}

func TestActionConsumed(t *testing.T) {
	now := time.Now()
	r := approvedRequest(t, exception.TypeBoth)

	assert.False(t, r.ActionConsumed(accessevent.ActionEntry))
	require.NoError(t, r.Link(uuid.New(), accessevent.ActionEntry, now))
	assert.True(t, r.ActionConsumed(accessevent.ActionEntry))
	assert.False(t, r.ActionConsumed(accessevent.ActionExit))
}
