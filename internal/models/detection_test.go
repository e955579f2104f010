package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectionOutcome_Invariants(t *testing.T) {
	sequences := [][]string{
		{},
		{"locked"},
		{"unlocked"},
		{"locked", "locked", "unlocked"},
		{"labels", "locked"},
		{"unlocked", "unlocked", "unknown", "locked"},
	}

	for _, labels := range sequences {
		o := NewDetectionOutcome(time.Now())
		for i, l := range labels {
			o.AddLock(l, 0.1*float64(i+1), BoundingBox{X: i, Y: i, Width: 10, Height: 10})
			assert.Equal(t, o.TotalLocks, o.LockedLocks+o.UnlockedLocks, "labels=%v", labels)
			assert.Equal(t, o.UnlockedLocks == 0, o.IsSafe, "labels=%v", labels)
		}
		assert.Len(t, o.LockDetails, len(labels))
	}
}

func TestDetectionOutcome_SingleUnlocked(t *testing.T) {
	o := NewDetectionOutcome(time.Now())
	o.AddLock("unlocked", 0.93, BoundingBox{X: 1, Y: 2, Width: 30, Height: 40})

	assert.Equal(t, 1, o.TotalLocks)
	assert.Equal(t, 0, o.LockedLocks)
	assert.Equal(t, 1, o.UnlockedLocks)
	assert.False(t, o.IsSafe)
	assert.InDelta(t, 0.93, o.ConfidenceScore, 1e-9)

	unlocked := o.Unlocked()
	require.Len(t, unlocked, 1)
	assert.Equal(t, BoundingBox{X: 1, Y: 2, Width: 30, Height: 40}, unlocked[0].Box())
}

func TestDetectionOutcome_ConfidenceIsMax(t *testing.T) {
	o := NewDetectionOutcome(time.Now())
	o.AddLock("locked", 0.4, BoundingBox{})
	o.AddLock("locked", 0.9, BoundingBox{})
	o.AddLock("locked", 0.7, BoundingBox{})

	assert.True(t, o.IsSafe)
	assert.InDelta(t, 0.9, o.ConfidenceScore, 1e-9)
}

func TestStatistics_SafetyRate(t *testing.T) {
	tests := []struct {
		name   string
		total  int64
		unsafe int64
		want   float64
	}{
		{"empty store", 0, 0, 100},
		{"all safe", 4, 0, 100},
		{"one of four unsafe", 4, 1, 75},
		{"all unsafe", 3, 3, 0},
		{"thirds", 3, 1, 200.0 / 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Statistics{TotalDetections: tt.total, UnsafeDetections: tt.unsafe}
			s.ComputeSafetyRate()
			assert.InDelta(t, tt.want, s.SafetyRate, 1e-9)
		})
	}
}

func TestLockDetailList_Scan(t *testing.T) {
	var l LockDetailList
	require.NoError(t, l.Scan([]byte(`[{"lock_type":"locked","is_locked":true,"confidence":0.5}]`)))
	require.Len(t, l, 1)
	assert.True(t, l[0].IsLocked)

	require.NoError(t, l.Scan(nil))
	assert.Empty(t, l)

	require.NoError(t, l.Scan(""))
	assert.Empty(t, l)

	assert.Error(t, l.Scan(42))
}

func TestLockDetailList_ValueOfNil(t *testing.T) {
	v, err := LockDetailList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)
}
