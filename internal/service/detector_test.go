package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzumixiny/volo8-test/internal/ml_client"
	"github.com/lzumixiny/volo8-test/internal/models"
)

func TestDetector_Detect(t *testing.T) {
	classifier := &fakeClassifier{preds: []ml_client.Prediction{
		{Class: "locked", Confidence: 0.81, X: 10.4, Y: 20.6, Width: 30, Height: 40},
		{Class: "unlocked", Confidence: 0.93, X: 1, Y: 2, Width: 3, Height: 4},
		{Class: "unlocked", Confidence: 0.3},
		{Class: "something", Confidence: 0.6},
	}}

	outcome, err := NewDetector(classifier, 0.5).Detect(context.Background(), []byte("img"))
	require.NoError(t, err)

	assert.Equal(t, 3, outcome.TotalLocks)
	assert.Equal(t, 1, outcome.LockedLocks)
	assert.Equal(t, 2, outcome.UnlockedLocks)
	assert.False(t, outcome.IsSafe)
	assert.InDelta(t, 0.93, outcome.ConfidenceScore, 1e-9)
	assert.Equal(t, models.BoundingBox{X: 10, Y: 21, Width: 30, Height: 40}, outcome.LockDetails[0].Box())
}

func TestDetector_Empty(t *testing.T) {
	outcome, err := NewDetector(&fakeClassifier{}, 0.5).Detect(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.True(t, outcome.IsSafe)
	assert.Zero(t, outcome.TotalLocks)
	assert.NotNil(t, outcome.LockDetails)
}
