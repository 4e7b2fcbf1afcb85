package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexara/internal/detection"
	"nexara/internal/pipeline"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	require.NoError(t, j.Migrate(context.Background()))
	return j
}

func TestRecordAndGet(t *testing.T) {
	ctx := context.Background()
	j := openTest(t)

	s, err := j.StartSession(ctx, "cam-1", "user-1", "modern-model")
	require.NoError(t, err)

	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	d := &pipeline.ProcessedDetection{
		Result: detection.Result{
			ViolenceProbability: 0.93,
			CameraID:            "cam-1",
			Timestamp:           at,
			PerClassScores:      &detection.PerClassScores{NonViolence: 0.07, Violence: 0.93},
		},
		IsConfirmed:       true,
		FrameCount:        4,
		AverageConfidence: 0.91,
		Confirmations:     3,
		Trend:             pipeline.TrendIncreasing,
		ConfidenceLevel:   pipeline.LevelVeryHigh,
		ModelType:         detection.ModelModern,
		ModelID:           "modern-model",
	}

	id, err := j.Record(ctx, EntryFrom(s.ID, d))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := j.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.SessionID)
	assert.Equal(t, "cam-1", got.CameraID)
	assert.True(t, at.Equal(got.Timestamp))
	assert.Equal(t, 0.93, got.ViolenceProbability)
	assert.Equal(t, 0.91, got.AverageConfidence)
	assert.Equal(t, 3, got.Confirmations)
	assert.Equal(t, 4, got.FrameCount)
	assert.Equal(t, pipeline.TrendIncreasing, got.Trend)
	assert.Equal(t, detection.ModelModern, got.ModelType)
	require.NotNil(t, got.PerClassScores)
	assert.Equal(t, 0.93, got.PerClassScores.Violence)

	_, err = j.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentAndPrune(t *testing.T) {
	ctx := context.Background()
	j := openTest(t)

	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	for i, cam := range []string{"cam-1", "cam-2", "cam-1", "cam-1"} {
		_, err := j.Record(ctx, Entry{
			CameraID:            cam,
			Timestamp:           base.Add(time.Duration(i) * time.Minute),
			ViolenceProbability: float64(i) / 10,
		})
		require.NoError(t, err)
	}

	all, err := j.Recent(ctx, "", nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, 0.3, all[0].ViolenceProbability, "newest first")
	assert.Empty(t, all[0].SessionID)
	assert.Nil(t, all[0].PerClassScores)

	cam1, err := j.Recent(ctx, "cam-1", nil, 2)
	require.NoError(t, err)
	require.Len(t, cam1, 2)
	assert.Equal(t, 0.3, cam1[0].ViolenceProbability)
	assert.Equal(t, 0.2, cam1[1].ViolenceProbability)

	since := base.Add(2 * time.Minute)
	recent, err := j.Recent(ctx, "", &since, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	n, err := j.Prune(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	j := openTest(t)

	s, err := j.StartSession(ctx, "cam-1", "", "")
	require.NoError(t, err)

	loaded, err := j.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.EndedAt)

	require.NoError(t, j.EndSession(ctx, s.ID))
	loaded, err = j.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.EndedAt)

	assert.ErrorIs(t, j.EndSession(ctx, "nope"), ErrNotFound)
	_, err = j.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
