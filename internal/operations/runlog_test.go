package operations

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonforge/internal/shared/testutil"
)

func TestRunLog(t *testing.T) {
	base, captured := testutil.NewTestLogger(nil)
	runLog := NewRunLog(base.Handler(), 3)
	logger := runLog.Logger().With(slog.String("run_id", "r1"))

	logger.Debug("noise")
	logger.Info("stage_start", slog.String("stage", StagePrimary))
	logger.WithGroup("upload").Warn("upload_slow", slog.Int("ms", 900))

	entries := runLog.Entries()
	require.Len(t, entries, 2, "debug records are forwarded but not kept")
	assert.Equal(t, "stage_start", entries[0].Message)
	assert.Equal(t, "r1", entries[0].Attrs["run_id"])
	assert.Equal(t, StagePrimary, entries[0].Attrs["stage"])
	assert.EqualValues(t, 900, entries[1].Attrs["upload.ms"])

	assert.Equal(t, 3, captured.Count(), "every record reaches the process logger")
	assert.True(t, captured.ContainsAttr("run_id", "r1"))

	t.Run("bounded", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			logger.Info("tick", slog.Int("i", i))
		}
		entries := runLog.Entries()
		require.Len(t, entries, 3)
		assert.EqualValues(t, 4, entries[2].Attrs["i"])
	})

	t.Run("separate runs do not share entries", func(t *testing.T) {
		other := NewRunLog(nil, 0)
		other.Logger().Info("other_run")
		assert.Len(t, other.Entries(), 1)
		assert.NotEqual(t, "other_run", runLog.Entries()[0].Message)
	})
}
