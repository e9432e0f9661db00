package snapshot

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-async/pkg/health"
)

func TestHistoryKeepsNewest(t *testing.T) {
	h := NewHistory(3)
	for seq := uint64(1); seq <= 5; seq++ {
		h.Add(sampleRecord(seq))
	}
	recs := h.Records()
	require.Len(t, recs, 3)
	assert.EqualValues(t, 3, recs[0].LastSeq)
	assert.EqualValues(t, 5, recs[2].LastSeq)

	assert.Equal(t, DefaultHistorySize, NewHistory(0).size)
}

func TestCompare(t *testing.T) {
	prev := sampleRecord(1)
	prev.Metrics.TasksPerSecond = 50
	prev.Metrics.AvgExecution = 10 * time.Millisecond
	prev.Stats.Queued = 8

	cur := sampleRecord(2)
	cur.TakenAt = prev.TakenAt.Add(30 * time.Second)
	cur.Metrics.TasksPerSecond = 80
	cur.Metrics.AvgExecution = 4 * time.Millisecond
	cur.Metrics.TasksCompleted = prev.Metrics.TasksCompleted + 120
	cur.Stats.Queued = 3
	cur.Stats.Live = prev.Stats.Live + 5
	cur.Stats.Workers = prev.Stats.Workers + 2
	cur.Health.Status = health.Healthy

	d := Compare(cur, prev)
	assert.Equal(t, 30*time.Second, d.Elapsed)
	assert.InDelta(t, 30, d.Throughput, 1e-9)
	assert.Equal(t, -6*time.Millisecond, d.AvgLatency)
	assert.EqualValues(t, -5, d.Queue)
	assert.EqualValues(t, 5, d.Load)
	assert.EqualValues(t, 120, d.Completed)
	assert.Equal(t, 2, d.Threads)
	assert.Equal(t, health.Degraded.String()+" -> "+health.Healthy.String(), d.Health)
	assert.Contains(t, d.String(), "queue=-5")

	same := Compare(prev, prev)
	assert.Equal(t, Delta{}, same)
	assert.NotContains(t, same.String(), "health=")
}

func TestHistorySpan(t *testing.T) {
	h := NewHistory(10)
	_, ok := h.Span()
	assert.False(t, ok)

	first := sampleRecord(1)
	h.Add(first)
	_, ok = h.Span()
	assert.False(t, ok, "one record has nothing to compare")

	last := sampleRecord(2)
	last.TakenAt = first.TakenAt.Add(time.Minute)
	last.Metrics.TasksCompleted += 40
	h.Add(last)

	d, ok := h.Span()
	require.True(t, ok)
	assert.Equal(t, time.Minute, d.Elapsed)
	assert.EqualValues(t, 40, d.Completed)
}

func TestManagerFeedsHistory(t *testing.T) {
	h := NewHistory(10)
	m := NewManager(filepath.Join(t.TempDir(), "status.json"), WithHistory(h))

	require.NoError(t, m.Write(sampleRecord(1)))
	require.NoError(t, m.WriteWithBackup(sampleRecord(2), 1))
	assert.Equal(t, 2, h.Len())

	// 寫入失敗不進入歷史
	bad := NewManager(filepath.Join(t.TempDir(), "missing", "\x00", "status.json"), WithHistory(h))
	assert.Error(t, bad.Write(sampleRecord(3)))
	assert.Equal(t, 2, h.Len())
}
