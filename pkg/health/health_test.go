package health

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMonitorDefaults(t *testing.T) {
	m := NewMonitor()
	assert.True(t, m.IsAlive())
	assert.False(t, m.IsReady())
	assert.Equal(t, Healthy, m.Status())
	assert.True(t, m.HeartbeatRecent(time.Second))
}

func TestAggregation(t *testing.T) {
	m := NewMonitor()

	m.AddCheck("db", Healthy, "")
	assert.Equal(t, Healthy, m.Status())

	m.AddCheck("queue_limit", Degraded, "near capacity")
	assert.Equal(t, Degraded, m.Status())

	m.AddCheck("disk", Unhealthy, "full")
	assert.Equal(t, Unhealthy, m.Status())

	m.RemoveCheck("disk")
	assert.Equal(t, Degraded, m.Status())

	m.ClearChecks()
	assert.Equal(t, Healthy, m.Status())

	m.SetAlive(false)
	assert.Equal(t, Unhealthy, m.Status(), "not alive overrides checks")
}

func TestReadinessDoesNotAffectStatus(t *testing.T) {
	m := NewMonitor()
	m.SetReady(false)
	assert.Equal(t, Healthy, m.Status())
	m.SetReady(true)
	assert.True(t, m.IsReady())
	assert.Equal(t, Healthy, m.Status())
}

func TestAddCheckLastWriteWins(t *testing.T) {
	m := NewMonitor()
	m.AddCheck("x", Unhealthy, "first")
	m.AddCheck("x", Healthy, "second")

	c, ok := m.Check("x")
	require.True(t, ok)
	assert.Equal(t, Healthy, c.Status)
	assert.Equal(t, "second", c.Message)
	assert.Len(t, m.Report().Checks, 1)
}

func TestHeartbeatStaleness(t *testing.T) {
	now := time.Unix(100, 0)
	m := NewMonitor(WithClock(func() time.Time { return now }))

	now = now.Add(10 * time.Second)
	assert.False(t, m.HeartbeatRecent(5*time.Second))

	m.Heartbeat()
	assert.True(t, m.HeartbeatRecent(5*time.Second))
	assert.Equal(t, now, m.LastHeartbeat())
}

func TestRunProbes(t *testing.T) {
	m := NewMonitor()
	m.RegisterProbe("cache", func(context.Context) (Status, string) { return Degraded, "cold" })
	m.RegisterProbe("api", func(context.Context) (Status, string) { return Healthy, "ok" })

	m.RunProbes(context.Background())

	c, ok := m.Check("cache")
	require.True(t, ok)
	assert.Equal(t, Degraded, c.Status)
	assert.Equal(t, "cold", c.Message)
	assert.Equal(t, Degraded, m.Status())
}

func TestReportSortedAndJSON(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewMonitor(WithClock(func() time.Time { return now }))
	m.SetReady(true)
	m.AddCheck("zeta", Healthy, "")
	m.AddCheck("alpha", Degraded, "slow")

	r := m.Report()
	require.Len(t, r.Checks, 2)
	assert.Equal(t, "alpha", r.Checks[0].Name)
	assert.Equal(t, "zeta", r.Checks[1].Name)

	data, err := r.ToJSON()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "degraded", decoded["status"])
	assert.Equal(t, true, decoded["ready"])
	assert.Equal(t, true, decoded["alive"])
	assert.Equal(t, "2024-01-02T03:04:05Z", decoded["generated_at"])
	checks := decoded["checks"].([]any)
	assert.Equal(t, "slow", checks[0].(map[string]any)["message"])

	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Degraded, back.Status)
}

func TestStatusText(t *testing.T) {
	var s Status
	require.NoError(t, s.UnmarshalText([]byte("Unhealthy")))
	assert.Equal(t, Unhealthy, s)
	assert.Error(t, s.UnmarshalText([]byte("sick")))
	assert.Equal(t, "Status(9)", Status(9).String())
}

func TestWatchSignalsChanges(t *testing.T) {
	m := NewMonitor()
	ch, stop := m.Watch()
	defer stop()

	m.AddCheck("x", Degraded, "")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no signal")
	}

	// Same status again: nothing new to report.
	m.AddCheck("x", Degraded, "still")
	select {
	case <-ch:
		t.Fatal("unexpected signal")
	default:
	}
}
