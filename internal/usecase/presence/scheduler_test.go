package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewayd/internal/infra/config"
)

type recordingSetter struct {
	mu       sync.Mutex
	statuses []discordgo.UpdateStatusData
	err      error
}

func (r *recordingSetter) SetStatus(_ context.Context, status discordgo.UpdateStatusData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return r.err
}

func (r *recordingSetter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}

func (r *recordingSetter) last() discordgo.UpdateStatusData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[len(r.statuses)-1]
}

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"30s", false},
		{"250ms", false},
		{"", true},
		{"-1m", true},
		{"every so often", true},
	}
	for _, tc := range cases {
		_, err := ParseSchedule(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
		} else {
			assert.NoError(t, err, tc.in)
		}
	}
}

func TestConstantDelayNext(t *testing.T) {
	sched, err := ParseSchedule("1500ms")
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(1500*time.Millisecond), sched.Next(now))
}

func TestScheduledRotationFires(t *testing.T) {
	setter := &recordingSetter{}
	s := NewScheduler(setter, nil)
	require.NoError(t, s.Add(config.PresenceEntry{
		Name:         "playing",
		Schedule:     "20ms",
		Status:       "online",
		ActivityType: "game",
		ActivityName: "chess",
	}))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return setter.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	got := setter.last()
	assert.Equal(t, "online", got.Status)
	require.Len(t, got.Activities, 1)
	assert.Equal(t, "chess", got.Activities[0].Name)
	assert.Equal(t, discordgo.ActivityTypeGame, got.Activities[0].Type)
}

func TestNothingFiresBeforeStart(t *testing.T) {
	setter := &recordingSetter{}
	s := NewScheduler(setter, nil)
	require.NoError(t, s.Add(config.PresenceEntry{Name: "a", Schedule: "10ms", Status: "idle"}))

	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, setter.count())
}

func TestStopHaltsUpdates(t *testing.T) {
	setter := &recordingSetter{}
	s := NewScheduler(setter, nil)
	require.NoError(t, s.Add(config.PresenceEntry{Name: "a", Schedule: "10ms", Status: "idle"}))
	s.Start(context.Background())
	require.Eventually(t, func() bool { return setter.count() >= 1 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	n := setter.count()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, n, setter.count())
}

func TestSetterFailureKeepsSchedule(t *testing.T) {
	setter := &recordingSetter{err: errors.New("not connected")}
	s := NewScheduler(setter, nil)
	require.NoError(t, s.Add(config.PresenceEntry{Name: "a", Schedule: "10ms", Status: "dnd"}))
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return setter.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestAddRejectsDuplicatesAndBadEntries(t *testing.T) {
	s := NewScheduler(&recordingSetter{}, nil)
	require.NoError(t, s.Add(config.PresenceEntry{Name: "a", Schedule: "1h", Status: "online"}))

	assert.Error(t, s.Add(config.PresenceEntry{Name: "a", Schedule: "1h", Status: "online"}))
	assert.Error(t, s.Add(config.PresenceEntry{Name: "b", Schedule: "soon", Status: "online"}))
	assert.Error(t, s.Add(config.PresenceEntry{Name: "c", Schedule: "1h", Status: "online", ActivityType: "dancing", ActivityName: "x"}))
}

func TestRemoveAndNext(t *testing.T) {
	s := NewScheduler(&recordingSetter{}, nil)
	require.NoError(t, s.Add(config.PresenceEntry{Name: "a", Schedule: "1h", Status: "online"}))
	s.Start(context.Background())
	defer s.Stop()

	next, ok := s.Next("a")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, time.Minute)

	require.NoError(t, s.Remove("a"))
	_, ok = s.Next("a")
	assert.False(t, ok)
	assert.Error(t, s.Remove("a"))
}

func TestApplySendsImmediately(t *testing.T) {
	setter := &recordingSetter{}
	s := NewScheduler(setter, nil)
	require.NoError(t, s.Apply(context.Background(), config.PresenceEntry{Name: "boot", Status: "invisible"}))
	assert.Equal(t, "invisible", setter.last().Status)
}

func TestFromConfigNamesUnnamedRotations(t *testing.T) {
	cfg := config.PresenceConfig{Rotations: []config.PresenceEntry{
		{Schedule: "1h", Status: "online"},
		{Schedule: "2h", Status: "idle"},
	}}
	s, err := FromConfig(cfg, &recordingSetter{}, nil)
	require.NoError(t, err)
	s.Start(context.Background())
	defer s.Stop()

	_, ok := s.Next("rotation-0")
	assert.True(t, ok)
	_, ok = s.Next("rotation-1")
	assert.True(t, ok)
}
