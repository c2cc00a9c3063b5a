package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewayd/internal/domain"
	"gatewayd/internal/infra/config"
)

// fakeTransport records sends and lets tests push inbound envelopes on the
// current connection.
type fakeTransport struct {
	deliver domain.MessageFunc

	mu        sync.Mutex
	sent      []domain.Envelope
	running   bool
	alive     bool
	ctx       context.Context
	cancel    context.CancelFunc
	opens     int
	restarts  int
	closes    int
	openErr   error
	resumeURL string
}

func (f *fakeTransport) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())
	f.running, f.alive = true, true
	f.opens++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	if f.running {
		f.closes++
	}
	f.running, f.alive = false, false
	return nil
}

func (f *fakeTransport) Restart(ctx context.Context) error {
	_ = f.Close()
	err := f.Open(ctx)
	f.mu.Lock()
	f.restarts++
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) Send(ctx context.Context, env domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return domain.ErrNotConnected
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTransport) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running && f.alive
}

func (f *fakeTransport) SetResumeURL(u string) {
	f.mu.Lock()
	f.resumeURL = u
	f.mu.Unlock()
}

func (f *fakeTransport) resume() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumeURL
}

// push delivers env on the current connection.
func (f *fakeTransport) push(env domain.Envelope) {
	f.mu.Lock()
	ctx := f.ctx
	f.mu.Unlock()
	f.deliver(ctx, env)
}

func (f *fakeTransport) connCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx
}

// drop simulates the server closing the connection.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
}

func (f *fakeTransport) sentOps(op domain.OpCode) []domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Envelope
	for _, env := range f.sent {
		if env.Op == op {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) counts() (opens, restarts, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.restarts, f.closes
}

type memoryStore struct {
	mu      sync.Mutex
	ids     map[int]domain.Identity
	cleared int
}

func newMemoryStore() *memoryStore { return &memoryStore{ids: make(map[int]domain.Identity)} }

func (m *memoryStore) Load(_ context.Context, shard int) (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[shard], nil
}

func (m *memoryStore) Save(_ context.Context, shard int, id domain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[shard] = id
	return nil
}

func (m *memoryStore) Clear(_ context.Context, shard int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, shard)
	m.cleared++
	return nil
}

func (m *memoryStore) get(shard int) (domain.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ids[shard]
	return id, ok
}

type recordingDispatcher struct {
	mu   sync.Mutex
	envs []domain.Envelope
	err  error
}

func (r *recordingDispatcher) Dispatch(_ context.Context, env domain.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return r.err
}

func (r *recordingDispatcher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env.Type)
	}
	return out
}

type countingGate struct {
	mu    sync.Mutex
	calls int
}

func (g *countingGate) Wait(context.Context, int) error {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return nil
}

// blockingGate holds IDENTIFY until release is closed.
type blockingGate struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingGate() *blockingGate {
	return &blockingGate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *blockingGate) Wait(context.Context, int) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return nil
}

func newTestSession(t *testing.T, mutate ...func(*Options)) (*Session, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	opts := Options{
		Token:   "secret",
		Intents: discordgo.IntentsGuilds | discordgo.IntentsGuildMessages,
	}
	for _, m := range mutate {
		m(&opts)
	}
	s := New(func(fn domain.MessageFunc) domain.Transport {
		ft.deliver = fn
		return ft
	}, opts)
	t.Cleanup(func() { _ = s.Close() })
	return s, ft
}

func hello(t *testing.T, intervalMS int64) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(domain.OpHello, domain.Hello{HeartbeatInterval: intervalMS})
	require.NoError(t, err)
	return env
}

func dispatch(t *testing.T, name string, seq int64, data any) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(domain.OpDispatch, data)
	require.NoError(t, err)
	env.Type = name
	env.Seq = &seq
	return env
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 2*time.Millisecond,
		"state %s, want %s", s.State(), want)
}

func seqOf(id domain.Identity) int64 {
	if id.Seq == nil {
		return -1
	}
	return *id.Seq
}

func TestStartRequiresIdle(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Start(context.Background(), "", nil))
	assert.Equal(t, StateAwaitingHello, s.State())

	err := s.Start(context.Background(), "", nil)
	assert.ErrorIs(t, err, domain.ErrSessionState)
}

func TestStartOpenFailureReturnsToIdle(t *testing.T) {
	s, ft := newTestSession(t)
	ft.openErr = domain.ErrTransport

	err := s.Start(context.Background(), "", nil)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, StateIdle, s.State())
}

func TestHelloIdentifiesWithoutIdentity(t *testing.T) {
	gate := &countingGate{}
	s, ft := newTestSession(t, func(o *Options) {
		o.ShardID, o.ShardCount = 1, 4
		o.LargeThreshold = 100
		o.IdentifyGate = gate
	})
	require.NoError(t, s.SetStatus(context.Background(), discordgo.UpdateStatusData{Status: "idle"}))
	require.NoError(t, s.Start(context.Background(), "", nil))

	ft.push(hello(t, 45000))
	waitState(t, s, StateActive)

	ids := ft.sentOps(domain.OpIdentify)
	require.Len(t, ids, 1)
	var got domain.Identify
	require.NoError(t, json.Unmarshal(ids[0].Data, &got))
	assert.Equal(t, "secret", got.Token)
	assert.Equal(t, discordgo.IntentsGuilds|discordgo.IntentsGuildMessages, got.Intents)
	require.NotNil(t, got.Shard)
	assert.Equal(t, [2]int{1, 4}, *got.Shard)
	assert.Equal(t, 100, got.LargeThreshold)
	require.NotNil(t, got.Presence)
	assert.Equal(t, "idle", got.Presence.Status)
	assert.Equal(t, "gatewayd", got.Properties.Browser)
	assert.Equal(t, 1, gate.calls)
	assert.Empty(t, ft.sentOps(domain.OpResume))
	assert.Empty(t, ft.sentOps(domain.OpStatusUpdate), "IDENTIFY already carries the status")
}

func TestHelloOmitsShardWhenUnsharded(t *testing.T) {
	s, ft := newTestSession(t)
	require.NoError(t, s.Start(context.Background(), "", nil))
	ft.push(hello(t, 45000))
	waitState(t, s, StateActive)

	ids := ft.sentOps(domain.OpIdentify)
	require.Len(t, ids, 1)
	assert.NotContains(t, string(ids[0].Data), `"shard"`)
}

func TestHelloResumesWithKnownIdentity(t *testing.T) {
	s, ft := newTestSession(t)
	seq := int64(42)
	require.NoError(t, s.Start(context.Background(), "abc", &seq))

	ft.push(hello(t, 45000))
	waitState(t, s, StateActive)

	resumes := ft.sentOps(domain.OpResume)
	require.Len(t, resumes, 1)
	var got domain.Resume
	require.NoError(t, json.Unmarshal(resumes[0].Data, &got))
	assert.Equal(t, domain.Resume{Token: "secret", SessionID: "abc", Seq: 42}, got)
	assert.Empty(t, ft.sentOps(domain.OpIdentify))
}

func TestHelloIdentifiesWhenSequenceUnknown(t *testing.T) {
	s, ft := newTestSession(t)
	require.NoError(t, s.Start(context.Background(), "abc", nil))

	ft.push(hello(t, 45000))
	waitState(t, s, StateActive)
	assert.Len(t, ft.sentOps(domain.OpIdentify), 1)
	assert.Empty(t, ft.sentOps(domain.OpResume))
}

func TestStartLoadsPersistedIdentity(t *testing.T) {
	store := newMemoryStore()
	seq := int64(9)
	require.NoError(t, store.Save(context.Background(), 0, domain.Identity{SessionID: "stored", Seq: &seq, ResumeURL: "wss://resume.example"}))

	s, ft := newTestSession(t, func(o *Options) { o.Store = store })
	require.NoError(t, s.Start(context.Background(), "", nil))
	assert.Equal(t, "wss://resume.example", ft.resume())

	ft.push(hello(t, 45000))
	waitState(t, s, StateActive)
	require.Len(t, ft.sentOps(domain.OpResume), 1)
}

func TestDispatchSequenceIsMonotonic(t *testing.T) {
	rec := &recordingDispatcher{}
	s, ft := newTestSession(t, func(o *Options) { o.Dispatcher = rec })
	require.NoError(t, s.Start(context.Background(), "", nil))

	ft.push(dispatch(t, "MESSAGE_CREATE", 5, map[string]string{"id": "1"}))
	ft.push(dispatch(t, "MESSAGE_CREATE", 3, map[string]string{"id": "2"}))
	ft.push(dispatch(t, "MESSAGE_DELETE", 6, map[string]string{"id": "1"}))

	require.Eventually(t, func() bool { return len(rec.types()) == 3 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"MESSAGE_CREATE", "MESSAGE_CREATE", "MESSAGE_DELETE"}, rec.types())
	assert.Equal(t, int64(6), seqOf(s.Identity()))
}

func TestOlderSequenceDoesNotRegress(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.HandleEnvelope(ctx, dispatch(t, "TYPING_START", 10, map[string]string{})))
	require.NoError(t, s.HandleEnvelope(ctx, dispatch(t, "TYPING_START", 4, map[string]string{})))
	assert.Equal(t, int64(10), seqOf(s.Identity()))
}

func TestReadySetsSessionAndPersists(t *testing.T) {
	store := newMemoryStore()
	s, ft := newTestSession(t, func(o *Options) { o.Store = store })
	require.NoError(t, s.Start(context.Background(), "", nil))

	ft.push(dispatch(t, "READY", 1, domain.Ready{SessionID: "sess-1", ResumeGatewayURL: "wss://resume.example"}))

	require.Eventually(t, func() bool { _, ok := store.get(0); return ok }, 2*time.Second, 2*time.Millisecond)
	stored, _ := store.get(0)
	assert.Equal(t, "sess-1", stored.SessionID)
	assert.Equal(t, int64(1), seqOf(stored))
	assert.Equal(t, "sess-1", s.Identity().SessionID)
	assert.Equal(t, "wss://resume.example", ft.resume())
}

func TestServerHeartbeatIsAcked(t *testing.T) {
	s, ft := newTestSession(t)
	require.NoError(t, s.Start(context.Background(), "", nil))

	ft.push(domain.Envelope{Op: domain.OpHeartbeat})
	require.Eventually(t, func() bool { return len(ft.sentOps(domain.OpHeartbeatAck)) == 1 }, 2*time.Second, 2*time.Millisecond)
}

func TestReconnectKeepsIdentityAndResumes(t *testing.T) {
	s, ft := newTestSession(t)
	require.NoError(t, s.Start(context.Background(), "", nil))
	ft.push(hello(t, 45000))
	ft.push(dispatch(t, "READY", 1, domain.Ready{SessionID: "sess-1"}))
	require.Eventually(t, func() bool { return s.Identity().SessionID == "sess-1" }, 2*time.Second, 2*time.Millisecond)

	ft.push(domain.Envelope{Op: domain.OpReconnect})
	require.Eventually(t, func() bool { _, r, _ := ft.counts(); return r == 1 }, 2*time.Second, 2*time.Millisecond)
	waitState(t, s, StateAwaitingHello)
	assert.Equal(t, "sess-1", s.Identity().SessionID)

	ft.push(hello(t, 45000))
	waitState(t, s, StateActive)
	require.Len(t, ft.sentOps(domain.OpResume), 1)
	assert.Len(t, ft.sentOps(domain.OpIdentify), 1)
}

func TestInvalidSessionClearsIdentity(t *testing.T) {
	store := newMemoryStore()
	s, ft := newTestSession(t, func(o *Options) { o.Store = store })
	seq := int64(7)
	require.NoError(t, s.Start(context.Background(), "old", &seq))
	ft.SetResumeURL("wss://resume.example")

	ft.push(domain.Envelope{Op: domain.OpInvalidSession, Data: json.RawMessage("false")})
	require.Eventually(t, func() bool { _, r, _ := ft.counts(); return r == 1 }, 2*time.Second, 2*time.Millisecond)

	id := s.Identity()
	assert.Empty(t, id.SessionID)
	assert.Nil(t, id.Seq)
	assert.Empty(t, ft.resume())
	store.mu.Lock()
	assert.Equal(t, 1, store.cleared)
	store.mu.Unlock()

	ft.push(hello(t, 45000))
	waitState(t, s, StateActive)
	assert.Len(t, ft.sentOps(domain.OpIdentify), 1)
	assert.Empty(t, ft.sentOps(domain.OpResume))
}

func TestUnknownOpcodeIsFatal(t *testing.T) {
	s, ft := newTestSession(t)
	require.NoError(t, s.Start(context.Background(), "", nil))

	ft.push(domain.Envelope{Op: domain.OpCode(42)})

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
	assert.ErrorIs(t, s.Wait(), domain.ErrProtocolCompat)
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, ft.Running())
}

func TestDispatchWithoutPayloadIsFatal(t *testing.T) {
	s, ft := newTestSession(t, func(o *Options) {
		o.Dispatcher = &recordingDispatcher{err: domain.NewDomainError("Pipeline.Dispatch", domain.ErrProtocolCompat, "no payload")}
	})
	require.NoError(t, s.Start(context.Background(), "", nil))

	seq := int64(1)
	ft.push(domain.Envelope{Op: domain.OpDispatch, Type: "MESSAGE_CREATE", Seq: &seq})
	<-s.Done()
	assert.ErrorIs(t, s.Wait(), domain.ErrProtocolCompat)
}

func TestClientOnlyOpcodeIsIgnored(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.HandleEnvelope(context.Background(), domain.Envelope{Op: domain.OpRequestGuildMembers})
	assert.NoError(t, err)
}

func TestHelloWithoutIntervalIsProtocolFailure(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.HandleEnvelope(context.Background(), domain.Envelope{Op: domain.OpHello, Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, domain.ErrProtocolCompat)
}

func TestHeartbeatSkipsWithoutSequence(t *testing.T) {
	s, ft := newTestSession(t)
	require.NoError(t, s.Start(context.Background(), "", nil))
	ft.push(hello(t, 10))
	waitState(t, s, StateActive)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ft.sentOps(domain.OpHeartbeat))

	ft.push(dispatch(t, "GUILD_CREATE", 7, map[string]string{"id": "1"}))
	require.Eventually(t, func() bool { return len(ft.sentOps(domain.OpHeartbeat)) > 0 }, 2*time.Second, 2*time.Millisecond)
	assert.JSONEq(t, "7", string(ft.sentOps(domain.OpHeartbeat)[0].Data))
}

func TestHeartbeatStopsOnRestart(t *testing.T) {
	seq := int64(3)
	s, ft := newTestSession(t)
	require.NoError(t, s.Start(context.Background(), "abc", &seq))
	ft.push(hello(t, 10))
	require.Eventually(t, func() bool { return len(ft.sentOps(domain.OpHeartbeat)) > 0 }, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, s.Restart(context.Background()))
	before := len(ft.sentOps(domain.OpHeartbeat))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, len(ft.sentOps(domain.OpHeartbeat)), "no heartbeat after restart until the next HELLO")
}

func TestRepeatedHelloKeepsOneHeartbeatTask(t *testing.T) {
	seq := int64(1)
	s, ft := newTestSession(t)
	require.NoError(t, s.Start(context.Background(), "abc", &seq))
	for i := 0; i < 5; i++ {
		ft.push(hello(t, 40))
	}
	waitState(t, s, StateActive)

	time.Sleep(130 * time.Millisecond)
	// One task at 40ms yields about three beats; five tasks would yield fifteen.
	assert.LessOrEqual(t, len(ft.sentOps(domain.OpHeartbeat)), 5)
}

func TestUnackedHeartbeatRestarts(t *testing.T) {
	seq := int64(1)
	s, ft := newTestSession(t, func(o *Options) { o.RequireAck = true })
	require.NoError(t, s.Start(context.Background(), "abc", &seq))
	ft.push(hello(t, 10))

	require.Eventually(t, func() bool { _, r, _ := ft.counts(); return r >= 1 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, "abc", s.Identity().SessionID)
}

func TestAckedHeartbeatKeepsConnection(t *testing.T) {
	seq := int64(1)
	s, ft := newTestSession(t, func(o *Options) { o.RequireAck = true })
	require.NoError(t, s.Start(context.Background(), "abc", &seq))
	ft.push(hello(t, 15))

	deadline := time.Now().Add(100 * time.Millisecond)
	acked := 0
	for time.Now().Before(deadline) {
		if n := len(ft.sentOps(domain.OpHeartbeat)); n > acked {
			ft.push(domain.Envelope{Op: domain.OpHeartbeatAck})
			acked = n
		}
		time.Sleep(time.Millisecond)
	}
	_, restarts, _ := ft.counts()
	assert.Zero(t, restarts)
	assert.False(t, s.LastAck().IsZero())
}

func TestSupervisorReconnectsDroppedConnection(t *testing.T) {
	s, ft := newTestSession(t, func(o *Options) {
		o.Reconnect = config.ReconnectConfig{
			Enabled:       true,
			CheckInterval: 5 * time.Millisecond,
			InitialDelay:  time.Millisecond,
			Multiplier:    2,
			MaxDelay:      10 * time.Millisecond,
		}
	})
	require.NoError(t, s.Start(context.Background(), "", nil))

	ft.drop()
	require.Eventually(t, func() bool { _, r, _ := ft.counts(); return r >= 1 }, 2*time.Second, 2*time.Millisecond)
	assert.True(t, ft.Alive())
	waitState(t, s, StateAwaitingHello)
}

func TestStaleEnvelopesAreDiscarded(t *testing.T) {
	s, ft := newTestSession(t)
	require.NoError(t, s.Start(context.Background(), "", nil))
	old := ft.connCtx()

	require.NoError(t, s.Restart(context.Background()))
	ft.deliver(old, domain.Envelope{Op: domain.OpHeartbeat})
	ft.push(domain.Envelope{Op: domain.OpHeartbeat})

	require.Eventually(t, func() bool { return len(ft.sentOps(domain.OpHeartbeatAck)) == 1 }, 2*time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, ft.sentOps(domain.OpHeartbeatAck), 1)
}

func TestCloseIsIdempotentAndPersists(t *testing.T) {
	store := newMemoryStore()
	s, ft := newTestSession(t, func(o *Options) { o.Store = store })
	require.NoError(t, s.Start(context.Background(), "", nil))
	ft.push(dispatch(t, "READY", 1, domain.Ready{SessionID: "sess-1"}))
	ft.push(dispatch(t, "MESSAGE_CREATE", 8, map[string]string{"id": "1"}))
	require.Eventually(t, func() bool { return seqOf(s.Identity()) == 8 }, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StateIdle, s.State())
	assert.NoError(t, s.Wait())
	assert.False(t, ft.Running())

	stored, ok := store.get(0)
	require.True(t, ok)
	assert.Equal(t, int64(8), seqOf(stored))
}

func TestCloseThenStartAgain(t *testing.T) {
	s, ft := newTestSession(t)
	require.NoError(t, s.Start(context.Background(), "", nil))
	require.NoError(t, s.Close())
	require.NoError(t, s.Start(context.Background(), "", nil))
	opens, _, _ := ft.counts()
	assert.Equal(t, 2, opens)
}

func TestRestartAfterCloseFails(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Start(context.Background(), "", nil))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Restart(context.Background()), domain.ErrSessionClosed)
}

func TestSetStatusSendsWhileActive(t *testing.T) {
	s, ft := newTestSession(t)
	require.NoError(t, s.Start(context.Background(), "", nil))
	ft.push(hello(t, 45000))
	waitState(t, s, StateActive)

	status := discordgo.UpdateStatusData{Status: "dnd", Activities: []*discordgo.Activity{{Name: "tests", Type: discordgo.ActivityTypeGame}}}
	require.NoError(t, s.SetStatus(context.Background(), status))

	updates := ft.sentOps(domain.OpStatusUpdate)
	require.Len(t, updates, 1)
	var got discordgo.UpdateStatusData
	require.NoError(t, json.Unmarshal(updates[0].Data, &got))
	assert.Equal(t, "dnd", got.Status)
	require.Len(t, got.Activities, 1)
	assert.Equal(t, "tests", got.Activities[0].Name)
}

func TestStatusSetDuringReconnectFollowsResume(t *testing.T) {
	s, ft := newTestSession(t)
	seq := int64(4)
	require.NoError(t, s.Start(context.Background(), "sess", &seq))
	ft.push(hello(t, 45000))
	waitState(t, s, StateActive)

	ft.push(domain.Envelope{Op: domain.OpReconnect})
	require.Eventually(t, func() bool { _, r, _ := ft.counts(); return r == 1 }, 2*time.Second, 2*time.Millisecond)
	waitState(t, s, StateAwaitingHello)

	require.NoError(t, s.SetStatus(context.Background(), discordgo.UpdateStatusData{Status: "dnd"}))
	assert.Empty(t, ft.sentOps(domain.OpStatusUpdate), "nothing is sent before the handshake")

	ft.push(hello(t, 45000))
	waitState(t, s, StateActive)
	require.Eventually(t, func() bool { return len(ft.sentOps(domain.OpStatusUpdate)) == 1 }, 2*time.Second, 2*time.Millisecond)
	assert.Len(t, ft.sentOps(domain.OpResume), 2)
	assert.Empty(t, ft.sentOps(domain.OpIdentify))

	ft.mu.Lock()
	last := ft.sent[len(ft.sent)-1]
	ft.mu.Unlock()
	assert.Equal(t, domain.OpStatusUpdate, last.Op, "status follows the RESUME")
	var got discordgo.UpdateStatusData
	require.NoError(t, json.Unmarshal(last.Data, &got))
	assert.Equal(t, "dnd", got.Status)
}

func TestRestartDuringHandshakeLeavesNewConnectionAlone(t *testing.T) {
	gate := newBlockingGate()
	s, ft := newTestSession(t, func(o *Options) { o.IdentifyGate = gate })
	require.NoError(t, s.Start(context.Background(), "", nil))

	ft.push(hello(t, 20))
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not reach the identify gate")
	}

	require.NoError(t, s.Restart(context.Background()))
	close(gate.release)

	// Envelopes are handled in order, so the ack means the handshake returned.
	ft.push(domain.Envelope{Op: domain.OpHeartbeat})
	require.Eventually(t, func() bool { return len(ft.sentOps(domain.OpHeartbeatAck)) == 1 }, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, StateAwaitingHello, s.State())
	assert.Empty(t, ft.sentOps(domain.OpIdentify))
	s.mu.Lock()
	hb := s.hb
	s.mu.Unlock()
	assert.Nil(t, hb, "no heartbeat before the new connection says HELLO")

	ft.push(hello(t, 45000))
	waitState(t, s, StateActive)
	assert.Len(t, ft.sentOps(domain.OpIdentify), 1)
}

func TestSendWhileIdle(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.Send(context.Background(), domain.Envelope{Op: domain.OpHeartbeat})
	assert.True(t, errors.Is(err, domain.ErrNotConnected))
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "AwaitingHello", StateAwaitingHello.String())
	assert.Equal(t, "Unknown", State(99).String())
	assert.Len(t, allStates(), 6)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Defaults().Gateway
	cfg.Token = "tok"
	cfg.ShardCount = 2
	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "tok", opts.Token)
	assert.Equal(t, 2, opts.ShardCount)
	assert.NotZero(t, opts.Intents)

	cfg.Intents = []string{"nope"}
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)
}
