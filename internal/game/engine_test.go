package game

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"goldrun/internal/market"
	"goldrun/internal/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fixedRate float64

func (r fixedRate) Rate() float64 { return float64(r) }

type panicRate struct{}

func (panicRate) Rate() float64 { panic("sampler exploded") }

type event struct {
	UserID  int64
	Name    string
	Payload any
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Emit(userID int64, name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{UserID: userID, Name: name, Payload: payload})
}

func (r *recorder) Broadcast(name string, payload any) {
	r.Emit(0, name, payload)
}

func (r *recorder) take() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func (r *recorder) names(userID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.UserID == userID {
			out = append(out, ev.Name)
		}
	}
	return out
}

type memStore struct {
	mu    sync.Mutex
	saved []Snapshot
	err   error
}

func (m *memStore) Load(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return EmptySnapshot(), nil
	}
	return m.saved[len(m.saved)-1], nil
}

func (m *memStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, snap)
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickEvery = 5 * time.Millisecond
	cfg.Sandbox.RunTimeout = 50 * time.Millisecond
	cfg.PassiveIncome = 0
	return cfg
}

func snapshotWith(accounts ...Account) Snapshot {
	snap := EmptySnapshot()
	for i := range accounts {
		a := accounts[i]
		snap.Accounts[a.ID] = &a
	}
	return snap
}

func newTestEngine(t *testing.T, cfg Config, rate RateSource, accounts ...Account) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	snap := snapshotWith(accounts...)
	e := NewEngine(cfg, snap, NewLedger(snap.Accounts, snap.LastAccountID), nil, rec, rate, nil)
	t.Cleanup(func() { _ = e.Dispose(context.Background()) })
	return e, rec
}

func gold(t *testing.T, e *Engine, id int64) int64 {
	t.Helper()
	a, ok := e.Ledger().Get(id)
	require.True(t, ok)
	return a.Gold
}

func TestTickScenario(t *testing.T) {
	e, rec := newTestEngine(t, testConfig(), fixedRate(1.2),
		Account{ID: 1, Username: "alice", Gold: 100, Code: "function run() { return 50 }"})

	e.RunTick(context.Background())

	assert.Equal(t, int64(110), gold(t, e, 1))
	assert.Equal(t, int64(2), e.Tick())
	require.NoError(t, e.LastError())

	evs := rec.take()
	require.Len(t, evs, 2)
	assert.Equal(t, EventTick, evs[0].Name)
	tick := evs[0].Payload.(TickEvent)
	assert.Equal(t, int64(2), tick.Tick)
	assert.Equal(t, int64(110), tick.Gold)
	require.NotNil(t, tick.Investment)
	assert.Equal(t, market.Investment{ID: 1, UserID: 1, Amount: 50, Profit: 60, Tick: 1}, *tick.Investment)

	assert.Equal(t, EventAllParticipants, evs[1].Name)
	assert.Equal(t, []PublicUser{{ID: 1, Username: "alice", Gold: 110}}, evs[1].Payload)

	a, _ := e.Ledger().Get(1)
	assert.Len(t, a.History, 1)
	assert.Len(t, e.History(), 1)
}

func TestPassiveIncomeAppliedFirst(t *testing.T) {
	cfg := testConfig()
	cfg.PassiveIncome = 10
	cfg.PassiveCeiling = 1000
	e, _ := newTestEngine(t, cfg, fixedRate(1.2),
		Account{ID: 1, Username: "a", Gold: 100, Code: "function run() { return getGold() }"},
		Account{ID: 2, Username: "b", Gold: 1000, Code: "function run() { return 0 }"},
		Account{ID: 3, Username: "c", Gold: 5, Code: "  \n\t"},
	)

	e.RunTick(context.Background())

	// 110 invested at 1.2
	assert.Equal(t, int64(132), gold(t, e, 1))
	// at the ceiling, no income
	assert.Equal(t, int64(1000), gold(t, e, 2))
	assert.Equal(t, int64(15), gold(t, e, 3))
}

func TestBlankCodeEmitsNothing(t *testing.T) {
	e, rec := newTestEngine(t, testConfig(), fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 10, Code: ""})
	e.RunTick(context.Background())
	assert.Empty(t, rec.names(1))
	assert.Empty(t, e.History())
}

func TestEventOrder(t *testing.T) {
	e, rec := newTestEngine(t, testConfig(), fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 10, Code: "function run() { console.log('hi'); throw new Error('bad') }"},
		Account{ID: 2, Username: "b", Gold: 10, Code: "syntax error here ("},
	)
	e.RunTick(context.Background())

	assert.Equal(t, []string{EventOutput, EventRunError, EventTick}, rec.names(1))
	assert.Equal(t, []string{EventCodeError, EventTick}, rec.names(2))
	assert.Equal(t, []string{EventAllParticipants}, rec.names(0))
}

func TestLoadFailureNeverInvests(t *testing.T) {
	e, rec := newTestEngine(t, testConfig(), fixedRate(5),
		Account{ID: 1, Username: "a", Gold: 100, Code: "throw new Error('at load')\nfunction run() { return 100 }"})

	for range 3 {
		e.RunTick(context.Background())
	}
	assert.Equal(t, int64(100), gold(t, e, 1))
	assert.Empty(t, e.History())

	for _, ev := range rec.take() {
		if ev.Name == EventTick {
			assert.Nil(t, ev.Payload.(TickEvent).Investment)
		}
		if ev.Name == EventCodeError {
			assert.Contains(t, ev.Payload.(ErrorEvent).Error, "at load")
		}
	}

	require.NoError(t, e.Ledger().SetCode(1, "function run() { return 100 }"))
	e.UpdateCode(1, "function run() { return 100 }")
	e.RunTick(context.Background())
	assert.Equal(t, int64(500), gold(t, e, 1))
}

func TestRunFailureContained(t *testing.T) {
	cfg := testConfig()
	cfg.PassiveIncome = 10
	e, rec := newTestEngine(t, cfg, fixedRate(2),
		Account{ID: 1, Username: "loop", Gold: 100, Code: "function run() { while (true) {} }"},
		Account{ID: 2, Username: "thrower", Gold: 100, Code: "function run() { throw 1 }"},
		Account{ID: 3, Username: "ok", Gold: 100, Code: "function run() { return 10 }"},
	)
	e.RunTick(context.Background())

	assert.Equal(t, int64(110), gold(t, e, 1))
	assert.Equal(t, int64(110), gold(t, e, 2))
	assert.Equal(t, int64(120), gold(t, e, 3))
	require.NoError(t, e.LastError())

	require.Len(t, e.Participants(), 3)
	_, runErr := e.ScriptErrors(1)
	assert.Contains(t, runErr, "timed out")
	_, runErr = e.ScriptErrors(2)
	assert.NotEmpty(t, runErr)
	_, runErr = e.ScriptErrors(3)
	assert.Empty(t, runErr)
	assert.Contains(t, rec.names(1), EventRunError)
}

func TestStuckScriptDoesNotStallTick(t *testing.T) {
	cfg := testConfig()
	cfg.Sandbox.MemoryLimit = 0
	cfg.Sandbox.RunTimeout = 5 * time.Millisecond
	cfg.Sandbox.Grace = 5 * time.Millisecond
	e, _ := newTestEngine(t, cfg, fixedRate(2),
		Account{ID: 1, Username: "sorter", Gold: 100, Code: "function run() { var a = new Array(1e6); a.fill(0); a.sort(); return 1 }"},
		Account{ID: 2, Username: "ok", Gold: 100, Code: "function run() { return 10 }"},
	)
	stuck := e.participants[0].box
	t.Cleanup(func() {
		select {
		case <-stuck.Idle():
		case <-time.After(2 * time.Minute):
			t.Error("abandoned evaluation never returned")
		}
	})

	start := time.Now()
	e.RunTick(context.Background())
	e.RunTick(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	_, runErr := e.ScriptErrors(1)
	assert.Contains(t, runErr, "timed out")
	assert.ErrorIs(t, stuck.Failed(), sandbox.ErrTimeout)
	assert.Equal(t, int64(100), gold(t, e, 1))
	assert.Equal(t, int64(120), gold(t, e, 2))
}

func TestBalanceNeverNegative(t *testing.T) {
	sampler, err := market.NewSampler(market.DefaultBins, 42)
	require.NoError(t, err)
	e, _ := newTestEngine(t, testConfig(), sampler,
		Account{ID: 1, Username: "a", Gold: 3, Code: "function run() { return getGold() * 2 }"},
		Account{ID: 2, Username: "b", Gold: 0, Code: "function run() { return 1e12 }"},
		Account{ID: 3, Username: "c", Gold: 50, Code: "function run() { return Math.random() * 100 }"},
	)
	for range 50 {
		e.RunTick(context.Background())
		for _, id := range []int64{1, 2, 3} {
			assert.GreaterOrEqual(t, gold(t, e, id), int64(0))
		}
	}
}

func TestHistoryCaps(t *testing.T) {
	cfg := testConfig()
	cfg.PlayerHistory = 3
	cfg.GlobalHistory = 4
	e, _ := newTestEngine(t, cfg, fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 100, Code: "function run() { return 1 }"},
		Account{ID: 2, Username: "b", Gold: 100, Code: "function run() { return getMyHistory().length }"},
	)
	for range 10 {
		e.RunTick(context.Background())
		a, _ := e.Ledger().Get(1)
		assert.LessOrEqual(t, len(a.History), 3)
		assert.LessOrEqual(t, len(e.History()), 4)
	}
	hist := e.History()
	for i := 1; i < len(hist); i++ {
		assert.Greater(t, hist[i].ID, hist[i-1].ID)
	}
	assert.Equal(t, int64(10), hist[len(hist)-1].Tick)
}

func TestUpdateCodeReplacesSandbox(t *testing.T) {
	e, rec := newTestEngine(t, testConfig(), fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 100, Code: "var n = 0\nfunction run() { n++; console.log('old'); return n }"})
	e.RunTick(context.Background())
	e.RunTick(context.Background())
	assert.Equal(t, int64(100), gold(t, e, 1))

	e.mu.Lock()
	old := e.participants[0].box
	e.mu.Unlock()

	require.NoError(t, e.Ledger().SetCode(1, "function run() { console.log('new'); return typeof n === 'undefined' ? 7 : 0 }"))
	e.UpdateCode(1, "function run() { console.log('new'); return typeof n === 'undefined' ? 7 : 0 }")
	assert.True(t, old.Closed())
	rec.take()

	e.RunTick(context.Background())
	for _, ev := range rec.take() {
		if ev.Name == EventOutput {
			assert.Equal(t, "new", ev.Payload.(OutputEvent).Output)
		}
		if ev.Name == EventTick {
			require.NotNil(t, ev.Payload.(TickEvent).Investment)
			assert.Equal(t, int64(7), ev.Payload.(TickEvent).Investment.Amount)
		}
	}
	a, _ := e.Ledger().Get(1)
	assert.Len(t, a.History, 3)
}

func TestUpdateCodeMissingAccount(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 100, Code: "function run() { return 1 }"})
	e.Ledger().Delete(1)
	e.UpdateCode(1, "function run() { return 2 }")
	assert.Empty(t, e.Participants())
}

func TestAddRemoveIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 100, Code: "function run() { return 1 }"})

	e.AddParticipant(Account{ID: 1, Username: "a", Gold: 999, Code: "function run() { return 99 }"})
	views := e.Participants()
	require.Len(t, views, 1)
	assert.Equal(t, int64(100), views[0].Gold)

	e.RemoveParticipant(1)
	e.RemoveParticipant(1)
	assert.Empty(t, e.Participants())

	e.AddParticipant(Account{ID: 1, Username: "a", Gold: 100, Code: "function run() { return 1 }"})
	assert.Len(t, e.Participants(), 1)
}

func TestInsertionOrderPreserved(t *testing.T) {
	e, rec := newTestEngine(t, testConfig(), fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 1, Code: "function run() { return 0 }"},
		Account{ID: 2, Username: "b", Gold: 1, Code: "function run() { return 0 }"},
		Account{ID: 5, Username: "m", Gold: 1, Code: "function run() { return 0 }"},
		Account{ID: 9, Username: "z", Gold: 1, Code: "function run() { return 0 }"},
	)
	e.RemoveParticipant(5)
	e.AddParticipant(Account{ID: 5, Username: "m", Gold: 1, Code: "function run() { return 0 }"})
	e.RemoveParticipant(2)

	e.RunTick(context.Background())
	var order []int64
	for _, ev := range rec.take() {
		if ev.Name == EventTick {
			order = append(order, ev.UserID)
		}
	}
	assert.Equal(t, []int64{1, 9, 5}, order)
}

func TestDropsRemovedAccounts(t *testing.T) {
	e, rec := newTestEngine(t, testConfig(), fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 10, Code: "function run() { return 1 }"},
		Account{ID: 2, Username: "b", Gold: 10, Code: "function run() { return 1 }"},
	)
	e.Ledger().Delete(1)
	e.RunTick(context.Background())
	assert.Empty(t, rec.names(1))
	views := e.Participants()
	require.Len(t, views, 1)
	assert.Equal(t, int64(2), views[0].ID)
}

func TestLeaderboardSorted(t *testing.T) {
	e, rec := newTestEngine(t, testConfig(), fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 5, Code: ""},
		Account{ID: 2, Username: "b", Gold: 50, Code: ""},
		Account{ID: 3, Username: "c", Gold: 5, Code: ""},
	)
	e.RunTick(context.Background())
	evs := rec.take()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, EventAllParticipants, last.Name)
	assert.Equal(t, []PublicUser{
		{ID: 2, Username: "b", Gold: 50},
		{ID: 1, Username: "a", Gold: 5},
		{ID: 3, Username: "c", Gold: 5},
	}, last.Payload)
}

func TestTickFailureRecorded(t *testing.T) {
	e, rec := newTestEngine(t, testConfig(), panicRate{},
		Account{ID: 1, Username: "a", Gold: 10, Code: "function run() { return 1 }"})
	e.RunTick(context.Background())

	require.Error(t, e.LastError())
	assert.Contains(t, e.LastError().Error(), "sampler exploded")
	assert.Equal(t, int64(2), e.Tick())
	assert.Equal(t, []string{EventAllParticipants}, rec.names(0))
}

func TestInvestmentIDsContinueFromSnapshot(t *testing.T) {
	hist := []market.Investment{{ID: 41, UserID: 1, Amount: 1, Tick: 3}}
	e, _ := newTestEngine(t, testConfig(), fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 10, Code: "function run() { return 1 }", History: hist})
	e.RunTick(context.Background())
	h := e.History()
	require.Len(t, h, 1)
	assert.Equal(t, int64(42), h[0].ID)
}

func TestScriptSeesHistoryAndTick(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 100, Code: "function run() { return getTick() * 10 + getAllHistory().length }"},
		Account{ID: 2, Username: "b", Gold: 100, Code: "function run() { return 1 }"},
	)
	e.RunTick(context.Background())
	e.RunTick(context.Background())
	a, _ := e.Ledger().Get(1)
	require.Len(t, a.History, 2)
	assert.Equal(t, int64(10), a.History[0].Amount)
	// tick 2 sees its own and b's tick-1 investments
	assert.Equal(t, int64(22), a.History[1].Amount)
}

func TestLoopAndDispose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &memStore{}
	cfg := testConfig()
	cfg.PersistEvery = 2
	snap := snapshotWith(Account{ID: 1, Username: "a", Gold: 100, Code: "function run() { return 1 }"})
	e := NewEngine(cfg, snap, nil, store, nil, fixedRate(1), nil)

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Start(context.Background()))
	assert.Eventually(t, func() bool { return e.Tick() >= 6 }, 2*time.Second, time.Millisecond)
	assert.True(t, e.Status().Running)
	assert.GreaterOrEqual(t, store.count(), 1)

	require.NoError(t, e.Dispose(context.Background()))
	require.NoError(t, e.Dispose(context.Background()))
	final := e.Tick()
	time.Sleep(4 * cfg.TickEvery)
	assert.Equal(t, final, e.Tick())
	assert.False(t, e.Status().Running)
	assert.ErrorIs(t, e.Start(context.Background()), ErrDisposed)

	last, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, final, last.Tick)
	assert.Len(t, last.Accounts, 1)
}

func TestNoSandboxAfterDispose(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 100, Code: "function run() { return 1 }"})
	require.NoError(t, e.Dispose(context.Background()))
	old := e.participants[0].box

	e.AddParticipant(Account{ID: 2, Username: "late", Gold: 100, Code: "function run() { return 2 }"})
	e.UpdateCode(1, "function run() { return 3 }")

	require.Len(t, e.Participants(), 1)
	assert.Same(t, old, e.participants[0].box)
	_, ok := old.Invoke(context.Background(), sandbox.Env{Gold: 100})
	assert.False(t, ok)
}

func TestLoopSurvivesContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e, _ := newTestEngine(t, testConfig(), fixedRate(1))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	cancel()
	require.NoError(t, e.Dispose(context.Background()))
}

func TestFlushFailureNotFatal(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	snap := snapshotWith(Account{ID: 1, Username: "a", Gold: 100, Code: ""})
	e := NewEngine(testConfig(), snap, nil, store, nil, fixedRate(1), nil)

	err := e.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	e.RunTick(context.Background())
	assert.Equal(t, int64(2), e.Tick())
	assert.Error(t, e.Dispose(context.Background()))
}

func TestDisposeClosesSandboxes(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 100, Code: "function run() { return 1 }"})
	e.mu.Lock()
	box := e.participants[0].box
	e.mu.Unlock()
	require.NoError(t, e.Dispose(context.Background()))
	assert.True(t, box.Closed())
}

func TestMaxInvestCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInvest = 30
	e, _ := newTestEngine(t, cfg, fixedRate(2),
		Account{ID: 1, Username: "a", Gold: 100, Code: "function run() { return 100 }"})
	e.RunTick(context.Background())
	assert.Equal(t, int64(130), gold(t, e, 1))
}

func TestSandboxOptionsApplied(t *testing.T) {
	cfg := testConfig()
	cfg.Sandbox = sandbox.Options{RunTimeout: 10 * time.Millisecond, OutputLimit: 3}
	e, rec := newTestEngine(t, cfg, fixedRate(1),
		Account{ID: 1, Username: "a", Gold: 100, Code: "function run() { console.log('abcdef'); return 1 }"})
	e.RunTick(context.Background())
	for _, ev := range rec.take() {
		if ev.Name == EventOutput {
			assert.Equal(t, "abc", ev.Payload.(OutputEvent).Output)
		}
	}
}
