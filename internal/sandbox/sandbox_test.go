package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"goldrun/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RunTimeout = 50 * time.Millisecond
	return opts
}

func invoke(t *testing.T, code string, env Env) (*Handle, Decision, bool) {
	t.Helper()
	h := New(code, testOptions(), env)
	t.Cleanup(h.Close)
	d, ok := h.Invoke(context.Background(), env)
	return h, d, ok
}

func TestInvokeClampsAmount(t *testing.T) {
	cases := []struct {
		name string
		code string
		env  Env
		want int64
	}{
		{"plain", "function run() { return 40 }", Env{Gold: 100}, 40},
		{"fraction floors", "function run() { return 12.9 }", Env{Gold: 100}, 12},
		{"over balance", "function run() { return 1e9 }", Env{Gold: 75}, 75},
		{"negative", "function run() { return -5 }", Env{Gold: 100}, 0},
		{"nan", "function run() { return 'abc' }", Env{Gold: 100}, 0},
		{"numeric string", "function run() { return '30' }", Env{Gold: 100}, 30},
		{"undefined", "function run() {}", Env{Gold: 100}, 0},
		{"max invest", "function run() { return getGold() }", Env{Gold: 500, MaxInvest: 200}, 200},
		{"reads gold", "function run() { return getGold() / 2 }", Env{Gold: 90}, 45},
		{"infinity", "function run() { return Infinity }", Env{Gold: 10}, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, d, ok := invoke(t, tc.code, tc.env)
			require.True(t, ok, "run error: %v", h.RunError())
			assert.Equal(t, tc.want, d.Amount)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"syntax":       "function run( {",
		"no run":       "var x = 1",
		"run not func": "var run = 5",
		"throws":       "throw new Error('boom')",
	}
	for name, code := range cases {
		t.Run(name, func(t *testing.T) {
			h, _, ok := invoke(t, code, Env{Gold: 100})
			assert.False(t, ok)
			require.Error(t, h.LoadError())
			assert.NoError(t, h.RunError())
		})
	}

	h, _, _ := invoke(t, "var run = 5", Env{Gold: 100})
	assert.ErrorIs(t, h.LoadError(), ErrNoRun)
}

func TestLoadTimeout(t *testing.T) {
	opts := testOptions()
	opts.LoadTimeout = 30 * time.Millisecond
	h := New("while (true) {}\nfunction run() { return 1 }", opts, Env{Gold: 10})
	defer h.Close()
	assert.ErrorIs(t, h.LoadError(), ErrTimeout)
}

func TestRunTimeout(t *testing.T) {
	h, _, ok := invoke(t, "function run() { while (true) {} }", Env{Gold: 10})
	assert.False(t, ok)
	assert.ErrorIs(t, h.RunError(), ErrTimeout)

	// the runtime stays usable after an interrupt
	d, ok := h.Invoke(context.Background(), Env{Gold: 10})
	assert.False(t, ok)
	assert.Zero(t, d.Amount)
	assert.ErrorIs(t, h.RunError(), ErrTimeout)
}

func TestRecoversAfterTimeout(t *testing.T) {
	code := `
var calls = 0
function run() {
  calls++
  if (calls === 1) { while (true) {} }
  return calls
}`
	h, _, ok := invoke(t, code, Env{Gold: 10})
	require.False(t, ok)

	d, ok := h.Invoke(context.Background(), Env{Gold: 10})
	require.True(t, ok, "run error: %v", h.RunError())
	assert.Equal(t, int64(2), d.Amount)
}

func TestRunThrows(t *testing.T) {
	h, _, ok := invoke(t, "function run() { throw new Error('nope') }", Env{Gold: 10})
	assert.False(t, ok)
	require.Error(t, h.RunError())
	assert.Contains(t, h.RunError().Error(), "nope")
}

func TestContextCancel(t *testing.T) {
	opts := testOptions()
	opts.RunTimeout = time.Second
	h := New("function run() { while (true) {} }", opts, Env{Gold: 10})
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := h.Invoke(ctx, Env{Gold: 10})
	assert.False(t, ok)
	assert.ErrorIs(t, h.RunError(), context.DeadlineExceeded)
}

func TestPromises(t *testing.T) {
	h, d, ok := invoke(t, "async function run() { return 7 }", Env{Gold: 10})
	require.True(t, ok, "run error: %v", h.RunError())
	assert.Equal(t, int64(7), d.Amount)

	h, _, ok = invoke(t, "async function run() { throw new Error('rejected') }", Env{Gold: 10})
	assert.False(t, ok)
	assert.Contains(t, h.RunError().Error(), "rejected")

	h, _, ok = invoke(t, "function run() { return new Promise(function () {}) }", Env{Gold: 10})
	assert.False(t, ok)
	assert.ErrorIs(t, h.RunError(), ErrPending)
}

func TestConsoleOutput(t *testing.T) {
	code := `
console.log('loaded')
function run() {
  console.log('tick', getTick(), {a: 1})
  console.log(null, undefined, [1, 2])
  return 0
}`
	h, _, ok := invoke(t, code, Env{Tick: 4, Gold: 10})
	require.True(t, ok)
	assert.Equal(t, "tick 4 {\"a\":1}\nnull undefined [1,2]", h.Output())

	// output is per invocation
	_, ok = h.Invoke(context.Background(), Env{Tick: 5, Gold: 10})
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(h.Output(), "tick 5"))
}

func TestConsoleOutputCapped(t *testing.T) {
	opts := testOptions()
	opts.OutputLimit = 10
	h := New("function run() { console.log('0123456789abcdef'); return 1 }", opts, Env{Gold: 10})
	defer h.Close()
	_, ok := h.Invoke(context.Background(), Env{Gold: 10})
	require.True(t, ok)
	assert.Equal(t, "0123456789", h.Output())
}

func TestConsoleCircular(t *testing.T) {
	h, _, ok := invoke(t, "function run() { var a = {}; a.self = a; console.log(a); return 1 }", Env{Gold: 10})
	require.True(t, ok, "run error: %v", h.RunError())
	assert.Equal(t, "[object Object]", h.Output())
}

func TestOutputKeptOnFailure(t *testing.T) {
	h, _, ok := invoke(t, "function run() { console.log('before'); throw new Error('x') }", Env{Gold: 10})
	assert.False(t, ok)
	assert.Equal(t, "before", h.Output())
}

func TestHistoryIsCopied(t *testing.T) {
	hist := []market.Investment{{ID: 1, UserID: 2, Amount: 10, Profit: 12, Tick: 3}}
	env := Env{Gold: 100, History: hist, AllHistory: hist}
	code := `
function run() {
  var mine = getMyHistory()
  mine[0].amount = 999
  mine.push({})
  var again = getMyHistory()
  return again.length * 10 + again[0].amount + getAllHistory()[0].profit
}`
	h, d, ok := invoke(t, code, env)
	require.True(t, ok, "run error: %v", h.RunError())
	assert.Equal(t, int64(10+10+12), d.Amount)
	assert.Equal(t, int64(10), hist[0].Amount)
}

func TestScriptCannotReplaceCoercion(t *testing.T) {
	code := `
Number = function () { return 99 }
JSON.stringify = function () { return 'hijacked' }
function run() { console.log({b: 2}); return 5 }`
	h, d, ok := invoke(t, code, Env{Gold: 100})
	require.True(t, ok, "run error: %v", h.RunError())
	assert.Equal(t, int64(5), d.Amount)
	assert.Equal(t, "{\"b\":2}", h.Output())
}

func TestGlobalState(t *testing.T) {
	code := `
global.n = 0
function run() { global.n += 1; return global.n }`
	h, d, ok := invoke(t, code, Env{Gold: 100})
	require.True(t, ok)
	assert.Equal(t, int64(1), d.Amount)
	d, ok = h.Invoke(context.Background(), Env{Gold: 100})
	require.True(t, ok)
	assert.Equal(t, int64(2), d.Amount)
}

func TestRunRebindable(t *testing.T) {
	code := `
function run() {
  run = function () { return 3 }
  return 1
}`
	h, d, ok := invoke(t, code, Env{Gold: 100})
	require.True(t, ok)
	assert.Equal(t, int64(1), d.Amount)
	d, ok = h.Invoke(context.Background(), Env{Gold: 100})
	require.True(t, ok)
	assert.Equal(t, int64(3), d.Amount)

	h, _, ok = invoke(t, "function run() { run = 1; return 1 }", Env{Gold: 100})
	require.True(t, ok)
	_, ok = h.Invoke(context.Background(), Env{Gold: 100})
	assert.False(t, ok)
	assert.ErrorIs(t, h.RunError(), ErrNoRun)
}

func TestStackOverflow(t *testing.T) {
	h, _, ok := invoke(t, "function f() { return f() }\nfunction run() { return f() }", Env{Gold: 100})
	assert.False(t, ok)
	assert.Error(t, h.RunError())
}

func TestMemoryLimit(t *testing.T) {
	opts := testOptions()
	opts.MemoryLimit = 8 << 20
	opts.RunTimeout = 5 * time.Second
	code := `
function run() {
  var keep = []
  while (true) { keep.push(new Array(1024).fill(1)) }
}`
	h := New(code, opts, Env{Gold: 10})
	defer h.Close()
	_, ok := h.Invoke(context.Background(), Env{Gold: 10})
	assert.False(t, ok)
	assert.ErrorIs(t, h.RunError(), ErrMemoryLimit)
}

func TestRetainedHeapDisablesHandle(t *testing.T) {
	opts := testOptions()
	opts.MemoryLimit = 8 << 20
	opts.RunTimeout = time.Second
	code := `
var keep = []
function run() {
  for (var i = 0; i < 20; i++) keep.push(new Array(1024).fill(1))
  return 0
}`
	h := New(code, opts, Env{Gold: 10})
	defer h.Close()
	require.NoError(t, h.LoadError())

	for i := 0; i < 400 && h.Failed() == nil; i++ {
		h.Invoke(context.Background(), Env{Gold: 10})
	}
	require.ErrorIs(t, h.Failed(), ErrMemoryLimit)

	_, ok := h.Invoke(context.Background(), Env{Gold: 10})
	assert.False(t, ok)
	assert.ErrorIs(t, h.RunError(), ErrMemoryLimit)
}

func TestGarbageIsNotRetained(t *testing.T) {
	opts := testOptions()
	opts.MemoryLimit = 8 << 20
	opts.RunTimeout = time.Second
	code := `
function run() {
  var tmp = []
  for (var i = 0; i < 20; i++) tmp.push(new Array(1024).fill(1))
  return tmp.length
}`
	h := New(code, opts, Env{Gold: 100})
	defer h.Close()

	for i := 0; i < 400; i++ {
		d, ok := h.Invoke(context.Background(), Env{Gold: 100})
		require.True(t, ok, "call %d: %v", i, h.RunError())
		require.Equal(t, int64(20), d.Amount)
	}
	assert.NoError(t, h.Failed())
}

const nativeSort = "var a = new Array(1e6); a.fill(0); a.sort()"

func waitIdle(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Idle():
	case <-time.After(2 * time.Minute):
		t.Fatal("abandoned evaluation never returned")
	}
}

func TestStuckNativeCallDisablesHandle(t *testing.T) {
	opts := testOptions()
	opts.MemoryLimit = 0
	opts.RunTimeout = 5 * time.Millisecond
	opts.Grace = 5 * time.Millisecond
	h := New("function run() { "+nativeSort+"; return 1 }", opts, Env{Gold: 10})
	defer waitIdle(t, h)
	defer h.Close()
	require.NoError(t, h.LoadError())

	start := time.Now()
	_, ok := h.Invoke(context.Background(), Env{Gold: 10})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.ErrorIs(t, h.RunError(), ErrTimeout)
	assert.ErrorIs(t, h.Failed(), ErrTimeout)

	start = time.Now()
	_, ok = h.Invoke(context.Background(), Env{Gold: 10})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.ErrorIs(t, h.RunError(), ErrTimeout)
}

func TestStuckNativeCallDuringLoad(t *testing.T) {
	opts := testOptions()
	opts.MemoryLimit = 0
	opts.LoadTimeout = 5 * time.Millisecond
	opts.Grace = 5 * time.Millisecond

	start := time.Now()
	h := New(nativeSort+"\nfunction run() { return 1 }", opts, Env{Gold: 10})
	defer waitIdle(t, h)
	defer h.Close()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.ErrorIs(t, h.LoadError(), ErrTimeout)

	_, ok := h.Invoke(context.Background(), Env{Gold: 10})
	assert.False(t, ok)
}

func TestIdleWithoutAbandonedWork(t *testing.T) {
	h := New("function run() { return 1 }", testOptions(), Env{Gold: 10})
	defer h.Close()
	select {
	case <-h.Idle():
	default:
		t.Fatal("handle reported running work")
	}
}

func TestClose(t *testing.T) {
	h := New("function run() { return 1 }", testOptions(), Env{Gold: 10})
	h.Close()
	h.Close()
	assert.True(t, h.Closed())
	d, ok := h.Invoke(context.Background(), Env{Gold: 10})
	assert.False(t, ok)
	assert.Zero(t, d.Amount)
}

func TestClampInvest(t *testing.T) {
	assert.Equal(t, int64(0), clampInvest(5, 0, 0))
	assert.Equal(t, int64(0), clampInvest(5, -3, 0))
	assert.Equal(t, int64(5), clampInvest(5.99, 10, 0))
	assert.Equal(t, int64(10), clampInvest(10, 10, 0))
	assert.Equal(t, int64(4), clampInvest(9, 10, 4))
}
