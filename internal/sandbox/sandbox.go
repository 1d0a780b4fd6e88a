// Package sandbox runs untrusted player scripts in isolated goja runtimes.
//
// Each Handle owns one runtime bound to one script. The script sees a fixed
// host API (getTick, getGold, getMyHistory, getAllHistory, console) and must
// define a zero-argument run() whose result is the amount of gold to invest.
// Every evaluation runs under a wall-clock deadline and a heap watchdog; both
// interrupt the runtime forcefully. A runtime that ignores the interrupt, or a
// script that keeps more heap than allowed across calls, disables its handle.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"goldrun/internal/market"

	"github.com/dop251/goja"
)

var (
	ErrTimeout     = errors.New("script timed out")
	ErrMemoryLimit = errors.New("script exceeded memory limit")
	ErrNoRun       = errors.New("run is not defined or is not a function")
	ErrPending     = errors.New("run returned a promise that did not settle")
	ErrClosed      = errors.New("sandbox closed")
)

const scriptName = "player.js"

// confirmBackoff is how many evaluations pass before a retained-heap estimate
// above the limit is checked against a collected heap again.
const confirmBackoff = 32

// openFootprint sums the heap each open handle took to build and load.
var openFootprint atomic.Int64

var idle = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

type Options struct {
	// MemoryLimit bounds heap growth in bytes, both within one evaluation and
	// retained by the script across all of them. Zero disables both checks.
	MemoryLimit uint64
	RunTimeout  time.Duration
	LoadTimeout time.Duration
	// Grace is how long past a deadline an interrupted evaluation may take to
	// return before its runtime is given up for good.
	Grace        time.Duration
	OutputLimit  int
	MaxCallStack int
}

func DefaultOptions() Options {
	return Options{
		MemoryLimit:  32 << 20,
		RunTimeout:   20 * time.Millisecond,
		LoadTimeout:  500 * time.Millisecond,
		Grace:        50 * time.Millisecond,
		OutputLimit:  100_000,
		MaxCallStack: 2048,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RunTimeout <= 0 {
		o.RunTimeout = def.RunTimeout
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = def.LoadTimeout
	}
	if o.Grace <= 0 {
		o.Grace = def.Grace
	}
	if o.OutputLimit <= 0 {
		o.OutputLimit = def.OutputLimit
	}
	if o.MaxCallStack <= 0 {
		o.MaxCallStack = def.MaxCallStack
	}
	return o
}

// Env is what the host API exposes to the script during one evaluation.
type Env struct {
	Tick       int64
	Gold       int64
	MaxInvest  int64
	History    []market.Investment
	AllHistory []market.Investment
}

// Decision is the clamped amount a successful run() asked to invest.
type Decision struct {
	Amount int64
}

type Handle struct {
	opts Options

	mu        sync.Mutex
	vm        *goja.Runtime
	number    goja.Callable
	stringify goja.Callable
	env       Env
	out       *outputBuffer
	loadErr   error
	runErr    error
	failed    error
	output    string
	closed    bool
	// stuck is closed when an abandoned evaluation finally returns.
	stuck chan struct{}

	baseHeap    uint64
	othersAtNew int64
	footprint   int64
	retained    uint64
	evals       int
	nextConfirm int
}

// New builds a runtime, installs the host API and evaluates code once.
// A failed evaluation is recorded as the load error; the handle stays usable
// but every Invoke is a no-op.
func New(code string, opts Options, env Env) *Handle {
	opts = opts.withDefaults()
	h := &Handle{
		opts:        opts,
		env:         env,
		out:         newOutputBuffer(opts.OutputLimit),
		baseHeap:    heapBytes(),
		othersAtNew: openFootprint.Load(),
	}
	h.vm = goja.New()
	h.vm.SetMaxCallStackSize(opts.MaxCallStack)
	if err := h.install(); err != nil {
		h.loadErr = fmt.Errorf("install host api: %w", err)
		return h
	}
	h.load(code)
	if h.vm == nil {
		return h
	}
	h.retained = max(h.retained, growth(h.baseHeap, heapBytes()))
	h.footprint = int64(h.retained)
	openFootprint.Add(h.footprint)
	h.checkRetained()
	if h.failed != nil && h.loadErr == nil {
		h.loadErr = h.failed
	}
	return h
}

func (h *Handle) load(code string) {
	prog, err := goja.Compile(scriptName, code, false)
	if err != nil {
		h.loadErr = err
		return
	}
	err = h.evaluate(context.Background(), h.opts.LoadTimeout, func(vm *goja.Runtime) error {
		_, err := vm.RunProgram(prog)
		return err
	})
	if err != nil {
		h.loadErr = err
		return
	}
	if _, ok := goja.AssertFunction(h.vm.Get("run")); !ok {
		h.loadErr = ErrNoRun
	}
}

// Invoke calls run() once. The bool is false when no investment was made,
// either because the script cannot run (LoadError) or because this call failed
// (RunError). A handle disabled by a stuck runtime or by retained memory fails
// every call with the same error.
func (h *Handle) Invoke(ctx context.Context, env Env) (Decision, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.runErr = nil
	h.output = ""
	h.out.reset()
	if h.closed || h.loadErr != nil {
		return Decision{}, false
	}
	if h.failed != nil {
		h.runErr = h.failed
		return Decision{}, false
	}
	h.env = env

	var amount int64
	number := h.number
	err := h.evaluate(ctx, h.opts.RunTimeout, func(vm *goja.Runtime) error {
		run, ok := goja.AssertFunction(vm.Get("run"))
		if !ok {
			return ErrNoRun
		}
		v, err := run(goja.Undefined())
		if err != nil {
			return err
		}
		v, err = settle(v)
		if err != nil {
			return err
		}
		n, err := number(goja.Undefined(), v)
		if err != nil {
			return err
		}
		amount = clampInvest(n.ToFloat(), env.Gold, env.MaxInvest)
		return nil
	})
	h.output = h.out.String()
	if err != nil {
		h.runErr = err
		return Decision{}, false
	}
	return Decision{Amount: amount}, true
}

// evaluate runs fn under guard on its own goroutine. Native built-ins such as
// Array.prototype.sort never observe an interrupt, so if fn has not returned
// by timeout plus Grace the handle is disabled and the goroutine left to
// finish on its own.
func (h *Handle) evaluate(ctx context.Context, timeout time.Duration, fn func(*goja.Runtime) error) error {
	vm, limit := h.vm, h.opts.MemoryLimit
	before := heapBytes()

	var err error
	done := make(chan struct{})
	go func() {
		defer close(done)
		err = guard(ctx, vm, timeout, limit, fn)
	}()

	wait := time.NewTimer(timeout + h.opts.Grace)
	defer wait.Stop()
	select {
	case <-done:
	case <-wait.C:
		h.stuck = done
		h.disable(fmt.Errorf("%w: runtime did not stop after interrupt", ErrTimeout))
		return h.failed
	}

	h.account(before)
	if h.failed != nil {
		return h.failed
	}
	return err
}

// account adds the heap growth of one evaluation to the retained total.
// Garbage counts too until checkRetained measures a collected heap.
func (h *Handle) account(before uint64) {
	after := heapBytes()
	if after >= before {
		h.retained += after - before
	} else {
		h.retained -= min(h.retained, before-after)
	}
	h.evals++
	h.checkRetained()
}

// checkRetained confirms a retained total above MemoryLimit after a full
// collection. Growth since this handle was built, less the footprint of
// handles opened since, bounds what the script can still be holding.
func (h *Handle) checkRetained() {
	if h.opts.MemoryLimit == 0 || h.retained <= h.opts.MemoryLimit || h.evals < h.nextConfirm {
		return
	}
	runtime.GC()
	others := openFootprint.Load() - h.footprint - h.othersAtNew
	live := int64(heapBytes()) - int64(h.baseHeap) - others
	h.retained = min(h.retained, uint64(max(live, 0)))
	if h.retained > h.opts.MemoryLimit {
		h.disable(ErrMemoryLimit)
		return
	}
	h.nextConfirm = h.evals + confirmBackoff
}

// disable fails the handle for good and drops its runtime.
func (h *Handle) disable(err error) {
	if h.failed == nil {
		h.failed = err
	}
	h.release()
}

func (h *Handle) release() {
	h.vm = nil
	openFootprint.Add(-h.footprint)
	h.footprint = 0
}

func growth(before, after uint64) uint64 {
	if after <= before {
		return 0
	}
	return after - before
}

// guard runs fn with a watchdog that interrupts vm on deadline, heap growth
// past limit, or ctx cancellation. The watchdog is always joined before guard
// returns.
func guard(ctx context.Context, vm *goja.Runtime, timeout time.Duration, limit uint64, fn func(*goja.Runtime) error) (err error) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watch(ctx, vm, timeout, limit, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
		vm.ClearInterrupt()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panic: %v", r)
		}
	}()
	return unwrapInterrupt(fn(vm))
}

func watch(ctx context.Context, vm *goja.Runtime, timeout time.Duration, limit uint64, done <-chan struct{}) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var poll <-chan time.Time
	var base uint64
	if limit > 0 {
		ticker := time.NewTicker(memoryPollEvery)
		defer ticker.Stop()
		poll = ticker.C
		base = heapBytes()
	}
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
			return
		case <-timer.C:
			vm.Interrupt(ErrTimeout)
			return
		case <-poll:
			if heapBytes() > base+limit {
				vm.Interrupt(ErrMemoryLimit)
				return
			}
		}
	}
}

func unwrapInterrupt(err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if cause, ok := ie.Value().(error); ok {
			return cause
		}
		return fmt.Errorf("script interrupted: %v", ie.Value())
	}
	return err
}

func settle(v goja.Value) (goja.Value, error) {
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() != "Promise" {
		return v, nil
	}
	p, ok := obj.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("run rejected: %s", p.Result().String())
	default:
		return nil, ErrPending
	}
}

func clampInvest(n float64, gold, maxInvest int64) int64 {
	if math.IsNaN(n) || n <= 0 {
		return 0
	}
	limit := gold
	if maxInvest > 0 && maxInvest < limit {
		limit = maxInvest
	}
	if limit <= 0 {
		return 0
	}
	if n >= float64(limit) {
		return limit
	}
	return int64(math.Floor(n))
}

func (h *Handle) LoadError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadErr
}

func (h *Handle) RunError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runErr
}

// Output is the console output captured by the last Invoke.
func (h *Handle) Output() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output
}

// Failed is the error that disabled the handle for good, if any.
func (h *Handle) Failed() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed
}

// Idle is closed once no evaluation started by h is still running.
func (h *Handle) Idle() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stuck != nil {
		return h.stuck
	}
	return idle
}

// Close releases the runtime. It is safe to call more than once.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.release()
	h.out.reset()
	h.output = ""
}

func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
