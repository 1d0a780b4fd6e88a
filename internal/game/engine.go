package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"goldrun/internal/market"
	"goldrun/internal/sandbox"
)

const (
	EventCodeError       = "codeError"
	EventRunError        = "runError"
	EventOutput          = "output"
	EventTick            = "tick"
	EventAllParticipants = "allParticipants"
)

var ErrDisposed = errors.New("engine disposed")

type RateSource interface {
	Rate() float64
}

type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// Broadcaster delivers engine events. Implementations must not block.
type Broadcaster interface {
	Emit(userID int64, event string, payload any)
	Broadcast(event string, payload any)
}

type Config struct {
	TickEvery           time.Duration
	Sandbox             sandbox.Options
	MaxInvest           int64
	PassiveIncome       int64
	PassiveCeiling      int64
	PlayerHistory       int
	GlobalHistory       int
	PersistEvery        int
	CollaboratorTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickEvery:           time.Second,
		Sandbox:             sandbox.DefaultOptions(),
		PassiveIncome:       10,
		PassiveCeiling:      1000,
		PlayerHistory:       100,
		GlobalHistory:       100,
		PersistEvery:        60,
		CollaboratorTimeout: 2 * time.Second,
	}
}

type TickEvent struct {
	Tick       int64              `json:"tick"`
	Investment *market.Investment `json:"investment"`
	Gold       int64              `json:"gold"`
}

type ErrorEvent struct {
	Tick  int64  `json:"tick"`
	Error string `json:"error"`
}

type OutputEvent struct {
	Tick   int64  `json:"tick"`
	Output string `json:"output"`
}

type Participant struct {
	ID      int64
	Code    string
	Gold    int64
	History []market.Investment

	box *sandbox.Handle
}

// ParticipantView is the public row for one participant. Script errors are
// private to their owner; see ScriptErrors.
type ParticipantView struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Gold     int64  `json:"gold"`
}

type Status struct {
	Tick         int64   `json:"tick"`
	Participants int     `json:"participants"`
	LastRate     float64 `json:"lastRate"`
	LastError    string  `json:"lastError,omitempty"`
	Running      bool    `json:"running"`
}

type Engine struct {
	cfg    Config
	log    *slog.Logger
	ledger *Ledger
	store  Store
	push   Broadcaster
	rates  RateSource

	mu           sync.Mutex
	tick         int64
	participants []*Participant
	history      []market.Investment
	nextInvestID int64
	lastRate     float64
	lastErr      error
	sincePersist int
	// closed is set by Dispose; no sandbox is built after it.
	closed bool

	flushMu sync.Mutex

	loopMu   sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	disposed bool
}

// NewEngine restores an engine from snap. Participants are created for every
// ledger account in id order.
func NewEngine(cfg Config, snap Snapshot, ledger *Ledger, store Store, push Broadcaster, rates RateSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if push == nil {
		push = nopBroadcaster{}
	}
	if ledger == nil {
		ledger = NewLedger(snap.Accounts, snap.LastAccountID)
	}
	if snap.Tick <= 0 {
		snap.Tick = 1
	}
	e := &Engine{
		cfg:      cfg,
		log:      logger,
		ledger:   ledger,
		store:    store,
		push:     push,
		rates:    rates,
		tick:     snap.Tick,
		history:  market.TrimTail(append([]market.Investment(nil), snap.History...), cfg.GlobalHistory),
		lastRate: market.NeutralRate,
	}
	for _, inv := range snap.History {
		e.nextInvestID = max(e.nextInvestID, inv.ID)
	}
	for _, id := range ledger.IDs() {
		a, ok := ledger.Get(id)
		if !ok {
			continue
		}
		for _, inv := range a.History {
			e.nextInvestID = max(e.nextInvestID, inv.ID)
		}
		e.participants = append(e.participants, e.newParticipant(a))
	}
	participantsGauge.Set(float64(len(e.participants)))
	tickGauge.Set(float64(e.tick))
	return e
}

func (e *Engine) newParticipant(a Account) *Participant {
	p := &Participant{
		ID:      a.ID,
		Code:    a.Code,
		Gold:    a.Gold,
		History: market.TrimTail(a.History, e.cfg.PlayerHistory),
	}
	if !blankCode(p.Code) {
		p.box = sandbox.New(p.Code, e.cfg.Sandbox, e.env(p))
		if err := p.box.LoadError(); err != nil {
			sandboxErrors.WithLabelValues("load").Inc()
			e.log.Debug("script load failed", "user_id", p.ID, "err", err)
		}
	}
	return p
}

func (e *Engine) env(p *Participant) sandbox.Env {
	return sandbox.Env{
		Tick:       e.tick,
		Gold:       p.Gold,
		MaxInvest:  e.cfg.MaxInvest,
		History:    p.History,
		AllHistory: e.history,
	}
}

// RunTick advances the simulation by one tick. Failures inside the tick are
// recorded as LastError; the tick counter advances regardless.
func (e *Engine) RunTick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	processed := e.tick
	e.log.Debug("tick start", "tick", processed)

	err := e.safely(func() error { return e.step(ctx) })
	e.tick++
	if lbErr := e.safely(e.broadcastLeaderboard); lbErr != nil && err == nil {
		err = lbErr
	}
	e.lastErr = err
	if err != nil {
		tickFailures.Inc()
		e.log.Error("tick failed", "tick", processed, "err", err)
	}
	e.sincePersist++

	ticksTotal.Inc()
	tickDuration.Observe(time.Since(start).Seconds())
	tickGauge.Set(float64(e.tick))
	participantsGauge.Set(float64(len(e.participants)))
}

func (e *Engine) safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

func (e *Engine) step(ctx context.Context) error {
	rate := market.NeutralRate
	if e.rates != nil {
		rate = e.rates.Rate()
	}
	e.lastRate = rate
	returnRate.Set(rate)

	kept := make([]*Participant, 0, len(e.participants))
	var dropped []*Participant
	for _, p := range e.participants {
		if !e.ledger.Exists(p.ID) {
			dropped = append(dropped, p)
			continue
		}
		kept = append(kept, p)
		e.advance(ctx, p, rate)
	}
	e.participants = kept
	for _, p := range dropped {
		e.closeParticipant(p)
		e.log.Info("participant dropped", "user_id", p.ID)
	}

	e.history = market.TrimTail(e.history, e.cfg.GlobalHistory)
	return nil
}

func (e *Engine) advance(ctx context.Context, p *Participant, rate float64) {
	if p.Gold < e.cfg.PassiveCeiling {
		p.Gold += e.cfg.PassiveIncome
	}
	if blankCode(p.Code) {
		e.ledger.SetGold(p.ID, p.Gold)
		return
	}

	eventTick := e.tick + 1
	if err := p.box.LoadError(); err != nil {
		e.push.Emit(p.ID, EventCodeError, ErrorEvent{Tick: eventTick, Error: err.Error()})
	}

	var inv *market.Investment
	decision, ok := p.box.Invoke(ctx, e.env(p))
	if ok {
		profit := market.Profit(decision.Amount, rate)
		p.Gold = addClamped(p.Gold-decision.Amount, profit)
		e.nextInvestID++
		rec := market.Investment{
			ID:     e.nextInvestID,
			UserID: p.ID,
			Amount: decision.Amount,
			Profit: profit,
			Tick:   e.tick,
		}
		p.History = market.TrimTail(append(p.History, rec), e.cfg.PlayerHistory)
		e.history = append(e.history, rec)
		e.ledger.Settle(p.ID, p.Gold, p.History)
		inv = &rec

		investmentsTotal.Inc()
		investedGold.Add(float64(decision.Amount))
		e.log.Debug("investment", "tick", e.tick, "user_id", p.ID, "amount", rec.Amount, "profit", rec.Profit)
	} else {
		e.ledger.SetGold(p.ID, p.Gold)
	}

	if out := p.box.Output(); out != "" {
		e.push.Emit(p.ID, EventOutput, OutputEvent{Tick: eventTick, Output: out})
	}
	if err := p.box.RunError(); err != nil {
		sandboxErrors.WithLabelValues(sandboxErrorKind(err)).Inc()
		e.push.Emit(p.ID, EventRunError, ErrorEvent{Tick: eventTick, Error: err.Error()})
	}
	e.push.Emit(p.ID, EventTick, TickEvent{Tick: eventTick, Investment: inv, Gold: p.Gold})
}

func addClamped(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func sandboxErrorKind(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return "timeout"
	case errors.Is(err, sandbox.ErrMemoryLimit):
		return "memory"
	case errors.Is(err, sandbox.ErrNoRun):
		return "no_run"
	default:
		return "exception"
	}
}

func (e *Engine) broadcastLeaderboard() error {
	e.push.Broadcast(EventAllParticipants, e.leaderboard())
	return nil
}

func (e *Engine) leaderboard() []PublicUser {
	rows := make([]PublicUser, 0, len(e.participants))
	for _, p := range e.participants {
		rows = append(rows, PublicUser{ID: p.ID, Username: e.ledger.Username(p.ID), Gold: p.Gold})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Gold != rows[j].Gold {
			return rows[i].Gold > rows[j].Gold
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

// AddParticipant builds a sandbox for a and appends it. It is a no-op when a
// participant with the same id already exists.
func (e *Engine) AddParticipant(a Account) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addLocked(a)
}

func (e *Engine) addLocked(a Account) {
	if e.closed || e.indexOf(a.ID) >= 0 {
		return
	}
	e.participants = append(e.participants, e.newParticipant(a))
	participantsGauge.Set(float64(len(e.participants)))
}

func (e *Engine) RemoveParticipant(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(id)
}

func (e *Engine) removeLocked(id int64) {
	i := e.indexOf(id)
	if i < 0 {
		return
	}
	p := e.participants[i]
	e.participants = append(e.participants[:i], e.participants[i+1:]...)
	e.closeParticipant(p)
	participantsGauge.Set(float64(len(e.participants)))
}

// UpdateCode replaces the participant's sandbox with a fresh one running code.
// Balance and history come from the ledger; nothing else carries over.
func (e *Engine) UpdateCode(id int64, code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.removeLocked(id)
	a, ok := e.ledger.Get(id)
	if !ok {
		return
	}
	a.Code = code
	e.addLocked(a)
}

func (e *Engine) indexOf(id int64) int {
	for i, p := range e.participants {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) closeParticipant(p *Participant) {
	if p.box != nil {
		p.box.Close()
	}
}

func (e *Engine) Tick() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) Ledger() *Ledger { return e.ledger }

// History returns a copy of the global investment history, oldest first.
func (e *Engine) History() []market.Investment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]market.Investment(nil), e.history...)
}

func (e *Engine) Participants() []ParticipantView {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ParticipantView, 0, len(e.participants))
	for _, p := range e.participants {
		out = append(out, ParticipantView{ID: p.ID, Username: e.ledger.Username(p.ID), Gold: p.Gold})
	}
	return out
}

// ScriptErrors reports the load error and the last run error of one
// participant's sandbox, empty when there is none.
func (e *Engine) ScriptErrors(id int64) (codeErr, runErr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexOf(id)
	if i < 0 || e.participants[i].box == nil {
		return "", ""
	}
	p := e.participants[i]
	if err := p.box.LoadError(); err != nil {
		codeErr = err.Error()
	}
	if err := p.box.RunError(); err != nil {
		runErr = err.Error()
	}
	return codeErr, runErr
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{Tick: e.tick, Participants: len(e.participants), LastRate: e.lastRate}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()

	e.loopMu.Lock()
	s.Running = e.done != nil && !e.disposed
	e.loopMu.Unlock()
	return s
}

// Snapshot captures tick, accounts and global history for persistence.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Tick:     e.tick,
		Accounts: e.ledger.Accounts(),
		History:  append([]market.Investment(nil), e.history...),

		LastAccountID: e.ledger.LastID(),
	}
}

type nopBroadcaster struct{}

func (nopBroadcaster) Emit(int64, string, any) {}
func (nopBroadcaster) Broadcast(string, any)   {}
