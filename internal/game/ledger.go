package game

import (
	"sort"
	"strings"
	"sync"

	"goldrun/internal/market"
)

// Ledger is the authoritative account table. The engine reads balances and
// histories from it and writes settled results back.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[int64]*Account
	lastID   int64
}

// NewLedger copies accounts into a new ledger. lastID is the highest id ever
// handed out; ids at or below it are never assigned again, even once deleted.
func NewLedger(accounts map[int64]*Account, lastID int64) *Ledger {
	l := &Ledger{accounts: make(map[int64]*Account, len(accounts)), lastID: lastID}
	for id, a := range accounts {
		if a == nil {
			continue
		}
		c := a.clone()
		c.ID = id
		l.accounts[id] = c
		if id > l.lastID {
			l.lastID = id
		}
	}
	return l
}

func (l *Ledger) LastID() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastID
}

func (l *Ledger) Get(id int64) (Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *a.clone(), true
}

func (l *Ledger) Exists(id int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.accounts[id]
	return ok
}

func (l *Ledger) Username(id int64) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.accounts[id]; ok {
		return a.Username
	}
	return ""
}

// Create assigns the next unused id and stores the account.
// Usernames and emails are unique, case-insensitively.
func (l *Ledger) Create(a Account) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.accounts {
		if strings.EqualFold(existing.Username, a.Username) || (a.Email != "" && strings.EqualFold(existing.Email, a.Email)) {
			return Account{}, ErrUserExists
		}
	}
	l.lastID++
	a.ID = l.lastID
	stored := a.clone()
	l.accounts[a.ID] = stored
	return *stored.clone(), nil
}

func (l *Ledger) FindByUsername(name string) (Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, a := range l.accounts {
		if strings.EqualFold(a.Username, name) {
			return *a.clone(), true
		}
	}
	return Account{}, false
}

func (l *Ledger) SetCode(id int64, code string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return ErrUserNotFound
	}
	a.Code = code
	return nil
}

func (l *Ledger) SetGold(id, gold int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if ok {
		a.Gold = gold
	}
	return ok
}

// Settle writes a participant's balance and history after an investment.
func (l *Ledger) Settle(id, gold int64, history []market.Investment) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if ok {
		a.Gold = gold
		a.History = append([]market.Investment(nil), history...)
	}
	return ok
}

func (l *Ledger) Delete(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.accounts[id]
	delete(l.accounts, id)
	return ok
}

// Reset sets every balance to gold and clears every history.
func (l *Ledger) Reset(gold int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.accounts {
		a.Gold = gold
		a.History = nil
	}
	return len(l.accounts)
}

func (l *Ledger) IDs() []int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]int64, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *Ledger) Public() []PublicUser {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PublicUser, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, PublicUser{ID: a.ID, Username: a.Username, Gold: a.Gold})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Accounts returns deep copies of every account keyed by id.
func (l *Ledger) Accounts() map[int64]*Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[int64]*Account, len(l.accounts))
	for id, a := range l.accounts {
		out[id] = a.clone()
	}
	return out
}
