package game

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"goldrun/internal/market"
)

const (
	StartingGold = int64(100)

	MinPasswordLen = 6
	MaxPasswordLen = 64

	DefaultScript = "function run() {\n  return 0\n}"
)

var (
	ErrUserExists     = errors.New("username or email already registered")
	ErrUserNotFound   = errors.New("user not found")
	ErrBadCredentials = errors.New("invalid username or password")
	ErrScriptTooLong  = errors.New("script exceeds maximum length")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,24}$`)

type Account struct {
	ID           int64               `json:"id"`
	Username     string              `json:"username"`
	PasswordHash string              `json:"password"`
	Email        string              `json:"email"`
	Gold         int64               `json:"gold"`
	Code         string              `json:"code"`
	History      []market.Investment `json:"history"`
}

func (a *Account) clone() *Account {
	c := *a
	c.History = append([]market.Investment(nil), a.History...)
	return &c
}

// Snapshot is the persisted state of the whole game.
type Snapshot struct {
	Tick     int64               `json:"tick"`
	Accounts map[int64]*Account  `json:"users"`
	History  []market.Investment `json:"history"`

	// LastAccountID is the highest account id ever assigned.
	LastAccountID int64 `json:"lastAccountId,omitempty"`
}

func EmptySnapshot() Snapshot {
	return Snapshot{Tick: 1, Accounts: map[int64]*Account{}}
}

type PublicUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Gold     int64  `json:"gold"`
}

type Profile struct {
	ID       int64               `json:"id"`
	Username string              `json:"username"`
	Email    string              `json:"email"`
	Gold     int64               `json:"gold"`
	Code     string              `json:"code"`
	History  []market.Investment `json:"history"`

	CodeError string `json:"codeError,omitempty"`
	RunError  string `json:"runError,omitempty"`
}

func ValidateUsername(name string) error {
	if !usernameRE.MatchString(name) {
		return fmt.Errorf("%w: username must be 3-24 letters, digits or underscores", ErrInvalidInput)
	}
	return nil
}

func ValidatePassword(pw string) error {
	n := utf8.RuneCountInString(pw)
	if n < MinPasswordLen || n > MaxPasswordLen {
		return fmt.Errorf("%w: password must be %d-%d characters", ErrInvalidInput, MinPasswordLen, MaxPasswordLen)
	}
	return nil
}

func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}
	return nil
}

func blankCode(code string) bool {
	return strings.TrimSpace(code) == ""
}
