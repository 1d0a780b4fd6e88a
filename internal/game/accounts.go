package game

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"goldrun/internal/auth"
)

type RegisterInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type AuthResult struct {
	Session auth.Session `json:"session"`
	User    PublicUser   `json:"user"`
}

// Accounts is the user-facing service over the ledger and the engine.
type Accounts struct {
	ledger       *Ledger
	engine       *Engine
	tokens       *auth.Tokens
	log          *slog.Logger
	startingGold int64
	maxScriptLen int
}

func NewAccounts(engine *Engine, tokens *auth.Tokens, startingGold int64, maxScriptLen int, logger *slog.Logger) *Accounts {
	if logger == nil {
		logger = slog.Default()
	}
	if startingGold <= 0 {
		startingGold = StartingGold
	}
	if maxScriptLen <= 0 {
		maxScriptLen = 100_000
	}
	return &Accounts{
		ledger:       engine.Ledger(),
		engine:       engine,
		tokens:       tokens,
		log:          logger,
		startingGold: startingGold,
		maxScriptLen: maxScriptLen,
	}
}

func (s *Accounts) Register(ctx context.Context, in RegisterInput) (AuthResult, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if err := ValidateUsername(in.Username); err != nil {
		return AuthResult{}, err
	}
	if err := ValidatePassword(in.Password); err != nil {
		return AuthResult{}, err
	}
	if err := ValidateEmail(in.Email); err != nil {
		return AuthResult{}, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return AuthResult{}, err
	}
	acct, err := s.ledger.Create(Account{
		Username:     in.Username,
		PasswordHash: hash,
		Email:        in.Email,
		Gold:         s.startingGold,
		Code:         DefaultScript,
	})
	if err != nil {
		return AuthResult{}, err
	}
	s.engine.AddParticipant(acct)
	s.persist(ctx)
	s.log.Info("user registered", "user_id", acct.ID, "username", acct.Username)
	return s.session(acct)
}

func (s *Accounts) Login(ctx context.Context, username, password string) (AuthResult, error) {
	acct, ok := s.ledger.FindByUsername(strings.TrimSpace(username))
	if !ok {
		return AuthResult{}, ErrBadCredentials
	}
	if err := auth.CheckPassword(acct.PasswordHash, password); err != nil {
		return AuthResult{}, ErrBadCredentials
	}
	return s.session(acct)
}

func (s *Accounts) session(acct Account) (AuthResult, error) {
	sess, err := s.tokens.Issue(acct.ID, acct.Username)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{
		Session: sess,
		User:    PublicUser{ID: acct.ID, Username: acct.Username, Gold: acct.Gold},
	}, nil
}

// Authenticate resolves a bearer token to a live account id.
func (s *Accounts) Authenticate(token string) (int64, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if name := s.ledger.Username(claims.UserID); name == "" || name != claims.Username {
		return 0, ErrUnauthorized
	}
	return claims.UserID, nil
}

func (s *Accounts) Users() []PublicUser {
	return s.ledger.Public()
}

func (s *Accounts) Me(id int64) (Profile, error) {
	acct, ok := s.ledger.Get(id)
	if !ok {
		return Profile{}, ErrUserNotFound
	}
	p := Profile{
		ID:       acct.ID,
		Username: acct.Username,
		Email:    acct.Email,
		Gold:     acct.Gold,
		Code:     acct.Code,
		History:  acct.History,
	}
	p.CodeError, p.RunError = s.engine.ScriptErrors(id)
	return p, nil
}

// UploadScript stores a new script and restarts the participant's sandbox.
func (s *Accounts) UploadScript(ctx context.Context, id int64, script string) error {
	if utf8.RuneCountInString(script) > s.maxScriptLen {
		return ErrScriptTooLong
	}
	if err := s.ledger.SetCode(id, script); err != nil {
		return err
	}
	s.engine.UpdateCode(id, script)
	s.persist(ctx)
	s.log.Info("script uploaded", "user_id", id, "len", len(script))
	return nil
}

func (s *Accounts) Remove(ctx context.Context, id int64) error {
	if !s.ledger.Delete(id) {
		return ErrUserNotFound
	}
	s.engine.RemoveParticipant(id)
	s.persist(ctx)
	s.log.Info("user removed", "user_id", id)
	return nil
}

func (s *Accounts) persist(ctx context.Context) {
	_ = s.engine.Flush(context.WithoutCancel(ctx))
}
