package store

import (
	"context"
	"errors"
	"fmt"

	"goldrun/internal/game"
	"goldrun/internal/market"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	scopePlayer = "player"
	scopeGlobal = "global"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context) (game.Snapshot, error) {
	snap := game.EmptySnapshot()

	err := s.db.QueryRow(ctx, `SELECT tick, last_account_id FROM goldrun.state WHERE id = 1`).Scan(&snap.Tick, &snap.LastAccountID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return game.Snapshot{}, fmt.Errorf("load tick: %w", err)
	}
	if snap.Tick <= 0 {
		snap.Tick = 1
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, username, password_hash, email, gold, code
		FROM goldrun.accounts
		ORDER BY id
	`)
	if err != nil {
		return game.Snapshot{}, fmt.Errorf("load accounts: %w", err)
	}
	for rows.Next() {
		a := &game.Account{}
		if err := rows.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Email, &a.Gold, &a.Code); err != nil {
			rows.Close()
			return game.Snapshot{}, err
		}
		snap.Accounts[a.ID] = a
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return game.Snapshot{}, err
	}

	rows, err = s.db.Query(ctx, `
		SELECT scope, owner, id, user_id, amount, profit, tick
		FROM goldrun.investments
		ORDER BY scope, owner, seq
	`)
	if err != nil {
		return game.Snapshot{}, fmt.Errorf("load investments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			scope string
			owner int64
			inv   market.Investment
		)
		if err := rows.Scan(&scope, &owner, &inv.ID, &inv.UserID, &inv.Amount, &inv.Profit, &inv.Tick); err != nil {
			return game.Snapshot{}, err
		}
		switch scope {
		case scopeGlobal:
			snap.History = append(snap.History, inv)
		case scopePlayer:
			if a, ok := snap.Accounts[owner]; ok {
				a.History = append(a.History, inv)
			}
		}
	}
	return snap, rows.Err()
}

// Save replaces the stored state with snap in a single transaction.
func (s *PostgresStore) Save(ctx context.Context, snap game.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO goldrun.state (id, tick, last_account_id, updated_at)
		VALUES (1, $1, $2, now())
		ON CONFLICT (id) DO UPDATE
		SET tick = EXCLUDED.tick, last_account_id = EXCLUDED.last_account_id, updated_at = now()
	`, snap.Tick, snap.LastAccountID); err != nil {
		return fmt.Errorf("save tick: %w", err)
	}

	ids := make([]int64, 0, len(snap.Accounts))
	batch := &pgx.Batch{}
	for id, a := range snap.Accounts {
		ids = append(ids, id)
		batch.Queue(`
			INSERT INTO goldrun.accounts (id, username, password_hash, email, gold, code)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE
			SET username = EXCLUDED.username,
				password_hash = EXCLUDED.password_hash,
				email = EXCLUDED.email,
				gold = EXCLUDED.gold,
				code = EXCLUDED.code
		`, id, a.Username, a.PasswordHash, a.Email, a.Gold, a.Code)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM goldrun.accounts WHERE NOT (id = ANY($1))`, ids); err != nil {
		return fmt.Errorf("prune accounts: %w", err)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert accounts: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM goldrun.investments`); err != nil {
		return fmt.Errorf("clear investments: %w", err)
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"goldrun", "investments"},
		[]string{"scope", "owner", "seq", "id", "user_id", "amount", "profit", "tick"},
		pgx.CopyFromRows(investmentRows(snap)),
	); err != nil {
		return fmt.Errorf("copy investments: %w", err)
	}
	return tx.Commit(ctx)
}

func investmentRows(snap game.Snapshot) [][]any {
	var rows [][]any
	for seq, inv := range snap.History {
		rows = append(rows, []any{scopeGlobal, int64(0), int32(seq), inv.ID, inv.UserID, inv.Amount, inv.Profit, inv.Tick})
	}
	for owner, a := range snap.Accounts {
		for seq, inv := range a.History {
			rows = append(rows, []any{scopePlayer, owner, int32(seq), inv.ID, inv.UserID, inv.Amount, inv.Profit, inv.Tick})
		}
	}
	return rows
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
