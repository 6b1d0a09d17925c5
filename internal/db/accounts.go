package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onepagepub/onepagepub/internal/ap"
)

// CreateAccount inserts a local account. Usernames, tokens and actor IRIs
// are all unique.
func (q *queries) CreateAccount(ctx context.Context, acct *ap.Account) error {
	_, err := q.db.ExecContext(ctx, q.rebind(
		`INSERT INTO accounts (username, password_hash, token, actor_id, private_key) VALUES (?, ?, ?, ?, ?)`,
	), acct.Username, acct.PasswordHash, acct.Token, acct.ActorID, acct.PrivateKeyPEM)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (q *queries) AccountByUsername(ctx context.Context, username string) (*ap.Account, error) {
	return q.accountWhere(ctx, "username", username)
}

func (q *queries) AccountByToken(ctx context.Context, token string) (*ap.Account, error) {
	return q.accountWhere(ctx, "token", token)
}

func (q *queries) AccountByActor(ctx context.Context, actorID string) (*ap.Account, error) {
	return q.accountWhere(ctx, "actor_id", actorID)
}

func (q *queries) accountWhere(ctx context.Context, column, value string) (*ap.Account, error) {
	var acct ap.Account
	err := q.db.QueryRowContext(ctx, q.rebind(
		`SELECT username, password_hash, token, actor_id, private_key FROM accounts WHERE `+column+` = ?`,
	), value).Scan(&acct.Username, &acct.PasswordHash, &acct.Token, &acct.ActorID, &acct.PrivateKeyPEM)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account by %s: %w", column, ap.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}
	return &acct, nil
}
