package ap

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/bcrypt"
)

// Registry manages local accounts: registration, token auth and password
// verification. The Account sidecar keeps secrets out of everything that is
// ever serialized.
type Registry struct {
	Store Store
	Base  string
}

var usernameRE = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}$`)

// actorCollections are the owned collections minted for every new actor.
// blocked is the only private one.
var actorCollections = []struct {
	role    string
	private bool
}{
	{"inbox", false},
	{"outbox", false},
	{"followers", false},
	{"following", false},
	{"liked", false},
	{"blocked", true},
	{"replies", false},
	{"likes", false},
	{"shares", false},
}

// Register creates a local account: actor object, RSA keypair, owned
// collections, bcrypt password hash and an opaque bearer token. The token
// is returned exactly once.
func (r *Registry) Register(ctx context.Context, username, password, confirmation string) (Object, *Account, error) {
	if !usernameRE.MatchString(username) {
		return nil, nil, fmt.Errorf("invalid username: %w", ErrBadRequest)
	}
	if password == "" {
		return nil, nil, fmt.Errorf("empty password: %w", ErrBadRequest)
	}
	if password != confirmation {
		return nil, nil, fmt.Errorf("password confirmation mismatch: %w", ErrBadRequest)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}

	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}

	actorID := r.Base + "/person/" + NewToken()
	keyID := r.Base + "/key/" + NewToken()
	now := Now()

	actor := Object{
		"id":                actorID,
		"type":              "Person",
		"preferredUsername": username,
		"name":              username,
		"attributedTo":      actorID,
		"published":         now,
		"updated":           now,
		"to":                []any{PublicIRI},
		"publicKey": map[string]any{
			"id":           keyID,
			"type":         "Key",
			"owner":        actorID,
			"publicKeyPem": keys.PublicPEM,
		},
	}

	account := &Account{
		Username:      username,
		PasswordHash:  string(hash),
		Token:         NewToken(),
		ActorID:       actorID,
		PrivateKeyPEM: keys.PrivatePEM,
	}

	err = r.Store.WithTx(ctx, func(tx Tx) error {
		if existing, err := tx.AccountByUsername(ctx, username); err == nil && existing != nil {
			return fmt.Errorf("username %q is taken: %w", username, ErrBadRequest)
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		for _, c := range actorCollections {
			collID := r.Base + "/orderedcollection/" + NewToken()
			if err := tx.CreateCollection(ctx, collID, actorID, c.role, nil, c.private); err != nil {
				return err
			}
			actor[c.role] = collID
		}

		key := Object{
			"id":           keyID,
			"type":         "Key",
			"owner":        actorID,
			"publicKeyPem": keys.PublicPEM,
		}
		if err := tx.PutObject(ctx, key); err != nil {
			return err
		}
		if err := tx.PutObject(ctx, actor); err != nil {
			return err
		}
		return tx.CreateAccount(ctx, account)
	})
	if err != nil {
		return nil, nil, err
	}
	return actor, account, nil
}

// AuthByToken resolves a bearer token to the local actor it belongs to.
func (r *Registry) AuthByToken(ctx context.Context, token string) (Object, *Account, error) {
	if token == "" {
		return nil, nil, ErrUnauthorized
	}
	account, err := r.Store.AccountByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
		}
		return nil, nil, err
	}
	actor, err := r.Store.GetObject(ctx, account.ActorID)
	if err != nil {
		return nil, nil, err
	}
	return actor, account, nil
}

// Authenticate verifies a username/password pair against the stored bcrypt
// hash.
func (r *Registry) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	account, err := r.Store.AccountByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("unknown user: %w", ErrUnauthorized)
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("bad password: %w", ErrUnauthorized)
	}
	return account, nil
}
