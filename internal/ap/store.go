package ap

import (
	"context"
	"time"
)

// Account is the local-only sidecar for an actor. It holds everything that
// must never be serialized over the wire: the password hash, the bearer
// token and the private key.
type Account struct {
	Username      string
	PasswordHash  string
	Token         string
	ActorID       string
	PrivateKeyPEM string
}

// CollectionInfo describes a local ordered collection.
type CollectionInfo struct {
	ID         string
	Owner      string
	Role       string // inbox, outbox, followers, following, liked, blocked, replies, likes, shares, or "" for user-created
	Private    bool
	TotalItems int
	NameMap    map[string]string
}

// AsObject synthesizes the OrderedCollection object for serving and for
// authorization checks. Private collections are addressed only to their
// owner; public ones carry the Public IRI.
func (c *CollectionInfo) AsObject() Object {
	obj := Object{
		"id":           c.ID,
		"type":         "OrderedCollection",
		"attributedTo": c.Owner,
		"totalItems":   c.TotalItems,
	}
	if len(c.NameMap) > 0 {
		nm := make(map[string]any, len(c.NameMap))
		for lang, name := range c.NameMap {
			nm[lang] = name
		}
		obj["nameMap"] = nm
	}
	if c.Private {
		obj["to"] = []any{c.Owner}
	} else {
		obj["to"] = []any{PublicIRI}
	}
	return obj
}

// DeliveryJob is one pending federated delivery: an activity bound for one
// remote recipient's inbox.
type DeliveryJob struct {
	ID            string
	ActivityID    string
	Activity      []byte
	Sender        string // local actor IRI whose key signs the POST
	Recipient     string // remote actor IRI; inbox resolved at delivery time
	Attempts      int
	NextAttemptAt time.Time
}

// Tx is the set of storage operations available both standalone and inside
// one activity's transaction.
type Tx interface {
	PutObject(ctx context.Context, obj Object) error
	GetObject(ctx context.Context, id string) (Object, error)
	PatchObject(ctx context.Context, id string, fields map[string]any) (Object, error)
	TombstoneObject(ctx context.Context, id string) (Object, error)

	CreateCollection(ctx context.Context, id, owner, role string, nameMap map[string]string, private bool) error
	CollectionInfo(ctx context.Context, id string) (*CollectionInfo, error)
	AppendToCollection(ctx context.Context, coll, item string) error
	RemoveFromCollection(ctx context.Context, coll, item string) error
	CollectionContains(ctx context.Context, coll, item string) (bool, error)
	CollectionItems(ctx context.Context, coll string) ([]string, error)
	CollectionPage(ctx context.Context, coll string, page, size int) ([]string, error)

	CreateAccount(ctx context.Context, acct *Account) error
	AccountByUsername(ctx context.Context, username string) (*Account, error)
	AccountByToken(ctx context.Context, token string) (*Account, error)
	AccountByActor(ctx context.Context, actorID string) (*Account, error)

	EnqueueDelivery(ctx context.Context, job *DeliveryJob) error
}

// Store is the persistent backing for the protocol core. WithTx runs fn
// inside one transaction; every mutation of a single activity goes through
// it so partial side effects roll back together.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error)
	RescheduleDelivery(ctx context.Context, id string, attempts int, next time.Time) error
	DeleteDelivery(ctx context.Context, id string) error
}
