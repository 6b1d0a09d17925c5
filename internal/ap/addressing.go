package ap

import (
	"context"
	"log/slog"
	"time"
)

// Resolver expands activity addressing into a concrete set of actor IRIs.
type Resolver struct {
	Store Store
	Base  string
	// Fetch dereferences remote IRIs. Nil disables remote dereferencing
	// (remote IRIs are then treated as plain actors).
	Fetch func(ctx context.Context, url string) (Object, error)
}

// remoteDerefTimeout bounds the one-shot dereference of remote collections
// during expansion.
const remoteDerefTimeout = 5 * time.Second

// Expand resolves to/cc/bto/bcc/audience entries into actor IRIs. The
// Public IRI sets the public flag. Local followers, following and other
// local collections are inlined shallowly (no recursion into nested
// collections). Remote collections are dereferenced once; a remote IRI
// whose dereference fails or that is not a collection is kept as an actor.
func (r *Resolver) Expand(ctx context.Context, tx Tx, audience []string) (map[string]struct{}, bool, error) {
	recipients := make(map[string]struct{})
	public := false

	for _, iri := range dedup(audience) {
		if iri == PublicIRI {
			public = true
			continue
		}

		if IsLocalID(iri, r.Base) {
			info, err := tx.CollectionInfo(ctx, iri)
			if err == nil && info != nil {
				items, err := tx.CollectionItems(ctx, iri)
				if err != nil {
					return nil, false, err
				}
				for _, item := range items {
					recipients[item] = struct{}{}
				}
				continue
			}
			recipients[iri] = struct{}{}
			continue
		}

		for _, member := range r.expandRemote(ctx, iri) {
			recipients[member] = struct{}{}
		}
	}

	return recipients, public, nil
}

// expandRemote dereferences one remote IRI. A collection yields its members;
// anything else (including a failed fetch) yields the IRI itself, leaving
// the delivery layer to resolve it as an actor.
func (r *Resolver) expandRemote(ctx context.Context, iri string) []string {
	if r.Fetch == nil {
		return []string{iri}
	}

	fctx, cancel := context.WithTimeout(ctx, remoteDerefTimeout)
	defer cancel()

	obj, err := r.Fetch(fctx, iri)
	if err != nil {
		slog.Debug("remote audience dereference failed", "iri", iri, "error", err)
		return []string{iri}
	}

	switch obj.Type() {
	case "Collection", "OrderedCollection", "CollectionPage", "OrderedCollectionPage":
		members := obj.Strings("orderedItems")
		if len(members) == 0 {
			members = obj.Strings("items")
		}
		return members
	}
	return []string{iri}
}
