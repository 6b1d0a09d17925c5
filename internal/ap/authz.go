package ap

import (
	"context"
	"errors"
	"fmt"
)

// Authorizer decides whether a viewer may read an object. It is applied to
// single-object GETs and as a per-item predicate during collection
// enumeration.
type Authorizer struct {
	Store    Store
	Base     string
	Resolver *Resolver
}

// CanRead applies the read rules for object obj and viewer (an actor IRI,
// or "" for anonymous). It returns nil on allow, ErrUnauthorized for
// anonymous denials and ErrForbidden otherwise.
func (a *Authorizer) CanRead(ctx context.Context, tx Tx, viewer string, obj Object) error {
	author := obj.AttributedTo()

	// The author always reads their own objects.
	if author != "" && viewer == author {
		return nil
	}

	// An actor's blocked collection is visible to that actor only.
	if obj.Type() == "OrderedCollection" {
		if info, err := tx.CollectionInfo(ctx, obj.ID()); err == nil && info != nil {
			if info.Role == "blocked" && viewer != info.Owner {
				return a.denied(viewer)
			}
		}
	}

	// A viewer blocked by the author sees nothing of theirs.
	if viewer != "" && author != "" && IsLocalID(author, a.Base) {
		blocked, err := a.viewerBlocked(ctx, tx, author, viewer)
		if err != nil {
			return err
		}
		if blocked {
			return fmt.Errorf("viewer blocked by author: %w", ErrForbidden)
		}
	}

	recipients, public, err := a.Resolver.Expand(ctx, tx, obj.Audience())
	if err != nil {
		return err
	}
	if public {
		return nil
	}
	if viewer != "" {
		if _, ok := recipients[viewer]; ok {
			return nil
		}
	}

	// Ownerless ambient objects (the root Service, standalone keys) are
	// world-readable.
	if author == "" {
		return nil
	}

	return a.denied(viewer)
}

// viewerBlocked reports whether viewer appears in the local author's
// blocked collection.
func (a *Authorizer) viewerBlocked(ctx context.Context, tx Tx, author, viewer string) (bool, error) {
	authorObj, err := tx.GetObject(ctx, author)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	blockedColl := authorObj.GetString("blocked")
	if blockedColl == "" {
		return false, nil
	}
	return tx.CollectionContains(ctx, blockedColl, viewer)
}

func (a *Authorizer) denied(viewer string) error {
	if viewer == "" {
		return ErrUnauthorized
	}
	return ErrForbidden
}
