package ap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Engine is the activity side-effect engine. Every POST to an outbox or
// inbound federated delivery runs through it; each activity's mutations
// happen inside one store transaction.
type Engine struct {
	Store    Store
	Base     string
	Resolver *Resolver
}

// ProcessOutbox runs the client-to-server pipeline for a POST to the
// outbox of the given local actor. It returns the stored activity with
// minted IDs and timestamps, bto/bcc stripped.
func (e *Engine) ProcessOutbox(ctx context.Context, actor Object, raw []byte) (Object, error) {
	var payload Object
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		return nil, fmt.Errorf("malformed activity payload: %w", ErrBadRequest)
	}

	// Non-activity payloads get wrapped in a Create carrying the payload's
	// addressing (standard C2S behavior).
	activity := payload
	if !IsActivityType(payload.Type()) {
		activity = Object{
			"type":   "Create",
			"object": map[string]any(payload),
		}
		for _, key := range []string{"to", "cc", "bto", "bcc", "audience"} {
			if v, ok := payload[key]; ok {
				activity[key] = v
			}
		}
	}

	clientID := activity.ID()
	actorID := actor.ID()
	now := Now()
	activity["actor"] = actorID
	activity["attributedTo"] = actorID
	activity["id"] = MintID(e.Base, activity.Type())
	activity["published"] = now
	activity["updated"] = now

	// Recipients are computed before bto/bcc are stripped.
	addressing := activity.Recipients()

	err := e.Store.WithTx(ctx, func(tx Tx) error {
		// The collision check shares the transaction's snapshot with the
		// writes below.
		if clientID != "" {
			if _, err := tx.GetObject(ctx, clientID); err == nil {
				return fmt.Errorf("client-supplied id %s: %w", clientID, ErrConflict)
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		if err := e.applyOutbox(ctx, tx, actor, activity); err != nil {
			return err
		}

		recipients, _, err := e.Resolver.Expand(ctx, tx, addressing)
		if err != nil {
			return err
		}
		e.adjustRecipients(activity, recipients)

		activity.StripHidden()
		if obj, ok := activity["object"].(map[string]any); ok {
			Object(obj).StripHidden()
		}

		if err := tx.PutObject(ctx, activity); err != nil {
			return err
		}
		if err := tx.AppendToCollection(ctx, actor.GetString("outbox"), activity.ID()); err != nil {
			return err
		}
		// The acting actor always sees their own activity in their inbox.
		if err := tx.AppendToCollection(ctx, actor.GetString("inbox"), activity.ID()); err != nil {
			return err
		}

		return e.fanout(ctx, tx, actorID, activity, recipients)
	})
	if err != nil {
		return nil, err
	}
	return activity, nil
}

// adjustRecipients applies per-type delivery quirks: a Follow always
// reaches the followee, a Block is never delivered to the blocked party.
func (e *Engine) adjustRecipients(activity Object, recipients map[string]struct{}) {
	target := ObjectID(activity["object"])
	switch activity.Type() {
	case "Follow":
		if target != "" {
			recipients[target] = struct{}{}
		}
	case "Block":
		delete(recipients, target)
	}
}

// fanout appends the activity to local recipients' inboxes and enqueues
// signed deliveries for remote ones.
func (e *Engine) fanout(ctx context.Context, tx Tx, actorID string, activity Object, recipients map[string]struct{}) error {
	var body []byte
	for recipient := range recipients {
		if recipient == actorID || recipient == PublicIRI {
			continue
		}

		if IsLocalID(recipient, e.Base) {
			rObj, err := tx.GetObject(ctx, recipient)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if inbox := rObj.GetString("inbox"); inbox != "" {
				if err := tx.AppendToCollection(ctx, inbox, activity.ID()); err != nil {
					return err
				}
			}
			continue
		}

		if body == nil {
			var err error
			if body, err = json.Marshal(WithContext(activity)); err != nil {
				return fmt.Errorf("marshal activity for delivery: %w", err)
			}
		}
		job := &DeliveryJob{
			ID:            uuid.NewString(),
			ActivityID:    activity.ID(),
			Activity:      body,
			Sender:        actorID,
			Recipient:     recipient,
			NextAttemptAt: time.Now(),
		}
		if err := tx.EnqueueDelivery(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// applyOutbox dispatches the per-type side-effect rule. Rules that act on a
// local counterpart (Follow edges, likes/shares back-references) run inside
// the same transaction; remote counterparts see the effect via delivery.
func (e *Engine) applyOutbox(ctx context.Context, tx Tx, actor Object, activity Object) error {
	switch activity.Type() {
	case "Create":
		return e.applyCreate(ctx, tx, actor, activity)
	case "Update":
		return e.applyUpdate(ctx, tx, actor, activity)
	case "Delete":
		return e.applyDelete(ctx, tx, actor, activity)
	case "Follow":
		return e.applyFollow(ctx, tx, actor, activity)
	case "Add":
		return e.applyAddRemove(ctx, tx, actor, activity, true)
	case "Remove":
		return e.applyAddRemove(ctx, tx, actor, activity, false)
	case "Like":
		return e.applyLike(ctx, tx, actor, activity)
	case "Announce":
		return e.applyAnnounce(ctx, tx, actor, activity)
	case "Block":
		return e.applyBlock(ctx, tx, actor, activity)
	case "Undo":
		return e.applyUndo(ctx, tx, actor, activity)
	default:
		// Accept, IntransitiveActivity and the remaining vocabulary carry
		// no local side effects beyond storage and addressing.
		return nil
	}
}

func (e *Engine) applyCreate(ctx context.Context, tx Tx, actor Object, activity Object) error {
	objMap, ok := activity["object"].(map[string]any)
	if !ok {
		return fmt.Errorf("Create requires an embedded object: %w", ErrBadRequest)
	}
	obj := Object(objMap)

	if cid := obj.ID(); cid != "" {
		if _, err := tx.GetObject(ctx, cid); err == nil {
			return fmt.Errorf("object id %s: %w", cid, ErrConflict)
		}
	}

	now := Now()
	obj["id"] = MintID(e.Base, obj.Type())
	obj["attributedTo"] = actor.ID()
	obj["published"] = now
	obj["updated"] = now
	for _, key := range []string{"to", "cc", "audience"} {
		if _, ok := obj[key]; !ok {
			if v, present := activity[key]; present {
				obj[key] = v
			}
		}
	}

	if err := e.materializeBackrefs(ctx, tx, obj); err != nil {
		return err
	}

	obj.StripHidden()
	if err := tx.PutObject(ctx, obj); err != nil {
		return err
	}

	if parent := obj.GetString("inReplyTo"); parent != "" && IsLocalID(parent, e.Base) {
		parentObj, err := tx.GetObject(ctx, parent)
		if err == nil {
			if replies := parentObj.GetString("replies"); replies != "" {
				if err := tx.AppendToCollection(ctx, replies, obj.ID()); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	activity["object"] = map[string]any(obj)
	return nil
}

// materializeBackrefs mints the empty replies, likes and shares collections
// every stored object carries.
func (e *Engine) materializeBackrefs(ctx context.Context, tx Tx, obj Object) error {
	owner := obj.AttributedTo()
	for _, role := range []string{"replies", "likes", "shares"} {
		collID := e.Base + "/orderedcollection/" + NewToken()
		if err := tx.CreateCollection(ctx, collID, owner, role, nil, false); err != nil {
			return err
		}
		obj[role] = collID
	}
	return nil
}

func (e *Engine) applyUpdate(ctx context.Context, tx Tx, actor Object, activity Object) error {
	objMap, ok := activity["object"].(map[string]any)
	if !ok {
		return fmt.Errorf("Update requires an embedded object: %w", ErrBadRequest)
	}
	id := Object(objMap).ID()
	if id == "" {
		return fmt.Errorf("Update requires object.id: %w", ErrBadRequest)
	}

	current, err := tx.GetObject(ctx, id)
	if err != nil {
		return err
	}
	if current.Type() == "Tombstone" {
		return fmt.Errorf("update of deleted object %s: %w", id, ErrGone)
	}
	if current.AttributedTo() != actor.ID() {
		return fmt.Errorf("update by non-author: %w", ErrForbidden)
	}

	fields := make(map[string]any, len(objMap))
	for k, v := range objMap {
		fields[k] = v
	}
	// Server-owned properties are not client-writable.
	for _, k := range []string{"id", "published", "updated", "attributedTo", "replies", "likes", "shares"} {
		delete(fields, k)
	}

	patched, err := tx.PatchObject(ctx, id, fields)
	if err != nil {
		return err
	}
	activity["object"] = map[string]any(patched)
	return nil
}

func (e *Engine) applyDelete(ctx context.Context, tx Tx, actor Object, activity Object) error {
	id := ObjectID(activity["object"])
	if id == "" {
		return fmt.Errorf("Delete requires an object: %w", ErrBadRequest)
	}
	if !IsLocalID(id, e.Base) {
		return fmt.Errorf("delete of remote object: %w", ErrForbidden)
	}

	current, err := tx.GetObject(ctx, id)
	if err != nil {
		return err
	}
	if current.Type() == "Tombstone" {
		return fmt.Errorf("object already deleted: %w", ErrGone)
	}
	if current.AttributedTo() != actor.ID() {
		return fmt.Errorf("delete by non-author: %w", ErrForbidden)
	}

	tombstone, err := tx.TombstoneObject(ctx, id)
	if err != nil {
		return err
	}
	activity["object"] = map[string]any(tombstone)
	return nil
}

func (e *Engine) applyFollow(ctx context.Context, tx Tx, actor Object, activity Object) error {
	followee := ObjectID(activity["object"])
	if followee == "" {
		return fmt.Errorf("Follow requires an object: %w", ErrBadRequest)
	}
	if followee == actor.ID() {
		return fmt.Errorf("self-follow: %w", ErrBadRequest)
	}
	if !IsLocalID(followee, e.Base) {
		// Remote follows complete when the Accept arrives in the inbox.
		return nil
	}

	followeeObj, err := tx.GetObject(ctx, followee)
	if err != nil {
		return err
	}
	if blocked := followeeObj.GetString("blocked"); blocked != "" {
		isBlocked, err := tx.CollectionContains(ctx, blocked, actor.ID())
		if err != nil {
			return err
		}
		if isBlocked {
			return fmt.Errorf("follower blocked by followee: %w", ErrForbidden)
		}
	}

	// Auto-accept: the followee's inbox acceptance adds both edges.
	if followers := followeeObj.GetString("followers"); followers != "" {
		if err := tx.AppendToCollection(ctx, followers, actor.ID()); err != nil {
			return err
		}
	}
	if following := actor.GetString("following"); following != "" {
		if err := tx.AppendToCollection(ctx, following, followee); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyAddRemove(ctx context.Context, tx Tx, actor Object, activity Object, add bool) error {
	target := ObjectID(activity["target"])
	item := ObjectID(activity["object"])
	if target == "" || item == "" {
		return fmt.Errorf("Add/Remove require object and target: %w", ErrBadRequest)
	}
	if !IsLocalID(target, e.Base) {
		return fmt.Errorf("target is not a local collection: %w", ErrBadRequest)
	}
	info, err := tx.CollectionInfo(ctx, target)
	if err != nil {
		return err
	}
	if info.Owner != actor.ID() {
		return fmt.Errorf("collection owned by another actor: %w", ErrForbidden)
	}
	if add {
		return tx.AppendToCollection(ctx, target, item)
	}
	return tx.RemoveFromCollection(ctx, target, item)
}

func (e *Engine) applyLike(ctx context.Context, tx Tx, actor Object, activity Object) error {
	objID := ObjectID(activity["object"])
	if objID == "" {
		return fmt.Errorf("Like requires an object: %w", ErrBadRequest)
	}

	if IsLocalID(objID, e.Base) {
		obj, err := tx.GetObject(ctx, objID)
		if err != nil {
			return err
		}
		blocked, err := e.actorBlockedByAuthor(ctx, tx, actor.ID(), obj)
		if err != nil {
			return err
		}
		if blocked {
			// Observed contract: liking a blocker's object is a 400, not 403.
			return fmt.Errorf("actor blocked by object author: %w", ErrBadRequest)
		}
		if likes := obj.GetString("likes"); likes != "" {
			if err := tx.AppendToCollection(ctx, likes, activity.ID()); err != nil {
				return err
			}
		}
	}

	if liked := actor.GetString("liked"); liked != "" {
		return tx.AppendToCollection(ctx, liked, objID)
	}
	return nil
}

func (e *Engine) applyAnnounce(ctx context.Context, tx Tx, actor Object, activity Object) error {
	objID := ObjectID(activity["object"])
	if objID == "" {
		return fmt.Errorf("Announce requires an object: %w", ErrBadRequest)
	}
	if !IsLocalID(objID, e.Base) {
		return nil
	}
	obj, err := tx.GetObject(ctx, objID)
	if err != nil {
		return err
	}
	blocked, err := e.actorBlockedByAuthor(ctx, tx, actor.ID(), obj)
	if err != nil {
		return err
	}
	if blocked {
		return fmt.Errorf("actor blocked by object author: %w", ErrBadRequest)
	}
	if shares := obj.GetString("shares"); shares != "" {
		return tx.AppendToCollection(ctx, shares, activity.ID())
	}
	return nil
}

func (e *Engine) applyBlock(ctx context.Context, tx Tx, actor Object, activity Object) error {
	target := ObjectID(activity["object"])
	if target == "" {
		return fmt.Errorf("Block requires an object: %w", ErrBadRequest)
	}
	if target == actor.ID() {
		return fmt.Errorf("self-block: %w", ErrBadRequest)
	}

	if blocked := actor.GetString("blocked"); blocked != "" {
		if err := tx.AppendToCollection(ctx, blocked, target); err != nil {
			return err
		}
	}

	// Blocking severs follow edges in both directions.
	if followers := actor.GetString("followers"); followers != "" {
		if err := tx.RemoveFromCollection(ctx, followers, target); err != nil {
			return err
		}
	}
	if following := actor.GetString("following"); following != "" {
		if err := tx.RemoveFromCollection(ctx, following, target); err != nil {
			return err
		}
	}
	if IsLocalID(target, e.Base) {
		targetObj, err := tx.GetObject(ctx, target)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if following := targetObj.GetString("following"); following != "" {
			if err := tx.RemoveFromCollection(ctx, following, actor.ID()); err != nil {
				return err
			}
		}
		if followers := targetObj.GetString("followers"); followers != "" {
			if err := tx.RemoveFromCollection(ctx, followers, actor.ID()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) applyUndo(ctx context.Context, tx Tx, actor Object, activity Object) error {
	priorID := ObjectID(activity["object"])
	if priorID == "" {
		return fmt.Errorf("Undo requires an object: %w", ErrBadRequest)
	}
	prior, err := tx.GetObject(ctx, priorID)
	if err != nil {
		return err
	}
	if prior.GetString("actor") != actor.ID() {
		return fmt.Errorf("undo of another actor's activity: %w", ErrForbidden)
	}

	switch prior.Type() {
	case "Like":
		objID := ObjectID(prior["object"])
		if liked := actor.GetString("liked"); liked != "" && objID != "" {
			if err := tx.RemoveFromCollection(ctx, liked, objID); err != nil {
				return err
			}
		}
		if IsLocalID(objID, e.Base) {
			if obj, err := tx.GetObject(ctx, objID); err == nil {
				if likes := obj.GetString("likes"); likes != "" {
					return tx.RemoveFromCollection(ctx, likes, priorID)
				}
			}
		}

	case "Follow":
		followee := ObjectID(prior["object"])
		if following := actor.GetString("following"); following != "" && followee != "" {
			if err := tx.RemoveFromCollection(ctx, following, followee); err != nil {
				return err
			}
		}
		if IsLocalID(followee, e.Base) {
			if followeeObj, err := tx.GetObject(ctx, followee); err == nil {
				if followers := followeeObj.GetString("followers"); followers != "" {
					return tx.RemoveFromCollection(ctx, followers, actor.ID())
				}
			}
		}

	case "Block":
		target := ObjectID(prior["object"])
		if blocked := actor.GetString("blocked"); blocked != "" && target != "" {
			return tx.RemoveFromCollection(ctx, blocked, target)
		}

	case "Announce":
		objID := ObjectID(prior["object"])
		if IsLocalID(objID, e.Base) {
			if obj, err := tx.GetObject(ctx, objID); err == nil {
				if shares := obj.GetString("shares"); shares != "" {
					return tx.RemoveFromCollection(ctx, shares, priorID)
				}
			}
		}
	}
	return nil
}

// actorBlockedByAuthor reports whether the acting actor appears in the
// blocked collection of the object's local author.
func (e *Engine) actorBlockedByAuthor(ctx context.Context, tx Tx, actorID string, obj Object) (bool, error) {
	author := obj.AttributedTo()
	if author == "" || author == actorID || !IsLocalID(author, e.Base) {
		return false, nil
	}
	authorObj, err := tx.GetObject(ctx, author)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	blocked := authorObj.GetString("blocked")
	if blocked == "" {
		return false, nil
	}
	return tx.CollectionContains(ctx, blocked, actorID)
}

// ProcessInbox runs the server-to-server pipeline for a verified delivery
// into the inbox of the given local actor. The sender is the actor IRI
// named by the verified HTTP signature key.
func (e *Engine) ProcessInbox(ctx context.Context, owner Object, sender string, activity Object) error {
	aid := activity.ID()
	if aid == "" || activity.GetString("actor") == "" {
		return fmt.Errorf("delivery without id or actor: %w", ErrBadRequest)
	}
	if activity.GetString("actor") != sender {
		return fmt.Errorf("activity actor does not match signer: %w", ErrForbidden)
	}

	return e.Store.WithTx(ctx, func(tx Tx) error {
		inbox := owner.GetString("inbox")

		// At-most-once visible delivery regardless of retries.
		seen, err := tx.CollectionContains(ctx, inbox, aid)
		if err != nil {
			return err
		}
		if seen {
			slog.Debug("duplicate delivery ignored", "activity", aid, "inbox", inbox)
			return nil
		}

		if blocked := owner.GetString("blocked"); blocked != "" {
			isBlocked, err := tx.CollectionContains(ctx, blocked, sender)
			if err != nil {
				return err
			}
			if isBlocked {
				return fmt.Errorf("sender blocked by recipient: %w", ErrForbidden)
			}
		}

		if err := e.applyInbox(ctx, tx, owner, sender, activity); err != nil {
			return err
		}

		if _, err := tx.GetObject(ctx, aid); errors.Is(err, ErrNotFound) {
			stored := activity.Clone()
			stored.StripHidden()
			delete(stored, "@context")
			if err := tx.PutObject(ctx, stored); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		return tx.AppendToCollection(ctx, inbox, aid)
	})
}

// applyInbox runs side effects for remotely delivered activities.
func (e *Engine) applyInbox(ctx context.Context, tx Tx, owner Object, sender string, activity Object) error {
	switch activity.Type() {
	case "Follow":
		if ObjectID(activity["object"]) != owner.ID() {
			return nil
		}
		if followers := owner.GetString("followers"); followers != "" {
			if err := tx.AppendToCollection(ctx, followers, sender); err != nil {
				return err
			}
		}
		// Auto-accept: federation peers keep the follow pending until an
		// Accept arrives, so send one back.
		return e.acceptFollow(ctx, tx, owner, sender, activity)

	case "Accept":
		inner, ok := activity["object"].(map[string]any)
		if !ok || Object(inner).Type() != "Follow" {
			return nil
		}
		follow := Object(inner)
		if follow.GetString("actor") != owner.ID() {
			return nil
		}
		if following := owner.GetString("following"); following != "" {
			return tx.AppendToCollection(ctx, following, ObjectID(follow["object"]))
		}

	case "Create":
		objMap, ok := activity["object"].(map[string]any)
		if !ok {
			return nil
		}
		obj := Object(objMap).Clone()
		obj.StripHidden()
		delete(obj, "@context")
		if obj.ID() == "" {
			return nil
		}
		if _, err := tx.GetObject(ctx, obj.ID()); errors.Is(err, ErrNotFound) {
			if err := tx.PutObject(ctx, obj); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		if parent := obj.GetString("inReplyTo"); parent != "" && IsLocalID(parent, e.Base) {
			if parentObj, err := tx.GetObject(ctx, parent); err == nil {
				if replies := parentObj.GetString("replies"); replies != "" {
					return tx.AppendToCollection(ctx, replies, obj.ID())
				}
			}
		}

	case "Like":
		objID := ObjectID(activity["object"])
		if !IsLocalID(objID, e.Base) {
			return nil
		}
		obj, err := tx.GetObject(ctx, objID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if obj.AttributedTo() != owner.ID() {
			return nil
		}
		if likes := obj.GetString("likes"); likes != "" {
			return tx.AppendToCollection(ctx, likes, activity.ID())
		}

	case "Announce":
		objID := ObjectID(activity["object"])
		if !IsLocalID(objID, e.Base) {
			return nil
		}
		obj, err := tx.GetObject(ctx, objID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if obj.AttributedTo() != owner.ID() {
			return nil
		}
		if shares := obj.GetString("shares"); shares != "" {
			return tx.AppendToCollection(ctx, shares, activity.ID())
		}

	case "Update":
		objMap, ok := activity["object"].(map[string]any)
		if !ok {
			return nil
		}
		id := Object(objMap).ID()
		current, err := tx.GetObject(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if current.AttributedTo() != sender || current.Type() == "Tombstone" {
			return fmt.Errorf("update of object not authored by sender: %w", ErrForbidden)
		}
		fields := make(map[string]any, len(objMap))
		for k, v := range objMap {
			fields[k] = v
		}
		for _, k := range []string{"id", "published", "attributedTo"} {
			delete(fields, k)
		}
		_, err = tx.PatchObject(ctx, id, fields)
		return err

	case "Delete":
		objID := ObjectID(activity["object"])
		current, err := tx.GetObject(ctx, objID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if current.Type() == "Tombstone" {
			return nil
		}
		if current.AttributedTo() != sender {
			return fmt.Errorf("delete of object not authored by sender: %w", ErrForbidden)
		}
		_, err = tx.TombstoneObject(ctx, objID)
		return err

	case "Undo":
		priorID := ObjectID(activity["object"])
		prior, err := tx.GetObject(ctx, priorID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if prior.GetString("actor") != sender {
			return fmt.Errorf("undo of another actor's activity: %w", ErrForbidden)
		}
		switch prior.Type() {
		case "Follow":
			if followers := owner.GetString("followers"); followers != "" {
				return tx.RemoveFromCollection(ctx, followers, sender)
			}
		case "Like":
			objID := ObjectID(prior["object"])
			if obj, err := tx.GetObject(ctx, objID); err == nil {
				if likes := obj.GetString("likes"); likes != "" {
					return tx.RemoveFromCollection(ctx, likes, priorID)
				}
			}
		case "Announce":
			objID := ObjectID(prior["object"])
			if obj, err := tx.GetObject(ctx, objID); err == nil {
				if shares := obj.GetString("shares"); shares != "" {
					return tx.RemoveFromCollection(ctx, shares, priorID)
				}
			}
		}
	}
	return nil
}

// acceptFollow mints and enqueues an Accept(Follow) back to a remote
// follower.
func (e *Engine) acceptFollow(ctx context.Context, tx Tx, owner Object, follower string, follow Object) error {
	now := Now()
	accept := Object{
		"id":           MintID(e.Base, "Accept"),
		"type":         "Accept",
		"actor":        owner.ID(),
		"attributedTo": owner.ID(),
		"to":           []any{follower},
		"published":    now,
		"updated":      now,
		"object": map[string]any{
			"id":     follow.ID(),
			"type":   "Follow",
			"actor":  follower,
			"object": owner.ID(),
		},
	}
	if err := tx.PutObject(ctx, accept); err != nil {
		return err
	}
	if outbox := owner.GetString("outbox"); outbox != "" {
		if err := tx.AppendToCollection(ctx, outbox, accept.ID()); err != nil {
			return err
		}
	}
	body, err := json.Marshal(WithContext(accept))
	if err != nil {
		return err
	}
	return tx.EnqueueDelivery(ctx, &DeliveryJob{
		ID:            uuid.NewString(),
		ActivityID:    accept.ID(),
		Activity:      body,
		Sender:        owner.ID(),
		Recipient:     follower,
		NextAttemptAt: time.Now(),
	})
}
