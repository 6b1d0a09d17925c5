package ap_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onepagepub/onepagepub/internal/ap"
	"github.com/onepagepub/onepagepub/internal/db"
)

const testBase = "https://test.example"

type env struct {
	store    *db.Store
	engine   *ap.Engine
	registry *ap.Registry
	authz    *ap.Authorizer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	resolver := &ap.Resolver{Store: store, Base: testBase}
	return &env{
		store:    store,
		engine:   &ap.Engine{Store: store, Base: testBase, Resolver: resolver},
		registry: &ap.Registry{Store: store, Base: testBase},
		authz:    &ap.Authorizer{Store: store, Base: testBase, Resolver: resolver},
	}
}

func (e *env) register(t *testing.T, username string) ap.Object {
	t.Helper()
	actor, _, err := e.registry.Register(context.Background(), username, "secret", "secret")
	require.NoError(t, err)
	return actor
}

func (e *env) post(t *testing.T, actor ap.Object, payload string) ap.Object {
	t.Helper()
	activity, err := e.engine.ProcessOutbox(context.Background(), actor, []byte(payload))
	require.NoError(t, err)
	return activity
}

func (e *env) createNote(t *testing.T, actor ap.Object, content string, to ...string) ap.Object {
	t.Helper()
	if len(to) == 0 {
		to = []string{ap.PublicIRI}
	}
	payload := map[string]any{
		"type":   "Create",
		"to":     to,
		"object": map[string]any{"type": "Note", "content": content},
	}
	raw, _ := json.Marshal(payload)
	return e.post(t, actor, string(raw))
}

func contains(t *testing.T, e *env, coll, item string) bool {
	t.Helper()
	ok, err := e.store.CollectionContains(context.Background(), coll, item)
	require.NoError(t, err)
	return ok
}

func totalItems(t *testing.T, e *env, coll string) int {
	t.Helper()
	info, err := e.store.CollectionInfo(context.Background(), coll)
	require.NoError(t, err)
	return info.TotalItems
}

func TestCreateNote(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")

	activity := e.createNote(t, alice, "hello world")

	assert.Equal(t, "Create", activity.Type())
	assert.True(t, strings.HasPrefix(activity.ID(), testBase+"/create/"))
	assert.Equal(t, alice.ID(), activity.GetString("actor"))
	assert.NotEmpty(t, activity.GetString("published"))
	assert.NotEmpty(t, activity.GetString("updated"))

	obj := activity.Map("object")
	require.NotNil(t, obj)
	assert.True(t, strings.HasPrefix(obj.ID(), testBase+"/note/"))
	assert.Equal(t, alice.ID(), obj.AttributedTo())
	assert.NotEmpty(t, obj.GetString("published"))

	// Immediately retrievable and present in the author's outbox and inbox.
	stored, err := e.store.GetObject(ctx, activity.ID())
	require.NoError(t, err)
	assert.Equal(t, "Create", stored.Type())
	assert.True(t, contains(t, e, alice.GetString("outbox"), activity.ID()))
	assert.True(t, contains(t, e, alice.GetString("inbox"), activity.ID()))

	// The note carries its own materialized back-reference collections.
	note, err := e.store.GetObject(ctx, obj.ID())
	require.NoError(t, err)
	for _, role := range []string{"replies", "likes", "shares"} {
		collID := note.GetString(role)
		require.NotEmpty(t, collID, role)
		assert.Equal(t, 0, totalItems(t, e, collID))
	}
}

func TestNonActivityPayloadWrappedInCreate(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")

	activity := e.post(t, alice, fmt.Sprintf(`{"type":"Note","content":"bare","to":[%q]}`, ap.PublicIRI))
	assert.Equal(t, "Create", activity.Type())
	obj := activity.Map("object")
	require.NotNil(t, obj)
	assert.Equal(t, "bare", obj.GetString("content"))
	assert.Equal(t, []string{ap.PublicIRI}, activity.Strings("to"))
}

func TestClientSuppliedIDConflicts(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")
	activity := e.createNote(t, alice, "first")

	_, err := e.engine.ProcessOutbox(context.Background(), alice,
		[]byte(fmt.Sprintf(`{"id":%q,"type":"Like","object":"x"}`, activity.ID())))
	assert.ErrorIs(t, err, ap.ErrConflict)
}

func TestUpdateNullMerge(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	noteID := e.createNote(t, alice, "original").Map("object").ID()

	before, err := e.store.GetObject(ctx, noteID)
	require.NoError(t, err)

	update := e.post(t, alice, fmt.Sprintf(
		`{"type":"Update","object":{"id":%q,"content":null,"contentMap":{"en":"Hello","fr":"Bonjour"}}}`, noteID))
	assert.Equal(t, "Update", update.Type())

	after, err := e.store.GetObject(ctx, noteID)
	require.NoError(t, err)
	assert.Equal(t, noteID, after.ID())
	assert.Equal(t, before.GetString("published"), after.GetString("published"))
	assert.NotContains(t, after, "content")
	cm := after.Map("contentMap")
	require.NotNil(t, cm)
	assert.Equal(t, "Hello", cm.GetString("en"))
	assert.Equal(t, "Bonjour", cm.GetString("fr"))
}

func TestUpdateByNonAuthorForbidden(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")
	noteID := e.createNote(t, alice, "mine").Map("object").ID()

	_, err := e.engine.ProcessOutbox(context.Background(), bob,
		[]byte(fmt.Sprintf(`{"type":"Update","object":{"id":%q,"content":"stolen"}}`, noteID)))
	assert.ErrorIs(t, err, ap.ErrForbidden)
}

func TestDeleteYieldsTombstone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	noteID := e.createNote(t, alice, "doomed").Map("object").ID()

	del := e.post(t, alice, fmt.Sprintf(`{"type":"Delete","object":%q}`, noteID))
	tomb := del.Map("object")
	require.NotNil(t, tomb)
	assert.Equal(t, "Tombstone", tomb.Type())
	assert.Equal(t, "Note", tomb.GetString("formerType"))
	require.NotNil(t, tomb.Map("summaryMap"))
	assert.NotEmpty(t, tomb.Map("summaryMap").GetString("en"))

	stored, err := e.store.GetObject(ctx, noteID)
	require.NoError(t, err)
	assert.Equal(t, "Tombstone", stored.Type())

	// A second delete, or an update, is Gone.
	_, err = e.engine.ProcessOutbox(ctx, alice, []byte(fmt.Sprintf(`{"type":"Delete","object":%q}`, noteID)))
	assert.ErrorIs(t, err, ap.ErrGone)
	_, err = e.engine.ProcessOutbox(ctx, alice, []byte(fmt.Sprintf(`{"type":"Update","object":{"id":%q,"content":"x"}}`, noteID)))
	assert.ErrorIs(t, err, ap.ErrGone)
}

func TestFollowAddsBothEdges(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")

	e.post(t, bob, fmt.Sprintf(`{"type":"Follow","object":%q,"to":[%q]}`, alice.ID(), alice.ID()))

	assert.True(t, contains(t, e, alice.GetString("followers"), bob.ID()))
	assert.True(t, contains(t, e, bob.GetString("following"), alice.ID()))

	// An activity addressed to alice's followers reaches bob's inbox.
	activity := e.createNote(t, alice, "for my followers", alice.GetString("followers"))
	assert.True(t, contains(t, e, bob.GetString("inbox"), activity.ID()))
}

func TestLikeAndUndo(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")
	note := e.createNote(t, alice, "likeable").Map("object")
	likes := note.GetString("likes")

	like := e.post(t, bob, fmt.Sprintf(`{"type":"Like","object":%q}`, note.ID()))
	assert.Equal(t, 1, totalItems(t, e, likes))
	assert.True(t, contains(t, e, likes, like.ID()))
	assert.True(t, contains(t, e, bob.GetString("liked"), note.ID()))

	e.post(t, bob, fmt.Sprintf(`{"type":"Undo","object":%q}`, like.ID()))
	assert.Equal(t, 0, totalItems(t, e, likes))
	assert.False(t, contains(t, e, bob.GetString("liked"), note.ID()))
}

func TestAnnounceAndUndo(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")
	note := e.createNote(t, alice, "boost me").Map("object")
	shares := note.GetString("shares")

	announce := e.post(t, bob, fmt.Sprintf(`{"type":"Announce","object":%q}`, note.ID()))
	assert.Equal(t, 1, totalItems(t, e, shares))
	assert.True(t, contains(t, e, shares, announce.ID()))

	e.post(t, bob, fmt.Sprintf(`{"type":"Undo","object":%q}`, announce.ID()))
	assert.Equal(t, 0, totalItems(t, e, shares))
}

func TestUndoAnotherActorsActivityForbidden(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")
	note := e.createNote(t, alice, "x").Map("object")
	like := e.post(t, bob, fmt.Sprintf(`{"type":"Like","object":%q}`, note.ID()))

	_, err := e.engine.ProcessOutbox(context.Background(), alice,
		[]byte(fmt.Sprintf(`{"type":"Undo","object":%q}`, like.ID())))
	assert.ErrorIs(t, err, ap.ErrForbidden)
}

func TestAddRemovePreservesOtherItems(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")
	liked := alice.GetString("liked")
	note1 := e.createNote(t, alice, "one").Map("object").ID()
	note2 := e.createNote(t, alice, "two").Map("object").ID()

	e.post(t, alice, fmt.Sprintf(`{"type":"Add","object":%q,"target":%q}`, note1, liked))
	e.post(t, alice, fmt.Sprintf(`{"type":"Add","object":%q,"target":%q}`, note2, liked))
	e.post(t, alice, fmt.Sprintf(`{"type":"Remove","object":%q,"target":%q}`, note1, liked))

	assert.False(t, contains(t, e, liked, note1))
	assert.True(t, contains(t, e, liked, note2))

	// Only the owner may Add to a collection.
	_, err := e.engine.ProcessOutbox(context.Background(), bob,
		[]byte(fmt.Sprintf(`{"type":"Add","object":%q,"target":%q}`, note1, liked)))
	assert.ErrorIs(t, err, ap.ErrForbidden)
}

func TestBlockSeversEdgesAndDeniesReads(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")
	note := e.createNote(t, alice, "visible for now").Map("object")

	e.post(t, bob, fmt.Sprintf(`{"type":"Follow","object":%q}`, alice.ID()))
	e.post(t, alice, fmt.Sprintf(`{"type":"Follow","object":%q}`, bob.ID()))

	block := e.post(t, alice, fmt.Sprintf(`{"type":"Block","object":%q,"to":[%q]}`, bob.ID(), bob.ID()))

	// Both follow directions are gone.
	assert.False(t, contains(t, e, alice.GetString("followers"), bob.ID()))
	assert.False(t, contains(t, e, alice.GetString("following"), bob.ID()))
	assert.False(t, contains(t, e, bob.GetString("followers"), alice.ID()))
	assert.False(t, contains(t, e, bob.GetString("following"), alice.ID()))
	assert.True(t, contains(t, e, alice.GetString("blocked"), bob.ID()))

	// The Block is never delivered to the blocked actor.
	assert.False(t, contains(t, e, bob.GetString("inbox"), block.ID()))

	// Bob can no longer read alice's profile or note.
	assert.ErrorIs(t, e.authz.CanRead(ctx, e.store, bob.ID(), alice), ap.ErrForbidden)
	storedNote, err := e.store.GetObject(ctx, note.ID())
	require.NoError(t, err)
	assert.ErrorIs(t, e.authz.CanRead(ctx, e.store, bob.ID(), storedNote), ap.ErrForbidden)

	// A Like by the blocked actor is a 400-class error.
	_, err = e.engine.ProcessOutbox(ctx, bob, []byte(fmt.Sprintf(`{"type":"Like","object":%q}`, note.ID())))
	assert.ErrorIs(t, err, ap.ErrBadRequest)

	// Follow attempts by the blocked actor are refused.
	_, err = e.engine.ProcessOutbox(ctx, bob, []byte(fmt.Sprintf(`{"type":"Follow","object":%q}`, alice.ID())))
	assert.ErrorIs(t, err, ap.ErrForbidden)

	// Undo(Block) restores readability.
	e.post(t, alice, fmt.Sprintf(`{"type":"Undo","object":%q}`, block.ID()))
	assert.NoError(t, e.authz.CanRead(ctx, e.store, bob.ID(), alice))
}

func TestPrivateActivityVisibility(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")

	note := e.createNote(t, alice, "dear diary", alice.ID()).Map("object")
	stored, err := e.store.GetObject(ctx, note.ID())
	require.NoError(t, err)

	assert.NoError(t, e.authz.CanRead(ctx, e.store, alice.ID(), stored))
	assert.ErrorIs(t, e.authz.CanRead(ctx, e.store, bob.ID(), stored), ap.ErrForbidden)
	assert.ErrorIs(t, e.authz.CanRead(ctx, e.store, "", stored), ap.ErrUnauthorized)
}

func TestReplyAppearsInReplies(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")
	parent := e.createNote(t, alice, "parent").Map("object")

	reply := e.post(t, bob, fmt.Sprintf(
		`{"type":"Create","to":[%q],"object":{"type":"Note","content":"re","inReplyTo":%q}}`,
		ap.PublicIRI, parent.ID()))

	assert.True(t, contains(t, e, parent.GetString("replies"), reply.Map("object").ID()))
}

func TestBtoBccStrippedButDelivered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")

	activity := e.post(t, alice, fmt.Sprintf(
		`{"type":"Create","bcc":[%q],"object":{"type":"Note","content":"psst"}}`, bob.ID()))

	assert.NotContains(t, activity, "bcc")
	stored, err := e.store.GetObject(ctx, activity.ID())
	require.NoError(t, err)
	assert.NotContains(t, stored, "bcc")

	// The hidden recipient still got it.
	assert.True(t, contains(t, e, bob.GetString("inbox"), activity.ID()))
}

func TestRemoteRecipientEnqueuesDelivery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	remote := "https://remote.example/person/r"

	activity := e.post(t, alice, fmt.Sprintf(
		`{"type":"Create","to":[%q],"object":{"type":"Note","content":"hi"}}`, remote))

	jobs, err := e.store.DueDeliveries(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, activity.ID(), jobs[0].ActivityID)
	assert.Equal(t, alice.ID(), jobs[0].Sender)
	assert.Equal(t, remote, jobs[0].Recipient)

	var delivered ap.Object
	require.NoError(t, json.Unmarshal(jobs[0].Activity, &delivered))
	assert.Equal(t, activity.ID(), delivered.ID())
	assert.Contains(t, delivered, "@context")
}

func TestInboxFollowAutoAccepts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	sender := "https://remote.example/person/r"

	follow := ap.Object{
		"id":     "https://remote.example/follow/1",
		"type":   "Follow",
		"actor":  sender,
		"object": alice.ID(),
	}
	require.NoError(t, e.engine.ProcessInbox(ctx, alice, sender, follow))

	assert.True(t, contains(t, e, alice.GetString("followers"), sender))
	assert.True(t, contains(t, e, alice.GetString("inbox"), follow.ID()))

	// An Accept went out to the follower.
	jobs, err := e.store.DueDeliveries(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, sender, jobs[0].Recipient)
	var accept ap.Object
	require.NoError(t, json.Unmarshal(jobs[0].Activity, &accept))
	assert.Equal(t, "Accept", accept.Type())

	// Redelivery is invisible: same follower, same inbox entry, no new Accept.
	require.NoError(t, e.engine.ProcessInbox(ctx, alice, sender, follow))
	assert.Equal(t, 1, totalItems(t, e, alice.GetString("followers")))
	jobs, err = e.store.DueDeliveries(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestInboxRejectsBlockedSenderAndSpoofedActor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	sender := "https://remote.example/person/r"

	// Activity actor must match the verified signer.
	err := e.engine.ProcessInbox(ctx, alice, sender, ap.Object{
		"id":    "https://remote.example/create/1",
		"type":  "Create",
		"actor": "https://remote.example/person/other",
	})
	assert.ErrorIs(t, err, ap.ErrForbidden)

	require.NoError(t, e.store.AppendToCollection(ctx, alice.GetString("blocked"), sender))
	err = e.engine.ProcessInbox(ctx, alice, sender, ap.Object{
		"id":    "https://remote.example/create/2",
		"type":  "Create",
		"actor": sender,
	})
	assert.ErrorIs(t, err, ap.ErrForbidden)
}

func TestInboxAcceptCompletesRemoteFollow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	remote := "https://remote.example/person/r"

	// Outbound follow of a remote actor adds no edge yet.
	follow := e.post(t, alice, fmt.Sprintf(`{"type":"Follow","object":%q}`, remote))
	assert.False(t, contains(t, e, alice.GetString("following"), remote))

	accept := ap.Object{
		"id":    "https://remote.example/accept/1",
		"type":  "Accept",
		"actor": remote,
		"object": map[string]any{
			"id":     follow.ID(),
			"type":   "Follow",
			"actor":  alice.ID(),
			"object": remote,
		},
	}
	require.NoError(t, e.engine.ProcessInbox(ctx, alice, remote, accept))
	assert.True(t, contains(t, e, alice.GetString("following"), remote))
}

func TestInboxCreateStoresRemoteReply(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.register(t, "alice")
	parent := e.createNote(t, alice, "parent").Map("object")
	sender := "https://remote.example/person/r"

	create := ap.Object{
		"id":    "https://remote.example/create/9",
		"type":  "Create",
		"actor": sender,
		"object": map[string]any{
			"id":           "https://remote.example/note/9",
			"type":         "Note",
			"attributedTo": sender,
			"content":      "remote reply",
			"inReplyTo":    parent.ID(),
		},
	}
	require.NoError(t, e.engine.ProcessInbox(ctx, alice, sender, create))

	stored, err := e.store.GetObject(ctx, "https://remote.example/note/9")
	require.NoError(t, err)
	assert.Equal(t, "remote reply", stored.GetString("content"))
	assert.True(t, contains(t, e, parent.GetString("replies"), "https://remote.example/note/9"))
}

func TestRegistryAuth(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	actor, account, err := e.registry.Register(ctx, "alice", "secret", "secret")
	require.NoError(t, err)
	assert.Equal(t, "Person", actor.Type())
	require.NotNil(t, actor.Map("publicKey"))
	assert.Contains(t, actor.Map("publicKey").GetString("publicKeyPem"), "BEGIN PUBLIC KEY")

	// All owned collections exist; blocked is the private one.
	for _, role := range []string{"inbox", "outbox", "followers", "following", "liked", "blocked"} {
		collID := actor.GetString(role)
		require.NotEmpty(t, collID, role)
		info, err := e.store.CollectionInfo(ctx, collID)
		require.NoError(t, err)
		assert.Equal(t, role == "blocked", info.Private, role)
		assert.Equal(t, actor.ID(), info.Owner)
	}

	got, _, err := e.registry.AuthByToken(ctx, account.Token)
	require.NoError(t, err)
	assert.Equal(t, actor.ID(), got.ID())

	_, _, err = e.registry.AuthByToken(ctx, "bogus")
	assert.ErrorIs(t, err, ap.ErrUnauthorized)

	_, err = e.registry.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
	_, err = e.registry.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ap.ErrUnauthorized)

	_, _, err = e.registry.Register(ctx, "alice", "other", "other")
	assert.ErrorIs(t, err, ap.ErrBadRequest)
	_, _, err = e.registry.Register(ctx, "bad name!", "pw", "pw")
	assert.ErrorIs(t, err, ap.ErrBadRequest)
	_, _, err = e.registry.Register(ctx, "carol", "pw", "mismatch")
	assert.ErrorIs(t, err, ap.ErrBadRequest)
}
