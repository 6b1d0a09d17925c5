package ap

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Object is an ActivityStreams 2.0 object. AS2 objects are open-content, so
// they are kept as structured JSON and accessed through typed helpers rather
// than a fixed struct.
type Object map[string]any

// ID returns the object's IRI, or "" if it has none.
func (o Object) ID() string { return o.GetString("id") }

// Type returns the object's primary type. When `type` is an array the first
// entry wins.
func (o Object) Type() string {
	switch v := o["type"].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// GetString returns a top-level string property, or "".
func (o Object) GetString(key string) string {
	if s, ok := o[key].(string); ok {
		return s
	}
	return ""
}

// Strings returns a property that may be a single string or an array of
// strings (both are valid per the AS2 spec), flattened to a slice.
func (o Object) Strings(key string) []string {
	switch v := o[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Map returns a nested object property, or nil.
func (o Object) Map(key string) Object {
	if m, ok := o[key].(map[string]any); ok {
		return Object(m)
	}
	return nil
}

// AttributedTo returns the authoring actor IRI, handling the string, object
// and array forms of the property.
func (o Object) AttributedTo() string {
	switch v := o["attributedTo"].(type) {
	case string:
		return v
	case map[string]any:
		return Object(v).ID()
	case []any:
		if len(v) > 0 {
			return ObjectID(v[0])
		}
	}
	return ""
}

// Audience returns the read-visibility addressing set: to, cc and audience.
func (o Object) Audience() []string {
	return dedup(append(append(o.Strings("to"), o.Strings("cc")...), o.Strings("audience")...))
}

// Recipients returns the full delivery addressing set, including bto and bcc.
func (o Object) Recipients() []string {
	all := o.Audience()
	all = append(all, o.Strings("bto")...)
	all = append(all, o.Strings("bcc")...)
	return dedup(all)
}

// StripHidden removes bto and bcc. Both are dropped from stored and
// delivered copies once recipients have been computed.
func (o Object) StripHidden() {
	delete(o, "bto")
	delete(o, "bcc")
}

// Clone returns a deep copy via a JSON round-trip.
func (o Object) Clone() Object {
	data, _ := json.Marshal(o)
	var m Object
	_ = json.Unmarshal(data, &m)
	return m
}

// ObjectID extracts an IRI from a value that is either a bare string or an
// embedded object with an id.
func ObjectID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		return Object(t).ID()
	case Object:
		return t.ID()
	}
	return ""
}

// NewToken returns an unguessable random token with 128 bits of entropy.
func NewToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // the kernel CSPRNG does not fail
	}
	return hex.EncodeToString(buf)
}

// MintID mints a fresh IRI for a new object of the given type:
// base + "/" + lowercase type + "/" + random token.
func MintID(base, typ string) string {
	if typ == "" {
		typ = "object"
	}
	return strings.TrimRight(base, "/") + "/" + strings.ToLower(typ) + "/" + NewToken()
}

// Now returns the current UTC time in the wire format used for published,
// updated and deleted timestamps.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// IsLocalID returns true if the IRI belongs to this instance.
func IsLocalID(id, base string) bool {
	b := strings.TrimRight(base, "/")
	return id == b || strings.HasPrefix(id, b+"/")
}

var activityTypes = map[string]bool{
	"Accept": true, "Add": true, "Announce": true, "Arrive": true,
	"Block": true, "Create": true, "Delete": true, "Dislike": true,
	"Flag": true, "Follow": true, "Ignore": true, "Invite": true,
	"Join": true, "Leave": true, "Like": true, "Listen": true,
	"Move": true, "Offer": true, "Question": true, "Reject": true,
	"Read": true, "Remove": true, "TentativeAccept": true,
	"TentativeReject": true, "Travel": true, "Undo": true,
	"Update": true, "View": true, "IntransitiveActivity": true,
	"Activity": true,
}

// IsActivityType reports whether t names an Activity subtype. Payloads that
// are not activities get wrapped in a Create by the outbox pipeline.
func IsActivityType(t string) bool { return activityTypes[t] }

func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
