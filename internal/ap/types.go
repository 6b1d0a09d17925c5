// Package ap implements the ActivityPub protocol core: the object model,
// authorization, addressing, the activity side-effect pipeline and federated
// delivery.
package ap

import (
	"encoding/json"
	"fmt"
)

const (
	PublicIRI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security"
	BlockedNS         = "https://purl.archive.org/socialweb/blocked"
)

// DefaultContext is the fixed JSON-LD @context attached to every AP
// response. No general JSON-LD processing happens; only this context is
// recognized.
var DefaultContext = []any{
	ActivityStreamsNS,
	SecurityNS,
	BlockedNS,
}

// WithContext returns a copy of the object with the default @context set.
func WithContext(o Object) Object {
	out := o.Clone()
	out["@context"] = DefaultContext
	return out
}

// StringOrArray deserialises an AP field that may be either a JSON string
// or a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

// Actor is the lean view of a remote actor used by delivery and signature
// verification.
type Actor struct {
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	PreferredUsername string     `json:"preferredUsername,omitempty"`
	Inbox             string     `json:"inbox"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	Following         string     `json:"following,omitempty"`
	PublicKey         *PublicKey `json:"publicKey,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
}

// PublicKey is an RSA public key attached to an actor or served standalone.
type PublicKey struct {
	ID           string `json:"id"`
	Type         string `json:"type,omitempty"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Endpoints holds shared inbox and other endpoints.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// WebFinger response structures (JRD).
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}
