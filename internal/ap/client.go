package ap

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-fed/httpsig"
)

var httpClient = &http.Client{
	Timeout: 10 * time.Second,
}

const (
	objectCacheTTL = time.Hour
	userAgent      = "onepagepub/1.0 (https://github.com/onepagepub/onepagepub)"

	// maxDateSkew is the allowed clock drift on the Date header of signed
	// requests.
	maxDateSkew = 5 * time.Minute
)

type cacheEntry struct {
	obj     Object
	expires time.Time
}

// objectCache is a TTL-bounded in-memory cache for fetched remote objects.
var objectCache sync.Map // url → cacheEntry

// FetchObject fetches an ActivityPub object from a remote URL.
// Results are cached.
func FetchObject(ctx context.Context, rawURL string) (Object, error) {
	if cached, ok := objectCache.Load(rawURL); ok {
		entry := cached.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.obj, nil
		}
		objectCache.Delete(rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, ErrUpstream)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, ErrGone
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d: %w", rawURL, resp.StatusCode, ErrUpstream)
	}

	var obj Object
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", rawURL, ErrUpstream)
	}

	objectCache.Store(rawURL, cacheEntry{obj: obj, expires: time.Now().Add(objectCacheTTL)})
	return obj, nil
}

// FetchActor fetches and parses a remote Actor object.
func FetchActor(ctx context.Context, actorURL string) (*Actor, error) {
	obj, err := FetchObject(ctx, actorURL)
	if err != nil {
		return nil, err
	}
	data, _ := json.Marshal(obj)
	var actor Actor
	if err := json.Unmarshal(data, &actor); err != nil {
		return nil, fmt.Errorf("parse actor %s: %w", actorURL, ErrUpstream)
	}
	return &actor, nil
}

// FetchKey dereferences a signature keyId and returns the public key. The
// target may be a standalone Key object or an actor carrying publicKey.
func FetchKey(ctx context.Context, keyID string) (*PublicKey, error) {
	obj, err := FetchObject(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if pem := obj.GetString("publicKeyPem"); pem != "" {
		return &PublicKey{
			ID:           obj.ID(),
			Owner:        obj.GetString("owner"),
			PublicKeyPem: pem,
		}, nil
	}
	if pk := obj.Map("publicKey"); pk != nil {
		return &PublicKey{
			ID:           pk.ID(),
			Owner:        pk.GetString("owner"),
			PublicKeyPem: pk.GetString("publicKeyPem"),
		}, nil
	}
	return nil, fmt.Errorf("no public key at %s: %w", keyID, ErrUpstream)
}

// InvalidateCache removes a URL from the object cache.
func InvalidateCache(rawURL string) {
	objectCache.Delete(rawURL)
}

// StatusError reports a failed delivery attempt. Status 0 means a transport
// error.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("deliver to %s: transport error", e.URL)
	}
	return fmt.Sprintf("deliver to %s: HTTP %d", e.URL, e.Status)
}

// Permanent reports whether the failure should not be retried: any 4xx
// except 408 and 429.
func (e *StatusError) Permanent() bool {
	if e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests {
		return false
	}
	return e.Status >= 400 && e.Status < 500
}

// DeliverActivity POSTs an activity to a remote inbox with an HTTP
// signature covering (request-target), host, date and the body digest.
func DeliverActivity(ctx context.Context, inbox string, body []byte, keyID string, privKey *rsa.PrivateKey) error {
	req, err := http.NewRequestWithContext(ctx, "POST", inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return &StatusError{Status: 0, URL: inbox}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &StatusError{Status: resp.StatusCode, URL: inbox}
	}

	slog.Debug("delivered activity", "inbox", inbox, "status", resp.StatusCode)
	return nil
}

// VerifySignature verifies an inbound signed request against the remotely
// fetched signing key and returns the signing actor's IRI. The body must be
// passed separately because the handler has already drained it.
func VerifySignature(req *http.Request, body []byte) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("create verifier: %w", err)
	}

	if err := verifyDate(req.Header.Get("Date")); err != nil {
		return "", err
	}
	if err := verifyDigest(req.Header.Get("Digest"), body); err != nil {
		return "", err
	}

	keyID := verifier.KeyId()
	key, err := FetchKey(req.Context(), keyID)
	if err != nil {
		return "", fmt.Errorf("fetch key %s: %w", keyID, err)
	}
	if key.Owner == "" {
		return "", fmt.Errorf("key %s has no owner", keyID)
	}

	pubKey, err := ParsePublicKeyPEM(key.PublicKeyPem)
	if err != nil {
		return "", fmt.Errorf("parse public key %s: %w", keyID, err)
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	return key.Owner, nil
}

func verifyDate(date string) error {
	if date == "" {
		return fmt.Errorf("missing Date header")
	}
	t, err := http.ParseTime(date)
	if err != nil {
		return fmt.Errorf("invalid Date header: %w", err)
	}
	skew := time.Since(t)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxDateSkew {
		return fmt.Errorf("date skew %s exceeds %s", skew, maxDateSkew)
	}
	return nil
}

func verifyDigest(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("missing Digest header")
	}
	want, ok := strings.CutPrefix(header, "SHA-256=")
	if !ok {
		return fmt.Errorf("unsupported digest algorithm in %q", header)
	}
	sum := sha256.Sum256(body)
	got := base64.StdEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return fmt.Errorf("digest mismatch")
	}
	return nil
}
