package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/onepagepub/onepagepub/internal/ap"
)

// ─── Discovery ────────────────────────────────────────────────────────────────

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	acct := strings.TrimPrefix(resource, "acct:")
	user, host, ok := strings.Cut(acct, "@")
	if !ok || user == "" || host == "" {
		http.Error(w, "invalid resource", http.StatusBadRequest)
		return
	}
	if host != s.cfg.URL().Host {
		http.NotFound(w, r)
		return
	}

	account, err := s.store.AccountByUsername(r.Context(), user)
	if err != nil {
		if errors.Is(err, ap.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		errorResponse(w, err)
		return
	}

	resp := ap.WebFingerResponse{
		Subject: resource,
		Aliases: []string{account.ActorID},
		Links: []ap.WebFingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: account.ActorID,
			},
		},
	}

	w.Header().Set("Content-Type", jrdJSONType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	json.NewEncoder(w).Encode(resp)
}

// ─── Registration ─────────────────────────────────────────────────────────────

const registerFormHTML = `<!DOCTYPE html>
<html>
<head><title>Register</title></head>
<body>
<h1>Register</h1>
<form method="post" action="/register">
<label>Username <input type="text" name="username"></label>
<label>Password <input type="password" name="password"></label>
<label>Confirm <input type="password" name="confirmation"></label>
<button type="submit">Register</button>
</form>
</body>
</html>
`

func (s *Server) handleRegisterForm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, registerFormHTML)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	actor, account, err := s.registry.Register(r.Context(),
		r.PostFormValue("username"),
		r.PostFormValue("password"),
		r.PostFormValue("confirmation"),
	)
	if err != nil {
		errorResponse(w, err)
		return
	}

	slog.Info("registered account", "username", account.Username, "actor", actor.ID())

	// The bearer token is shown exactly once, in a single dedicated span.
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Registered</title></head>
<body>
<h1>Registered %s</h1>
<p>Your actor is <a href="%s">%s</a>.</p>
<p>Save your API token now; it will not be shown again:</p>
<p><span class="token">%s</span></p>
</body>
</html>
`, html.EscapeString(account.Username), actor.ID(), actor.ID(), account.Token)
}

// ─── Objects ──────────────────────────────────────────────────────────────────

// handleObject serves any stored object by its minted IRI. Tombstones are
// served with 410 and the tombstone body.
func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	viewer, _, err := s.viewer(r)
	if err != nil {
		errorResponse(w, err)
		return
	}

	id := s.cfg.BaseURL(r.URL.Path)
	obj, err := s.store.GetObject(r.Context(), id)
	if err != nil {
		errorResponse(w, err)
		return
	}

	if err := s.authz.CanRead(r.Context(), s.store, viewer, obj); err != nil {
		errorResponse(w, err)
		return
	}

	status := http.StatusOK
	if obj.Type() == "Tombstone" {
		status = http.StatusGone
	}
	apResponse(w, ap.WithContext(obj), status)
}

// ─── Collections ──────────────────────────────────────────────────────────────

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	viewer, _, err := s.viewer(r)
	if err != nil {
		errorResponse(w, err)
		return
	}

	token := chi.URLParam(r, "id")
	info, err := s.store.CollectionInfo(r.Context(), s.cfg.BaseURL("/orderedcollection/"+token))
	if err != nil {
		errorResponse(w, err)
		return
	}
	if err := s.authorizeCollection(r, viewer, info); err != nil {
		errorResponse(w, err)
		return
	}

	coll := info.AsObject()
	if last := lastPage(info.TotalItems, s.cfg.PageSize); last >= 1 {
		coll["first"] = s.pageIRI(token, last)
		coll["last"] = s.pageIRI(token, 1)
	}
	apResponse(w, ap.WithContext(coll), http.StatusOK)
}

func (s *Server) handleCollectionPage(w http.ResponseWriter, r *http.Request) {
	viewer, _, err := s.viewer(r)
	if err != nil {
		errorResponse(w, err)
		return
	}

	token, page, err := parsePageID(chi.URLParam(r, "id"))
	if err != nil {
		errorResponse(w, err)
		return
	}

	collID := s.cfg.BaseURL("/orderedcollection/" + token)
	info, err := s.store.CollectionInfo(r.Context(), collID)
	if err != nil {
		errorResponse(w, err)
		return
	}
	if err := s.authorizeCollection(r, viewer, info); err != nil {
		errorResponse(w, err)
		return
	}

	items, err := s.store.CollectionPage(r.Context(), collID, page, s.cfg.PageSize)
	if err != nil {
		errorResponse(w, err)
		return
	}

	// Pages are stored oldest-first; each page is served newest-first, and
	// per-item read authorization redacts what this viewer may not see.
	ordered := make([]any, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		if s.itemVisible(r, viewer, items[i]) {
			ordered = append(ordered, items[i])
		}
	}

	pageObj := ap.Object{
		"id":           s.pageIRI(token, page),
		"type":         "OrderedCollectionPage",
		"partOf":       collID,
		"attributedTo": info.Owner,
		"totalItems":   info.TotalItems,
		"orderedItems": ordered,
	}
	if page > 1 {
		pageObj["next"] = s.pageIRI(token, page-1)
	}
	if page < lastPage(info.TotalItems, s.cfg.PageSize) {
		pageObj["prev"] = s.pageIRI(token, page+1)
	}
	apResponse(w, ap.WithContext(pageObj), http.StatusOK)
}

// authorizeCollection applies the collection read rules: the blocked
// collection is owner-only, everything else follows the object rules.
func (s *Server) authorizeCollection(r *http.Request, viewer string, info *ap.CollectionInfo) error {
	if info.Private && viewer != info.Owner {
		if viewer == "" {
			return ap.ErrUnauthorized
		}
		return fmt.Errorf("private collection: %w", ap.ErrForbidden)
	}
	return s.authz.CanRead(r.Context(), s.store, viewer, info.AsObject())
}

// itemVisible applies per-item redaction during page serving. IRIs without
// a local object (remote actors in followers, for example) pass through.
func (s *Server) itemVisible(r *http.Request, viewer, item string) bool {
	obj, err := s.store.GetObject(r.Context(), item)
	if err != nil {
		return true
	}
	return s.authz.CanRead(r.Context(), s.store, viewer, obj) == nil
}

func (s *Server) pageIRI(token string, page int) string {
	return s.cfg.BaseURL("/orderedcollectionpage/" + token + "-" + strconv.Itoa(page))
}

// parsePageID splits "{collectionToken}-{page}".
func parsePageID(id string) (string, int, error) {
	idx := strings.LastIndex(id, "-")
	if idx <= 0 {
		return "", 0, fmt.Errorf("malformed page id: %w", ap.ErrBadRequest)
	}
	page, err := strconv.Atoi(id[idx+1:])
	if err != nil || page < 1 {
		return "", 0, fmt.Errorf("malformed page number: %w", ap.ErrBadRequest)
	}
	return id[:idx], page, nil
}

// lastPage is the number of the newest page: pages count from the oldest
// items, so the first page served is the highest-numbered one.
func lastPage(total, size int) int {
	if total <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// ─── Inbox / Outbox ───────────────────────────────────────────────────────────

// handleCollectionPost dispatches a POST on a collection IRI by its role:
// an outbox runs the client-to-server pipeline under bearer auth, an inbox
// accepts signed federated deliveries.
func (s *Server) handleCollectionPost(w http.ResponseWriter, r *http.Request) {
	collID := s.cfg.BaseURL("/orderedcollection/" + chi.URLParam(r, "id"))
	info, err := s.store.CollectionInfo(r.Context(), collID)
	if err != nil {
		errorResponse(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	switch info.Role {
	case "outbox":
		s.handleOutboxPost(w, r, info, body)
	case "inbox":
		s.handleInboxPost(w, r, info, body)
	default:
		http.Error(w, "collection does not accept posts", http.StatusBadRequest)
	}
}

func (s *Server) handleOutboxPost(w http.ResponseWriter, r *http.Request, info *ap.CollectionInfo, body []byte) {
	viewer, actor, err := s.viewer(r)
	if err != nil {
		errorResponse(w, err)
		return
	}
	if viewer == "" {
		errorResponse(w, ap.ErrUnauthorized)
		return
	}
	if viewer != info.Owner {
		errorResponse(w, fmt.Errorf("outbox owned by another actor: %w", ap.ErrForbidden))
		return
	}

	activity, err := s.engine.ProcessOutbox(r.Context(), actor, body)
	if err != nil {
		errorResponse(w, err)
		return
	}
	apResponse(w, ap.WithContext(activity), http.StatusOK)
}

func (s *Server) handleInboxPost(w http.ResponseWriter, r *http.Request, info *ap.CollectionInfo, body []byte) {
	sender, err := ap.VerifySignature(r, body)
	if err != nil {
		slog.Warn("invalid HTTP signature", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var activity ap.Object
	if err := json.Unmarshal(body, &activity); err != nil || activity == nil {
		http.Error(w, "malformed activity", http.StatusBadRequest)
		return
	}

	owner, err := s.store.GetObject(r.Context(), info.Owner)
	if err != nil {
		errorResponse(w, err)
		return
	}

	if err := s.engine.ProcessInbox(r.Context(), owner, sender, activity); err != nil {
		errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
