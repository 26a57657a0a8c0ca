// Package session assigns each connecting client a stable session identifier.
package session

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// DefaultCookieName carries the session identifier between reconnects.
const DefaultCookieName = "ortofix_session"

// State is the per-connection session state. It holds at most one
// identifier, set on first resolution and never changed afterwards.
type State struct {
	mu sync.Mutex
	id string
}

// NewState returns a State already holding id. An empty id means the state
// has not been resolved yet.
func NewState(id string) *State {
	return &State{id: id}
}

// ID returns the stored identifier, or "" before resolution.
func (s *State) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Resolver maps connections to session identifiers.
type Resolver struct {
	CookieName string
	// Secure marks issued cookies as HTTPS-only.
	Secure bool
}

// NewResolver creates a Resolver using cookieName, or DefaultCookieName when empty.
func NewResolver(cookieName string) *Resolver {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Resolver{CookieName: cookieName}
}

// Resolve returns the identifier held by st, generating and storing a fresh
// one on first contact.
func (r *Resolver) Resolve(st *State) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.id == "" {
		st.id = uuid.NewString()
	}
	return st.id
}

// FromRequest seeds a State from the session cookie on req. Cookies that do
// not hold a valid UUID are ignored.
func (r *Resolver) FromRequest(req *http.Request) *State {
	c, err := req.Cookie(r.CookieName)
	if err != nil {
		return NewState("")
	}
	id, err := uuid.Parse(c.Value)
	if err != nil {
		return NewState("")
	}
	return NewState(id.String())
}

// Cookie builds the cookie that lets the client present id again on reconnect.
func (r *Resolver) Cookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     r.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
