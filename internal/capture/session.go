// Package capture wires the page-side taps (network responses, cross-document
// messages, identity storage, sign-in SDK callbacks) to a per-page session
// that reports each observed account email at most once.
package capture

import (
	"log/slog"
	"strings"
	"sync"
)

const (
	SourceGoogleOAuth    = "google-oauth"
	SourceGoogleSignIn   = "google-signin"
	SourceLocalStorage   = "localStorage"
	SourceSessionStorage = "sessionStorage"
)

// Event is the single notification type that crosses from the page context
// to the controller.
type Event struct {
	Email  string `json:"email"`
	Source string `json:"source"`
}

type Emitter interface {
	Emit(Event)
}

type EmitterFunc func(Event)

func (f EmitterFunc) Emit(event Event) {
	f(event)
}

// Session is the dedup set for one page load. A navigation or reload gets a
// fresh Session.
type Session struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewSession() *Session {
	return &Session{seen: map[string]struct{}{}}
}

func (s *Session) Has(normalized string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[normalized]
	return ok
}

// markNew records normalized and reports whether it was absent.
func (s *Session) markNew(normalized string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[normalized]; ok {
		return false
	}
	s.seen[normalized] = struct{}{}
	return true
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

type Reporter struct {
	session *Session
	emitter Emitter
	logger  *slog.Logger
}

func NewReporter(session *Session, emitter Emitter, logger *slog.Logger) *Reporter {
	if session == nil {
		session = NewSession()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reporter{session: session, emitter: emitter, logger: logger}
}

func (r *Reporter) Session() *Session {
	return r.session
}

// Report emits email once per session. The emitted event keeps the address
// exactly as observed; only the dedup key is lowercased.
func (r *Reporter) Report(email, source string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}
	if !r.session.markNew(strings.ToLower(email)) {
		return false
	}
	r.logger.Debug("account email observed", "source", source)
	if r.emitter != nil {
		r.emitter.Emit(Event{Email: email, Source: source})
	}
	return true
}
