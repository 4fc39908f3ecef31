package runtime

import (
	"context"
	"sync"
)

// Token is the cooperative cancellation signal for one in-flight request.
// Firing it never terminates the handler; the handler observes the signal
// between units of work and winds down on its own.
type Token struct {
	done chan struct{}
	once sync.Once
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel fires the token. Safe to call more than once.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether the token has fired.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once the token fires. Handlers select
// on it while waiting for slow work.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Context derives a context from parent that is canceled when the token
// fires. Handlers hand it to context-aware collaborators such as
// exec.CommandContext. The returned cancel must be called once the work
// settles to release the watcher.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// CancelRegistry tracks the live cancellation token for each request id.
// Tokens are registered when a request starts executing and removed when it
// settles, so a late cancellation for a finished request finds nothing.
type CancelRegistry struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{tokens: make(map[string]*Token)}
}

// Register returns the live token for id, creating one if needed. A second
// request reusing an id shares the existing token rather than displacing it.
func (r *CancelRegistry) Register(id string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.tokens[id]; ok {
		return tok
	}
	tok := newToken()
	r.tokens[id] = tok
	return tok
}

// Cancel fires the token registered for id and reports whether one was live.
// Unknown ids are ignored; the request may have settled already.
func (r *CancelRegistry) Cancel(id string) bool {
	r.mu.Lock()
	tok, ok := r.tokens[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	tok.Cancel()
	return true
}

// Remove drops the token for id. The token itself stays usable by anything
// still holding it.
func (r *CancelRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.tokens, id)
	r.mu.Unlock()
}

// Live reports the number of registered tokens.
func (r *CancelRegistry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
