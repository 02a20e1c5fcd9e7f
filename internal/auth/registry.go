package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNoAuthenticator = errors.New("no authenticator for ticket kind")
	ErrInvalidTicket   = errors.New("invalid ticket")
	ErrRegistryClosed  = errors.New("authenticator registry closed")
)

// TicketKind discriminates the platform that issued a client's ticket.
type TicketKind uint8

const (
	TicketNone TicketKind = iota
	TicketJWT
)

func (k TicketKind) String() string {
	switch k {
	case TicketNone:
		return "none"
	case TicketJWT:
		return "jwt"
	}
	return fmt.Sprintf("TicketKind(%d)", uint8(k))
}

// Authenticator verifies tickets of a single kind. VerifyTicket may block and
// is always called off the server loop.
type Authenticator interface {
	Kind() TicketKind
	VerifyTicket(ctx context.Context, ticket []byte) (AccountInfo, error)
}

// Result is delivered to the callback passed to Registry.Verify.
type Result struct {
	Info AccountInfo
	Err  error
}

// Registry dispatches ticket verification to the matching Authenticator on a
// background goroutine and queues the outcome until the next Drain. Callbacks
// therefore always run on the goroutine that calls Drain.
type Registry struct {
	timeout        time.Duration
	authenticators map[TicketKind]Authenticator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	completed []func()
	closed    bool
}

func NewRegistry(timeout time.Duration, authenticators ...Authenticator) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		timeout:        timeout,
		authenticators: make(map[TicketKind]Authenticator),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, a := range authenticators {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the authenticator for a.Kind().
func (r *Registry) Register(a Authenticator) {
	r.mu.Lock()
	r.authenticators[a.Kind()] = a
	r.mu.Unlock()
}

func (r *Registry) Has(kind TicketKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.authenticators[kind]
	return ok
}

// Verify starts verifying ticket. done is invoked from a later call to Drain,
// never from Verify itself.
func (r *Registry) Verify(kind TicketKind, ticket []byte, done func(Result)) error {
	r.mu.Lock()
	a, ok := r.authenticators[kind]
	closed := r.closed
	if !closed && ok {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	if closed {
		return ErrRegistryClosed
	}
	if !ok {
		return fmt.Errorf("%w: %v", ErrNoAuthenticator, kind)
	}

	go func() {
		defer r.wg.Done()

		ctx := r.ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		info, err := a.VerifyTicket(ctx, ticket)

		r.mu.Lock()
		r.completed = append(r.completed, func() { done(Result{Info: info, Err: err}) })
		r.mu.Unlock()
	}()
	return nil
}

// Drain runs every completion queued since the previous call and returns how
// many ran.
func (r *Registry) Drain() int {
	r.mu.Lock()
	completed := r.completed
	r.completed = nil
	r.mu.Unlock()

	for _, fn := range completed {
		fn()
	}
	return len(completed)
}

// Close cancels outstanding verifications and waits for them to return.
// Their completions are discarded.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	r.completed = nil
	r.mu.Unlock()
}
