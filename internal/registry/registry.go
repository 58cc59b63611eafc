// Package registry maps event-type patterns to ordered, prioritized
// handler functions. The registry is append-only for the life of a
// process: handlers are registered before dispatch begins and never
// unregistered.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/djlord-it/sellerpulse/internal/domain"
)

var (
	ErrDuplicateName = errors.New("handler name already registered")
	ErrMissingName   = errors.New("handler name is required")
	ErrNilFunc       = errors.New("handler function is required")
)

// PatternKind discriminates the supported pattern shapes. Patterns are
// a small tagged variant instead of runtime regexes.
type PatternKind int

const (
	// PatternLiteral matches the event type exactly.
	PatternLiteral PatternKind = iota
	// PatternPrefix matches any type beginning with the prefix
	// (written "inventory.*").
	PatternPrefix
	// PatternAll matches every type (written "*").
	PatternAll
)

// Pattern matches event types against a literal, a dot-namespace
// prefix, or everything.
type Pattern struct {
	kind   PatternKind
	prefix string // PatternPrefix: includes trailing dot; PatternLiteral: full type
}

// ParsePattern interprets a pattern string. "*" matches all types,
// "inventory.*" matches the inventory namespace, anything else is a
// literal match.
func ParsePattern(s string) (Pattern, error) {
	switch {
	case s == "":
		return Pattern{}, errors.New("empty pattern")
	case s == "*":
		return Pattern{kind: PatternAll}, nil
	case strings.HasSuffix(s, ".*"):
		return Pattern{kind: PatternPrefix, prefix: s[:len(s)-1]}, nil
	case strings.Contains(s, "*"):
		return Pattern{}, fmt.Errorf("unsupported pattern %q: wildcard allowed only as trailing .* or bare *", s)
	default:
		return Pattern{kind: PatternLiteral, prefix: s}, nil
	}
}

// MustParsePattern is ParsePattern for statically known patterns.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic("registry.MustParsePattern: " + err.Error())
	}
	return p
}

// Matches reports whether the pattern covers the given event type.
func (p Pattern) Matches(eventType string) bool {
	switch p.kind {
	case PatternAll:
		return true
	case PatternPrefix:
		return strings.HasPrefix(eventType, p.prefix)
	default:
		return eventType == p.prefix
	}
}

// String renders the pattern in its source form.
func (p Pattern) String() string {
	switch p.kind {
	case PatternAll:
		return "*"
	case PatternPrefix:
		return p.prefix + "*"
	default:
		return p.prefix
	}
}

// RetryPolicy bounds re-attempts for a single handler.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// Exponential doubles the delay per prior attempt:
	// delay = BaseDelay * 2^retryCount.
	Exponential bool
}

// Delay returns the wait before the retry with the given prior attempt
// count.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if !p.Exponential {
		return p.BaseDelay
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
	}
	return d
}

// Func is a handler body. It must be safe to re-execute for the same
// envelope: entries are redelivered after a crash, so handlers
// check-then-act against the audit store or upsert idempotently.
type Func func(ctx context.Context, env domain.Envelope) error

// Handler is one named registration.
type Handler struct {
	Name     string
	Pattern  Pattern
	Priority int
	Retry    RetryPolicy
	Handle   Func
}

// Registry holds registered handlers. Safe for concurrent use, though
// in practice registration happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
	names    map[string]struct{}
}

func New() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register appends a handler. Names are unique per registry.
func (r *Registry) Register(h Handler) error {
	if h.Name == "" {
		return ErrMissingName
	}
	if h.Handle == nil {
		return ErrNilFunc
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.names[h.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, h.Name)
	}
	r.names[h.Name] = struct{}{}
	r.handlers = append(r.handlers, h)
	return nil
}

// Match returns the handlers covering the event type, priority
// descending, ties broken by registration order.
func (r *Registry) Match(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Handler
	for _, h := range r.handlers {
		if h.Pattern.Matches(eventType) {
			matched = append(matched, h)
		}
	}

	// SliceStable keeps registration order for equal priorities.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})
	return matched
}

// Lookup returns the handler with the given name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.handlers {
		if h.Name == name {
			return h, true
		}
	}
	return Handler{}, false
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
