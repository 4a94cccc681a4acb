package h2mux

import (
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// MethodTable maps request methods to the handlers of one route.
type MethodTable struct {
	handlers map[string]Handler

	mu    sync.Mutex
	allow string
	stale bool
}

// NewMethodTable inits an empty table.
func NewMethodTable() *MethodTable {
	return &MethodTable{handlers: map[string]Handler{}}
}

// Set registers h for method, replacing what was there.
func (t *MethodTable) Set(method string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[method] = h
	t.stale = true
}

// Lookup returns the handler for method.
func (t *MethodTable) Lookup(method string) (Handler, bool) {
	h, ok := t.handlers[method]
	return h, ok
}

// Methods returns the registered methods in sorted order.
func (t *MethodTable) Methods() []string {
	methods := lo.Keys(t.handlers)
	slices.Sort(methods)

	return methods
}

// Allow returns the value for the Allow header of a 405 response. It is computed once after each change.
func (t *MethodTable) Allow() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stale {
		t.allow = strings.Join(t.Methods(), ", ")
		t.stale = false
	}

	return t.allow
}
