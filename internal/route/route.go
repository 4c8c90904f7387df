// Package route maps an update to a handler: a classifier digests the
// update down to a category key, and a routing table binds keys to
// handlers. Routing decouples ingestion from business logic; both live
// traffic and scheduler-emitted events flow through one dispatch point.
package route

import (
	"fmt"

	"github.com/lsm/relay/internal/update"
)

// Handler consumes a dispatched update.
type Handler func(update.Update)

// Classifier maps an update to a category key. Classifiers are pure:
// same update, same key.
type Classifier func(update.Update) (string, error)

// Table binds category keys to handlers.
type Table map[string]Handler

// Option configures a Router.
type Option func(*Router)

// WithFallback installs the handler invoked when a classified key has
// no table entry. Without a fallback, unmatched keys are a no-op.
func WithFallback(h Handler) Option {
	return func(r *Router) {
		r.fallback = h
	}
}

// Router dispatches updates by category. The table may be swapped at
// any time via SetTable; a swap concurrent with an in-flight Dispatch
// is not sequenced here — callers needing that guarantee serialize
// their own swaps.
type Router struct {
	classify Classifier
	table    Table
	fallback Handler
}

// New creates a Router over the given classifier and table.
func New(classify Classifier, table Table, opts ...Option) *Router {
	r := &Router{classify: classify, table: table}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTable replaces the routing table. Handlers may call this to
// temporarily narrow the categories they accept.
func (r *Router) SetTable(table Table) {
	r.table = table
}

// Dispatch classifies the update and invokes the bound handler, or the
// fallback when the key has no entry. A classifier failure propagates
// to the caller: a misclassifiable update is a data error, not a
// routing concern. An absent key with no fallback is a silent no-op.
func (r *Router) Dispatch(u update.Update) error {
	key, err := r.classify(u)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}

	if h, ok := r.table[key]; ok {
		h(u)
		return nil
	}
	if r.fallback != nil {
		r.fallback(u)
	}
	return nil
}
