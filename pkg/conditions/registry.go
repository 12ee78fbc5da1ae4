// Package conditions classifies legacy rule conditions into triggers and
// filters and translates each one into a workflow.DataCondition.
package conditions

import (
	"errors"
	"fmt"
	"sync"

	"github.com/primaryrutabaga/rule-migrator/pkg/schemas"
	"github.com/primaryrutabaga/rule-migrator/pkg/workflow"
)

// Kind says whether a legacy spec is a trigger condition or a filter.
type Kind int

const (
	KindCondition Kind = iota
	KindFilter
)

func (k Kind) String() string {
	if k == KindCondition {
		return "condition"
	}
	return "filter"
}

// ErrUnknownCondition is returned when a discriminator has no translator.
var ErrUnknownCondition = errors.New("unknown condition")

// ErrNoCondition is returned when a translator succeeds without producing a
// condition.
var ErrNoCondition = errors.New("translator returned no condition")

// TranslateContext is what a translator may use besides its input Spec.
type TranslateContext struct {
	// Group is the condition group the result will belong to. Its ID is
	// zero during a dry run.
	Group *workflow.DataConditionGroup
	// Filters is only set for translators registered with AbsorbsFilters.
	Filters []schemas.Spec
}

// Translator turns one legacy spec into a data condition.
type Translator interface {
	Translate(spec schemas.Spec, tc TranslateContext) (*workflow.DataCondition, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(spec schemas.Spec, tc TranslateContext) (*workflow.DataCondition, error)

func (f TranslatorFunc) Translate(spec schemas.Spec, tc TranslateContext) (*workflow.DataCondition, error) {
	return f(spec, tc)
}

// Entry is one row of the classification table.
type Entry struct {
	Kind       Kind
	Translator Translator
	// AbsorbsFilters marks a trigger that folds the rule's filters into its
	// own comparison; the filters are then not migrated separately.
	AbsorbsFilters bool
}

// Registry maps legacy discriminators to entries. It is safe for concurrent
// use once populated.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces the entry for id.
func (r *Registry) Register(id string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = e
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// AbsorbsFilters reports whether the trigger with this id consumes filters.
func (r *Registry) AbsorbsFilters(id string) bool {
	e, ok := r.Lookup(id)
	return ok && e.AbsorbsFilters
}

// Split separates trigger conditions from filters, keeping their order.
// Unknown discriminators are treated as filters.
func (r *Registry) Split(specs []schemas.Spec) (conds, filters []schemas.Spec) {
	for _, s := range specs {
		if e, ok := r.Lookup(s.ID()); ok && e.Kind == KindCondition {
			conds = append(conds, s)
			continue
		}
		filters = append(filters, s)
	}
	return conds, filters
}

// Translate runs the translator registered for the discriminator of spec.
// The input is cloned first so translators cannot modify the rule.
func (r *Registry) Translate(spec schemas.Spec, tc TranslateContext) (*workflow.DataCondition, error) {
	id := spec.ID()
	e, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCondition, id)
	}
	if !e.AbsorbsFilters {
		tc.Filters = nil
	}
	dc, err := e.Translator.Translate(spec.Clone(), tc)
	if err != nil {
		return nil, fmt.Errorf("translate %s: %w", id, err)
	}
	if dc == nil {
		return nil, fmt.Errorf("translate %s: %w", id, ErrNoCondition)
	}
	if tc.Group != nil {
		dc.ConditionGroupID = tc.Group.ID
	}
	return dc, nil
}
