// Package registry provides the CEL-Go based metric selector registry.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Predicate reports whether a ledger row belongs to a metric.
type Predicate func(tx *domain.Transaction) bool

// Registry holds compiled metric selectors.
type Registry struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*CompiledMetric
	order    []string
}

// CompiledMetric holds a metric definition with its pre-compiled selector.
type CompiledMetric struct {
	Definition *domain.MetricDefinition
	Program    cel.Program
}

// New creates a registry with an empty selector set.
func New() (*Registry, error) {
	// CEL environment exposing the ledger row fields selectors can match
	// on, plus the string extensions (lowerAscii and friends).
	env, err := cel.NewEnv(
		ext.Strings(),
		cel.Variable("account_code", cel.StringType),
		cel.Variable("account_name", cel.StringType),
		cel.Variable("coa_code", cel.StringType),
		cel.Variable("coa_name", cel.StringType),
		cel.Variable("description", cel.StringType),
		cel.Variable("customer_name", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Registry{
		env:      env,
		compiled: make(map[string]*CompiledMetric),
	}, nil
}

// NewWithDefaults creates a registry loaded with the built-in metric set.
func NewWithDefaults() (*Registry, error) {
	r, err := New()
	if err != nil {
		return nil, err
	}
	if err := r.LoadDefinitions(domain.DefaultMetricDefinitions()); err != nil {
		return nil, err
	}
	return r, nil
}

// ValidateDefinition compiles a selector without loading it.
func (r *Registry) ValidateDefinition(def *domain.MetricDefinition) error {
	if def == nil {
		return fmt.Errorf("metric definition is required")
	}
	_, err := r.compile(def)
	return err
}

// LoadDefinition compiles and registers a metric definition. Reloading a
// name replaces its selector but keeps its registration order.
func (r *Registry) LoadDefinition(def *domain.MetricDefinition) error {
	compiled, err := r.compile(def)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.compiled[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.compiled[def.Name] = compiled
	return nil
}

// LoadDefinitions compiles and registers multiple definitions.
func (r *Registry) LoadDefinitions(defs []*domain.MetricDefinition) error {
	for _, def := range defs {
		if err := r.LoadDefinition(def); err != nil {
			return fmt.Errorf("metric %s: %w", def.Name, err)
		}
	}
	return nil
}

func (r *Registry) compile(def *domain.MetricDefinition) (*CompiledMetric, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("metric name is required")
	}
	if def.Selector == "" {
		return nil, fmt.Errorf("metric selector is required")
	}

	ast, issues := r.env.Compile(def.Selector)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile selector: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("selector must evaluate to bool, got %s", ast.OutputType())
	}

	program, err := r.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build program: %w", err)
	}

	return &CompiledMetric{Definition: def, Program: program}, nil
}

// Names returns the registered metric names in load order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Definitions returns the registered definitions in load order.
func (r *Registry) Definitions() []*domain.MetricDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*domain.MetricDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.compiled[name].Definition)
	}
	return defs
}

// Resolve returns the predicate for a registered metric, or false when the
// name is unknown.
func (r *Registry) Resolve(metricName string) (Predicate, bool) {
	r.mu.RLock()
	cm, ok := r.compiled[metricName]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return r.predicate(cm), true
}

// Match evaluates a registered metric's selector against a ledger row.
// Unknown metrics never match.
func (r *Registry) Match(metricName string, tx *domain.Transaction) bool {
	pred, ok := r.Resolve(metricName)
	if !ok {
		return false
	}
	return pred(tx)
}

func (r *Registry) predicate(cm *CompiledMetric) Predicate {
	return func(tx *domain.Transaction) bool {
		out, _, err := cm.Program.Eval(activation(tx))
		if err != nil {
			// A selector that errors on a row excludes the row.
			return false
		}
		b, ok := out.(types.Bool)
		return ok && bool(b)
	}
}

func activation(tx *domain.Transaction) map[string]any {
	return map[string]any{
		"account_code":  tx.AccountCode,
		"account_name":  tx.AccountName,
		"coa_code":      tx.CoaCode,
		"coa_name":      tx.CoaName,
		"description":   tx.Description,
		"customer_name": tx.CustomerName,
		"amount":        tx.Amount,
	}
}
