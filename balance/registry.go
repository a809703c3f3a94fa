package balance

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/spf13/pflag"
)

// Registry errors. Returned errors wrap these sentinels.
var (
	// ErrUnknown is returned when a spec names an unregistered strategy.
	ErrUnknown = errors.New("balance: unknown load balancer")

	// ErrDuplicate is returned when a name is registered twice.
	ErrDuplicate = errors.New("balance: duplicate load balancer")

	// ErrSpec is returned for a malformed "name(args)" spec.
	ErrSpec = errors.New("balance: malformed spec")

	// ErrArgs is returned when a strategy rejects its arguments.
	ErrArgs = errors.New("balance: invalid arguments")
)

// Factory creates a load balancer from its argument vector.
type Factory func(args []string) (LoadBalancer, error)

// Registry maps strategy names to factories.
//
// A Registry is an explicit object built at startup and handed to whoever
// selects strategies; there is no package-level table. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	capacity  int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCapacity bounds the number of registrations. Exceeding the bound is
// fatal: Register panics.
func WithCapacity(n int) RegistryOption {
	return func(r *Registry) {
		r.capacity = n
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewDefaultRegistry creates a registry holding the built-in strategies:
// "simple", "cyclic" and "workqueue".
func NewDefaultRegistry(opts ...RegistryOption) *Registry {
	r := NewRegistry(opts...)
	r.mustRegister("simple", noArgs("simple", func() LoadBalancer { return NewSimple() }))
	r.mustRegister("cyclic", noArgs("cyclic", func() LoadBalancer { return NewCyclic() }))
	r.mustRegister("workqueue", NewWQFromArgs)
	return r
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("%w: empty name or nil factory", ErrSpec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	if r.capacity > 0 && len(r.factories) >= r.capacity {
		panic(fmt.Sprintf("balance: registry capacity %d exhausted registering %q", r.capacity, name))
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) mustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Select parses spec ("name" or "name(args ...)") and builds the strategy.
func (r *Registry) Select(spec string) (LoadBalancer, error) {
	name, args, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return f(args)
}

// SelectOrDefault behaves like Select but degrades to the static split when
// spec cannot be satisfied. The error that caused the fallback is logged.
func (r *Registry) SelectOrDefault(spec string) LoadBalancer {
	lb, err := r.Select(spec)
	if err != nil {
		logger().Warn("balance: falling back to simple load balancer", "spec", spec, "err", err)
		return NewSimple()
	}
	return lb
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ParseSpec splits a component spec of the form "name(arg arg ...)" into its
// name and arguments. Arguments are separated by white space; an argument
// immediately followed by a parenthesized group keeps the group, so
// "a(b(c d) e)" yields name "a" and args ["b(c d)", "e"].
func ParseSpec(spec string) (name string, args []string, err error) {
	spec = strings.TrimSpace(spec)
	open := strings.IndexByte(spec, '(')
	if open < 0 {
		if spec == "" || strings.ContainsFunc(spec, unicode.IsSpace) || strings.ContainsRune(spec, ')') {
			return "", nil, fmt.Errorf("%w: %q", ErrSpec, spec)
		}
		return spec, nil, nil
	}

	name = strings.TrimSpace(spec[:open])
	if name == "" || strings.ContainsFunc(name, unicode.IsSpace) {
		return "", nil, fmt.Errorf("%w: garbage before ( in %q", ErrSpec, spec)
	}
	if !strings.HasSuffix(spec, ")") {
		return "", nil, fmt.Errorf("%w: no matching ) or garbage after ) in %q", ErrSpec, spec)
	}

	body := spec[open+1 : len(spec)-1]
	depth := 0
	start := -1
	for i, r := range body {
		switch {
		case r == '(':
			if start < 0 {
				start = i
			}
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return "", nil, fmt.Errorf("%w: unbalanced ) in %q", ErrSpec, spec)
			}
		case unicode.IsSpace(r) && depth == 0:
			if start >= 0 {
				args = append(args, body[start:i])
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if depth != 0 {
		return "", nil, fmt.Errorf("%w: unbalanced ( in %q", ErrSpec, spec)
	}
	if start >= 0 {
		args = append(args, body[start:])
	}
	return name, args, nil
}

// noArgs adapts a constructor for strategies that take no arguments.
func noArgs(name string, newFn func() LoadBalancer) Factory {
	return func(args []string) (LoadBalancer, error) {
		if len(args) > 0 {
			return nil, fmt.Errorf("%w: %s takes no arguments, got %q", ErrArgs, name, args)
		}
		return newFn(), nil
	}
}

// newArgSet returns a quiet flag set for strategy arguments.
func newArgSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// NewArgSet returns a flag set suitable for parsing strategy arguments with
// ParseArgs. Strategies defined outside this package use it.
func NewArgSet(name string) *pflag.FlagSet {
	return newArgSet(name)
}

// ParseArgs parses strategy arguments, accepting the single-dash long form
// ("-granularity 10") used by component specs as well as "--granularity=10".
// Positional arguments are rejected.
func ParseArgs(fs *pflag.FlagSet, args []string) error {
	return parseArgs(fs, args)
}

func parseArgs(fs *pflag.FlagSet, args []string) error {
	normalized := make([]string, len(args))
	for i, a := range args {
		if len(a) > 2 && a[0] == '-' && a[1] != '-' && !isNumber(a) {
			a = "-" + a
		}
		normalized[i] = a
	}
	if err := fs.Parse(normalized); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrArgs, fs.Name(), err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: %s: unexpected arguments %q", ErrArgs, fs.Name(), fs.Args())
	}
	return nil
}

// isNumber reports whether s looks like a negative number rather than a flag.
func isNumber(s string) bool {
	for _, r := range s[1:] {
		if !unicode.IsDigit(r) && r != '.' {
			return false
		}
	}
	return true
}
