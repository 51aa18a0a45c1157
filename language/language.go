// Package language describes the languages the engine can highlight: a
// compiled tree-sitter grammar, a highlight query, and the injection rules
// that nest other languages inside it.
//
// Configuration is validated eagerly: NewConfig compiles every query and
// fails fast, reporting all problems at once.  Runtime query execution over a
// valid configuration never fails.
package language

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	sitter "github.com/tree-sitter/go-tree-sitter"
	"go.uber.org/multierr"
)

// ErrPending is returned by a Provider when a language is known but its
// grammar has not finished loading.  The layer stays pending until the host
// signals readiness via the highlighter's LanguageConfigurationChanged.
var ErrPending = errors.New("language: configuration pending")

// ErrUnknown is returned by a Provider for names it cannot resolve at all.
var ErrUnknown = errors.New("language: unknown language")

// Provider resolves a language name to its configuration.  It returns
// ErrPending for deferred grammars and ErrUnknown for unresolvable names.
type Provider func(name string) (*Config, error)

// InjectionRule declares that regions captured by Query embed another
// language.  The query must capture the embedded content as
// @injection.content.  The embedded language is either the fixed Language
// name, or read from the text of the capture named by LanguageCapture (e.g. a
// fenced code block's info string).
//
// Rules are evaluated in declaration order; when two rules claim overlapping
// regions the earlier rule wins.
type InjectionRule struct {
	Query           string
	Language        string
	LanguageCapture string
}

// Injection is a compiled InjectionRule.
type Injection struct {
	Query        *sitter.Query
	ContentIndex uint32 // capture index of @injection.content
	Language     string // fixed language name, or ""
	LangIndex    int32  // capture index naming the language, or -1
}

// Config is one language's immutable, validated configuration.
type Config struct {
	name       string
	grammar    *sitter.Language
	highlights *sitter.Query
	injections []Injection
}

// NewConfig compiles the highlight query and injection rules against the
// grammar.  All compile errors are aggregated and returned together; a
// non-nil error means the configuration is unusable.
func NewConfig(name string, grammar *sitter.Language, highlights string, injections ...InjectionRule) (*Config, error) {
	if name == "" {
		return nil, errors.New("language: empty name")
	}
	if grammar == nil {
		return nil, fmt.Errorf("language %s: nil grammar", name)
	}

	c := &Config{name: name, grammar: grammar}
	var err error

	hq, qerr := sitter.NewQuery(grammar, highlights)
	if qerr != nil {
		err = multierr.Append(err, fmt.Errorf("language %s: highlights query offset %d: %s", name, qerr.Offset, qerr.Message))
	} else {
		c.highlights = hq
	}

	for i, rule := range injections {
		inj, ierr := compileInjection(name, grammar, rule)
		if ierr != nil {
			err = multierr.Append(err, fmt.Errorf("language %s: injection %d: %w", name, i, ierr))
			continue
		}
		c.injections = append(c.injections, inj)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func compileInjection(lang string, grammar *sitter.Language, rule InjectionRule) (Injection, error) {
	q, qerr := sitter.NewQuery(grammar, rule.Query)
	if qerr != nil {
		return Injection{}, fmt.Errorf("query offset %d: %s", qerr.Offset, qerr.Message)
	}
	names := q.CaptureNames()
	content := slices.Index(names, "injection.content")
	if content < 0 {
		return Injection{}, errors.New("query has no @injection.content capture")
	}
	inj := Injection{Query: q, ContentIndex: uint32(content), Language: rule.Language, LangIndex: -1}
	if rule.LanguageCapture != "" {
		li := slices.Index(names, rule.LanguageCapture)
		if li < 0 {
			return Injection{}, fmt.Errorf("query has no @%s capture", rule.LanguageCapture)
		}
		inj.LangIndex = int32(li)
	}
	if inj.Language == "" && inj.LangIndex < 0 {
		return Injection{}, errors.New("rule names no embedded language")
	}
	return inj, nil
}

// Name returns the language identifier.
func (c *Config) Name() string { return c.name }

// Grammar returns the compiled tree-sitter language.
func (c *Config) Grammar() *sitter.Language { return c.grammar }

// Highlights returns the compiled highlight query, shared read-only across
// goroutines.
func (c *Config) Highlights() *sitter.Query { return c.highlights }

// Injections returns the compiled injection rules in declaration order.
func (c *Config) Injections() []Injection { return c.injections }

// LoaderFunc builds a configuration for a language name.  Registries run it
// on a background goroutine; it must not touch layer state directly.
type LoaderFunc func(name string) (*Config, error)

// Registry is a Provider backed by registered configurations plus an
// optional background loader for deferred grammars.  Loads never mutate
// shared highlighter state: completion is announced through subscribed
// readiness callbacks, which hosts forward to LanguageConfigurationChanged.
type Registry struct {
	mu      sync.Mutex
	configs map[string]*Config
	loading map[string]bool
	failed  map[string]error
	load    LoaderFunc
	subs    map[int]func(name string)
	nextSub int
}

// NewRegistry returns a Registry using load to resolve unknown names.  A nil
// load makes the registry serve only explicitly Registered configurations.
func NewRegistry(load LoaderFunc) *Registry {
	return &Registry{
		configs: make(map[string]*Config),
		loading: make(map[string]bool),
		failed:  make(map[string]error),
		load:    load,
		subs:    make(map[int]func(name string)),
	}
}

// Register makes c immediately available under its name.
func (r *Registry) Register(c *Config) {
	r.mu.Lock()
	r.configs[c.Name()] = c
	delete(r.failed, c.Name())
	r.mu.Unlock()
}

// Subscribe adds a callback invoked (from the loader goroutine) each time a
// deferred language becomes available.  The returned func removes the
// subscription; callers that outlive documents must use it.
func (r *Registry) Subscribe(fn func(name string)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Lookup implements Provider.  Unknown names with a loader configured start a
// background load and return ErrPending; names whose load already failed
// return that failure wrapped in ErrUnknown.
func (r *Registry) Lookup(name string) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.configs[name]; ok {
		return c, nil
	}
	if err, ok := r.failed[name]; ok {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnknown, name, err)
	}
	if r.load == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	if !r.loading[name] {
		r.loading[name] = true
		go r.runLoad(name)
	}
	return nil, ErrPending
}

func (r *Registry) runLoad(name string) {
	c, err := r.load(name)

	r.mu.Lock()
	delete(r.loading, name)
	if err != nil || c == nil {
		if err == nil {
			err = ErrUnknown
		}
		r.failed[name] = err
		r.mu.Unlock()
		return
	}
	r.configs[name] = c
	subs := slices.Collect(maps.Values(r.subs))
	r.mu.Unlock()

	for _, fn := range subs {
		fn(name)
	}
}
