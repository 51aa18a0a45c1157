package language

import (
	_ "embed"
	"fmt"
	"sync"

	sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_css "github.com/tree-sitter/tree-sitter-css/bindings/go"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tree_sitter_html "github.com/tree-sitter/tree-sitter-html/bindings/go"
	tree_sitter_js "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
)

//go:embed queries/go.scm
var goHighlights string

//go:embed queries/javascript.scm
var jsHighlights string

//go:embed queries/html.scm
var htmlHighlights string

//go:embed queries/css.scm
var cssHighlights string

// Built-in configurations compile once and are shared read-only across all
// documents and goroutines.
var (
	goConfig = sync.OnceValues(func() (*Config, error) {
		return NewConfig("go", sitter.NewLanguage(tree_sitter_go.Language()), goHighlights)
	})
	jsConfig = sync.OnceValues(func() (*Config, error) {
		return NewConfig("javascript", sitter.NewLanguage(tree_sitter_js.Language()), jsHighlights)
	})
	htmlConfig = sync.OnceValues(func() (*Config, error) {
		return NewConfig("html", sitter.NewLanguage(tree_sitter_html.Language()), htmlHighlights,
			InjectionRule{
				Query:    "(script_element (raw_text) @injection.content)",
				Language: "javascript",
			},
			InjectionRule{
				Query:    "(style_element (raw_text) @injection.content)",
				Language: "css",
			},
		)
	})
	cssConfig = sync.OnceValues(func() (*Config, error) {
		return NewConfig("css", sitter.NewLanguage(tree_sitter_css.Language()), cssHighlights)
	})
)

// Go returns the built-in Go configuration.
func Go() (*Config, error) { return goConfig() }

// JavaScript returns the built-in JavaScript configuration.
func JavaScript() (*Config, error) { return jsConfig() }

// HTML returns the built-in HTML configuration.  Its script and style
// elements inject JavaScript and CSS child layers.
func HTML() (*Config, error) { return htmlConfig() }

// CSS returns the built-in CSS configuration.
func CSS() (*Config, error) { return cssConfig() }

// Builtin compiles and returns the named built-in configuration
// synchronously.  Hosts use it for a document's root language; injected
// languages usually resolve through NewBuiltinRegistry instead so their
// compilation does not block the caller.
func Builtin(name string) (*Config, error) {
	switch name {
	case "go":
		return Go()
	case "javascript", "js":
		return JavaScript()
	case "html":
		return HTML()
	case "css":
		return CSS()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
}

// NewBuiltinRegistry returns a Registry that resolves the built-in languages,
// compiling each grammar on a background goroutine on first lookup.
func NewBuiltinRegistry() *Registry {
	return NewRegistry(Builtin)
}

// ByExtension maps a file extension (with or without the leading dot) to a
// built-in language name; ok is false for unknown extensions.
func ByExtension(ext string) (string, bool) {
	if len(ext) > 0 && ext[0] == '.' {
		ext = ext[1:]
	}
	switch ext {
	case "go":
		return "go", true
	case "js", "mjs", "cjs":
		return "javascript", true
	case "html", "htm":
		return "html", true
	case "css":
		return "css", true
	default:
		return "", false
	}
}
