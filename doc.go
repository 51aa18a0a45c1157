// Package treelight is an incremental syntax highlighting engine built on
// tree-sitter.  A Highlighter owns one document: it parses the content into a
// graph of language layers (one per injected language region), tracks edits
// incrementally, and writes minimal attribute updates to a pluggable text
// system.
//
// The host notifies the highlighter of content mutations with
// WillChangeContent / DidChangeContent pairs; the highlighter re-parses only
// the affected layers and restyles only ranges whose tokenization actually
// changed.  Validation is debounced so bursts of edits coalesce into a single
// restyle pass, with visible ranges styled first.
package treelight
