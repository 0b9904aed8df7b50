// Package pyast implements the AST inspector (C4): it scans Python
// source for @workflow/@tool/@data_provider decorated functions without
// importing or executing the module, extracting the same metadata the
// platform's decorator machinery would see at runtime.
//
// No Python-grammar library exists in the surrounding dependency stack,
// so this package works directly off a hand-written tokenizer: a fast
// substring pre-check skips files with no decorator-like text entirely,
// and only files that might contain a real decorator pay for a full
// logical-line scan.
package pyast

import (
	"strings"

	"github.com/cuemby/bifrost/pkg/types"
)

// sdkDecoratorNames are the only decorator identifiers the platform
// recognizes; anything else (including a module-qualified form whose
// final attribute isn't one of these) is left alone.
var sdkDecoratorNames = map[string]bool{
	"workflow":      true,
	"tool":          true,
	"data_provider": true,
}

// FunctionDef is a single decorated top-level or nested function found
// during a scan, already reduced to the fields the entity indexer needs.
type FunctionDef struct {
	Name       string
	Line       int
	IsAsync    bool
	Decorator  Decorator
	Params     []Param
	Docstring  string
}

// Decorator is a parsed @name or @name(...) / @module.name(...) annotation.
type Decorator struct {
	Name   string // "workflow", "tool", or "data_provider"
	Kwargs map[string]any
}

// Param is one parameter of a decorated function's signature.
type Param struct {
	Name        string
	Annotation  string
	HasDefault  bool
	Default     any
}

// ScanResult is the outcome of scanning one Python file.
type ScanResult struct {
	EntityType    string // "module" or "workflow"
	HasDecorators bool
	Functions     []FunctionDef
	Diagnostics   []types.Diagnostic
}

// Scan detects whether content contains SDK-decorated functions and, if
// so, extracts their metadata. Files with no decorator-like substrings
// are reported as entity type "module" without ever being tokenized,
// mirroring the memory-saving fast path the indexer relies on for large
// plain Python modules.
func Scan(path string, content []byte) (*ScanResult, error) {
	src := string(content)

	if !strings.Contains(src, "@workflow") &&
		!strings.Contains(src, "@data_provider") &&
		!strings.Contains(src, "@tool") {
		return &ScanResult{EntityType: "module"}, nil
	}

	lines, diags := joinLogicalLines(src)

	funcs, parseDiags := scanFunctions(path, lines)
	diags = append(diags, parseDiags...)

	if len(funcs) == 0 {
		return &ScanResult{EntityType: "module", HasDecorators: false, Diagnostics: diags}, nil
	}

	return &ScanResult{
		EntityType:    "workflow",
		HasDecorators: true,
		Functions:     funcs,
		Diagnostics:   diags,
	}, nil
}
