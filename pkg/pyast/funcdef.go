package pyast

import (
	"fmt"
	"strings"

	"github.com/cuemby/bifrost/pkg/types"
)

// defKeyword recognizes the start of a function definition
// logical line, after "async " has been stripped if present.
const defKeyword = "def "

// scanFunctions walks logical lines looking for decorator stacks that
// sit directly above a function definition, parsing each matching
// def's signature and leading docstring.
func scanFunctions(path string, lines []logicalLine) ([]FunctionDef, []types.Diagnostic) {
	var funcs []FunctionDef
	var diags []types.Diagnostic

	var pending []Decorator

	for i := 0; i < len(lines); i++ {
		text := strings.TrimSpace(lines[i].text)

		if strings.HasPrefix(text, "@") {
			if d, ok := parseDecoratorLine(text); ok {
				pending = append(pending, d)
			}
			continue
		}

		isAsync := strings.HasPrefix(text, "async "+defKeyword)
		bare := text
		if isAsync {
			bare = strings.TrimPrefix(text, "async ")
		}

		if !strings.HasPrefix(bare, defKeyword) {
			if text != "" {
				pending = nil // any non-decorator statement breaks the decorator run
			}
			continue
		}

		name, params, err := parseFuncHeader(bare)
		if err != nil {
			diags = append(diags, types.Diagnostic{
				Severity: types.SeverityError,
				Kind:     types.DiagnosticSyntaxError,
				Path:     path,
				Line:     lines[i].firstLine,
				Message:  err.Error(),
			})
			pending = nil
			continue
		}

		docstring := ""
		if i+1 < len(lines) {
			docstring = extractDocstring(lines[i+1].text)
		}

		for _, d := range pending {
			if !sdkDecoratorNames[d.Name] {
				continue
			}
			funcs = append(funcs, FunctionDef{
				Name:      name,
				Line:      lines[i].firstLine,
				IsAsync:   isAsync,
				Decorator: d,
				Params:    params,
				Docstring: docstring,
			})
		}
		pending = nil
	}

	return funcs, diags
}

// parseFuncHeader parses "def name(params) -> ret:" (the "def " prefix
// still present) into a function name and parameter list.
func parseFuncHeader(text string) (name string, params []Param, err error) {
	rest := strings.TrimPrefix(text, defKeyword)
	parenIdx := strings.IndexByte(rest, '(')
	if parenIdx < 0 {
		return "", nil, fmt.Errorf("malformed function definition: missing parameter list")
	}
	name = strings.TrimSpace(rest[:parenIdx])

	lastParen := strings.LastIndexByte(rest, ')')
	if lastParen < 0 || lastParen < parenIdx {
		return "", nil, fmt.Errorf("malformed function definition: unbalanced parameter list")
	}
	argsText := rest[parenIdx+1 : lastParen]

	for _, raw := range splitTopLevel(argsText, ',') {
		p := parseParam(raw)
		if p.Name == "" {
			continue
		}
		params = append(params, p)
	}

	return name, params, nil
}

// parseParam splits one "name[: annotation][= default]" fragment.
func parseParam(raw string) Param {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "*")
	raw = strings.TrimPrefix(raw, "*")

	nameAndAnnotation, defaultText, hasDefault := splitFirstTopLevel(raw, '=')
	name, annotation, _ := splitFirstTopLevel(nameAndAnnotation, ':')
	name = strings.TrimSpace(name)

	p := Param{Name: name, Annotation: strings.TrimSpace(annotation)}
	if hasDefault {
		p.HasDefault = true
		p.Default, _ = parseLiteral(strings.TrimSpace(defaultText))
	}
	return p
}

// extractDocstring recognizes a logical line that is nothing but a
// string literal - the AST shape of a function's leading docstring
// statement - and returns its first line, trimmed.
func extractDocstring(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "'") && !strings.HasPrefix(trimmed, "\"") {
		return ""
	}
	value, ok := parseLiteral(trimmed)
	if !ok {
		return ""
	}
	s, ok := value.(string)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = strings.TrimSpace(s[:idx])
	}
	return s
}
