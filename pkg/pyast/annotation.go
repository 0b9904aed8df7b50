package pyast

import (
	"strconv"
	"strings"
)

var annotationUITypes = map[string]string{
	"str":   "string",
	"int":   "int",
	"float": "float",
	"bool":  "bool",
	"list":  "list",
	"dict":  "json",
}

// annotationUIType maps a parameter's type annotation text to the
// parameter's UI type, including the list[T]/dict[K,V]/Optional[T]/
// Literal[...] and T | None forms the SDK decorator supports.
func annotationUIType(annotation string) string {
	annotation = strings.TrimSpace(annotation)
	if annotation == "" {
		return "string"
	}

	if base, _, ok := subscriptParts(annotation); ok {
		switch base {
		case "list":
			return "list"
		case "dict":
			return "json"
		case "Optional":
			if t, ok := annotationUITypes[innerOptionalType(annotation)]; ok {
				return t
			}
			return "string"
		case "Literal":
			return literalUIType(annotation)
		}
		return "json"
	}

	if left, right, ok := splitUnion(annotation); ok {
		return annotationUIType(pickNonNone(left, right))
	}

	if t, ok := annotationUITypes[annotation]; ok {
		return t
	}
	return "json"
}

// isOptionalAnnotation reports whether annotation is Optional[T] or a
// T | None union.
func isOptionalAnnotation(annotation string) bool {
	annotation = strings.TrimSpace(annotation)
	if base, _, ok := subscriptParts(annotation); ok && base == "Optional" {
		return true
	}
	if left, right, ok := splitUnion(annotation); ok {
		return strings.TrimSpace(left) == "None" || strings.TrimSpace(right) == "None"
	}
	return false
}

// literalOptions extracts the option list from a Literal["a", "b", ...]
// annotation, or nil if annotation isn't a Literal subscript.
func literalOptions(annotation string) []string {
	base, inner, ok := subscriptParts(annotation)
	if !ok || base != "Literal" {
		return nil
	}
	var opts []string
	for _, part := range splitTopLevel(inner, ',') {
		value, ok := parseLiteral(strings.TrimSpace(part))
		if !ok || value == nil {
			continue
		}
		opts = append(opts, toOptionString(value))
	}
	return opts
}

func toOptionString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "True"
		}
		return "False"
	default:
		return fmtAny(v)
	}
}

func fmtAny(v any) string {
	switch t := v.(type) {
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return ""
	}
}

// subscriptParts splits "Name[inner]" into ("Name", "inner", true).
func subscriptParts(annotation string) (base, inner string, ok bool) {
	annotation = strings.TrimSpace(annotation)
	open := strings.IndexByte(annotation, '[')
	if open < 0 || !strings.HasSuffix(annotation, "]") {
		return "", "", false
	}
	return strings.TrimSpace(annotation[:open]), annotation[open+1 : len(annotation)-1], true
}

// splitUnion splits "A | B" (PEP 604 union syntax) at the top-level '|'.
func splitUnion(annotation string) (left, right string, ok bool) {
	l, r, found := splitFirstTopLevel(annotation, '|')
	if !found {
		return "", "", false
	}
	return l, r, true
}

func pickNonNone(left, right string) string {
	if strings.TrimSpace(left) == "None" {
		return strings.TrimSpace(right)
	}
	return strings.TrimSpace(left)
}

func innerOptionalType(annotation string) string {
	_, inner, ok := subscriptParts(annotation)
	if !ok {
		return ""
	}
	return strings.TrimSpace(inner)
}

func literalUIType(annotation string) string {
	_, inner, ok := subscriptParts(annotation)
	if !ok {
		return "string"
	}
	parts := splitTopLevel(inner, ',')
	if len(parts) == 0 {
		return "string"
	}
	value, ok := parseLiteral(strings.TrimSpace(parts[0]))
	if !ok {
		return "string"
	}
	switch value.(type) {
	case bool:
		return "bool"
	case int:
		return "int"
	case float64:
		return "float"
	case string:
		return "string"
	default:
		return "string"
	}
}
