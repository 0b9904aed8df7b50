package pyast

import "strings"

// parseDecoratorLine recognizes a single logical decorator line:
// "@workflow", "@workflow(...)", or "@bifrost.workflow(...)" - the
// module-qualified form used when the SDK is imported as a package
// rather than with "from bifrost import workflow".
func parseDecoratorLine(text string) (Decorator, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "@") {
		return Decorator{}, false
	}
	body := strings.TrimPrefix(trimmed, "@")

	name, rest, hasCall := splitDecoratorHead(body)
	if !sdkDecoratorNames[name] {
		return Decorator{}, false
	}

	if !hasCall {
		return Decorator{Name: name, Kwargs: map[string]any{}}, true
	}

	kwargs := parseKwargs(rest)
	return Decorator{Name: name, Kwargs: kwargs}, true
}

// splitDecoratorHead pulls the (possibly module-qualified) decorator
// name off the front of body and reports the text inside a trailing
// "(...)" call, if present.
func splitDecoratorHead(body string) (name string, argsText string, hasCall bool) {
	i := 0
	runes := []rune(body)
	for i < len(runes) && (isIdentPart(runes[i]) || runes[i] == '.') {
		i++
	}
	head := string(runes[:i])
	if dot := strings.LastIndexByte(head, '.'); dot >= 0 {
		name = head[dot+1:]
	} else {
		name = head
	}

	remainder := strings.TrimSpace(string(runes[i:]))
	if strings.HasPrefix(remainder, "(") && strings.HasSuffix(remainder, ")") {
		return name, remainder[1 : len(remainder)-1], true
	}
	return name, "", false
}

// parseKwargs splits a decorator call's argument text into keyword
// arguments. Positional arguments (none of the SDK decorators define
// any) are skipped rather than rejected, matching the original's
// behavior of only ever reading keyword.arg entries.
func parseKwargs(argsText string) map[string]any {
	kwargs := map[string]any{}
	for _, arg := range splitTopLevel(argsText, ',') {
		key, valueText, ok := splitFirstTopLevel(arg, '=')
		if !ok {
			continue // positional argument, ignored
		}
		key = strings.TrimSpace(key)
		if key == "" || !isValidIdent(key) {
			continue
		}
		value, _ := parseLiteral(strings.TrimSpace(valueText))
		if value != nil {
			kwargs[key] = value
		}
	}
	return kwargs
}

func isValidIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !isIdentStart(r) {
			return false
		}
		if i > 0 && !isIdentPart(r) {
			return false
		}
	}
	return true
}
