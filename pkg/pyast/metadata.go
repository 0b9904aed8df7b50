package pyast

import (
	"regexp"
	"strings"

	"github.com/cuemby/bifrost/pkg/entities"
	"github.com/cuemby/bifrost/pkg/types"
)

var labelBoundary = regexp.MustCompile(`([a-z])([A-Z])`)

// reservedParamNames are skipped when building a parameter schema: they
// are injected by the runtime, not supplied by the caller.
var reservedParamNames = map[string]bool{
	"self": true, "cls": true, "context": true,
}

// ToMetadata converts one decorated function into the entity metadata
// the indexer upserts, applying the same defaulting rules the SDK
// decorator itself applies at import time (so a function indexed
// statically here and one introspected at runtime agree).
func ToMetadata(fn FunctionDef) entities.Metadata {
	kwargs := fn.Decorator.Kwargs

	name, _ := kwargs["name"].(string)
	if name == "" {
		name = fn.Name
	}

	description, _ := kwargs["description"].(string)
	if description == "" {
		description = fn.Docstring
	}

	category, _ := kwargs["category"].(string)
	if category == "" {
		category = "General"
	}

	tags := toStringSlice(kwargs["tags"])

	endpointEnabled, _ := kwargs["endpoint_enabled"].(bool)

	allowedMethods := toStringSlice(kwargs["allowed_methods"])
	if len(allowedMethods) == 0 {
		allowedMethods = []string{"POST"}
	}

	executionMode := types.ExecutionMode("")
	if raw, ok := kwargs["execution_mode"].(string); ok && raw != "" {
		executionMode = types.ExecutionMode(raw)
	}
	if executionMode == "" {
		if endpointEnabled {
			executionMode = types.ExecutionModeSync
		} else {
			executionMode = types.ExecutionModeAsync
		}
	}

	timeoutSeconds := toInt(kwargs["timeout_seconds"], 1800)
	cacheTTLSeconds := toInt(kwargs["cache_ttl_seconds"], 300)

	isTool, _ := kwargs["is_tool"].(bool)
	kind := types.EntityKindWorkflow
	switch fn.Decorator.Name {
	case "tool":
		kind = types.EntityKindTool
	case "data_provider":
		kind = types.EntityKindDataProvider
	case "workflow":
		if isTool {
			kind = types.EntityKindTool
		}
	}

	return entities.Metadata{
		FunctionSymbol:   fn.Name,
		Name:             name,
		Kind:             kind,
		Description:      description,
		Category:         category,
		Tags:             tags,
		ParametersSchema: buildParameterSchema(fn.Params),
		EndpointEnabled:  endpointEnabled,
		AllowedMethods:   allowedMethods,
		ExecutionMode:    executionMode,
		TimeoutSeconds:   timeoutSeconds,
		CacheTTLSeconds:  cacheTTLSeconds,
	}
}

func buildParameterSchema(params []Param) []types.ParameterSpec {
	var out []types.ParameterSpec
	for _, p := range params {
		if reservedParamNames[p.Name] {
			continue
		}
		if strings.Contains(p.Annotation, "ExecutionContext") {
			continue
		}

		uiType := "string"
		required := !p.HasDefault
		var options []string
		if p.Annotation != "" {
			uiType = annotationUIType(p.Annotation)
			if isOptionalAnnotation(p.Annotation) {
				required = false
			}
			options = literalOptions(p.Annotation)
		}

		out = append(out, types.ParameterSpec{
			Name:     p.Name,
			Type:     uiType,
			Required: required,
			Label:    paramLabel(p.Name),
			Default:  p.Default,
			Options:  options,
		})
	}
	return out
}

// paramLabel turns a snake_case or camelCase parameter name into a
// human title, e.g. "retry_count" -> "Retry Count".
func paramLabel(name string) string {
	spaced := strings.ReplaceAll(name, "_", " ")
	spaced = labelBoundary.ReplaceAllString(spaced, "$1 $2")
	words := strings.Fields(strings.ToLower(spaced))
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt(v any, fallback int) int {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	default:
		return fallback
	}
}
