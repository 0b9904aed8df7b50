package pyast

import (
	"regexp"
	"strings"

	"github.com/cuemby/bifrost/pkg/types"
)

// sdkAttrRef matches a dotted reference rooted at the bifrost SDK
// package, e.g. "bifrost.internal_only_call" or "bifrost.db.raw_query".
var sdkAttrRef = regexp.MustCompile(`\bbifrost\.([A-Za-z_][A-Za-z0-9_]*)`)

// ScanUnexposedSymbols reports every reference to a bifrost.<symbol>
// attribute where <symbol> is not in knownSymbols, as a warning
// diagnostic: the platform's SDK surface intentionally hides internal
// helpers, and a workflow that reaches for one will fail at runtime
// even though it indexes and saves cleanly.
func ScanUnexposedSymbols(path string, content []byte, knownSymbols []string) []types.Diagnostic {
	known := make(map[string]bool, len(knownSymbols))
	for _, s := range knownSymbols {
		known[s] = true
	}

	var diags []types.Diagnostic
	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		for _, m := range sdkAttrRef.FindAllStringSubmatchIndex(line, -1) {
			symbol := line[m[2]:m[3]]
			if known[symbol] {
				continue
			}
			diags = append(diags, types.Diagnostic{
				Severity: types.SeverityWarning,
				Kind:     types.DiagnosticUnexposedSymbol,
				Path:     path,
				Line:     i + 1,
				Column:   m[0] + 1,
				Message:  "reference to unexposed SDK symbol: bifrost." + symbol,
			})
		}
	}
	return diags
}
