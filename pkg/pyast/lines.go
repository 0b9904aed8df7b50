package pyast

import (
	"strings"

	"github.com/cuemby/bifrost/pkg/types"
)

// logicalLine is one Python statement after joining any physical lines
// that continue it inside open brackets or a backslash continuation.
type logicalLine struct {
	text      string
	firstLine int // 1-based source line the logical line starts on
	indent    int // leading-space count of the first physical line
}

// joinLogicalLines splits src into logical lines, collapsing
// parenthesis/bracket/brace continuations and triple-quoted strings so
// that a decorator call or a function signature spanning several
// physical lines is seen as a single line by the scanners above it.
func joinLogicalLines(src string) ([]logicalLine, []types.Diagnostic) {
	var out []logicalLine
	var diags []types.Diagnostic

	physical := strings.Split(src, "\n")

	depth := 0
	var buf strings.Builder
	startLine := 0
	indent := 0
	inTripleSingle, inTripleDouble := false, false

	flush := func() {
		text := buf.String()
		if strings.TrimSpace(text) != "" {
			out = append(out, logicalLine{text: text, firstLine: startLine, indent: indent})
		}
		buf.Reset()
	}

	for i, raw := range physical {
		lineNo := i + 1
		if buf.Len() == 0 {
			startLine = lineNo
			indent = leadingSpaces(raw)
		}

		line := raw
		if inTripleSingle || inTripleDouble {
			buf.WriteString("\n")
			buf.WriteString(line)
			if (inTripleSingle && strings.Contains(line, "'''")) ||
				(inTripleDouble && strings.Contains(line, `"""`)) {
				inTripleSingle, inTripleDouble = false, false
			}
			continue
		}

		// Strip a trailing comment that starts outside of any string
		// literal on this physical line (best-effort: doesn't need to be
		// perfect for comments containing quote characters).
		line = stripLineComment(line)

		if strings.Count(line, "'''")%2 == 1 {
			inTripleSingle = true
		}
		if strings.Count(line, `"""`)%2 == 1 {
			inTripleDouble = true
		}

		depth += bracketDelta(line)

		trimmed := strings.TrimRight(line, " \t")
		continued := strings.HasSuffix(trimmed, "\\")
		if continued {
			trimmed = strings.TrimSuffix(trimmed, "\\")
		}

		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(strings.TrimSpace(trimmed))

		if depth <= 0 && !continued && !inTripleSingle && !inTripleDouble {
			depth = 0
			flush()
		}
	}
	flush()

	if depth != 0 {
		diags = append(diags, types.Diagnostic{
			Severity: types.SeverityError,
			Kind:     types.DiagnosticSyntaxError,
			Line:     startLine,
			Message:  "unbalanced brackets: file ends with unclosed bracket depth",
		})
	}

	return out, diags
}

func leadingSpaces(s string) int {
	n := 0
	for _, r := range s {
		if r == ' ' {
			n++
		} else if r == '\t' {
			n += 8
		} else {
			break
		}
	}
	return n
}

// stripLineComment removes a trailing "# ..." comment, tracking simple
// single/double-quoted strings so a '#' inside a string literal isn't
// mistaken for a comment marker. Triple-quoted strings are handled by
// the caller, not here.
func stripLineComment(line string) string {
	inSingle, inDouble := false, false
	for i, r := range line {
		switch r {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '#':
			if !inSingle && !inDouble {
				return line[:i]
			}
		}
	}
	return line
}

func bracketDelta(line string) int {
	delta := 0
	inSingle, inDouble := false, false
	for _, r := range line {
		switch r {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '(', '[', '{':
			if !inSingle && !inDouble {
				delta++
			}
		case ')', ']', '}':
			if !inSingle && !inDouble {
				delta--
			}
		}
	}
	return delta
}
