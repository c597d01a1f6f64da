package bsp

import (
	"regexp"
	"strings"
)

var (
	bbAssignRe  = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_-]*)\s*(\??\+?=|:=|\.=)\s*["']?([^"']*)`)
	bbIncludeRe = regexp.MustCompile(`^(require|include)\s+["']?([^"'\s]+)`)
	bbInheritRe = regexp.MustCompile(`^inherit\s+(.+)`)
)

// parseBitBake extracts variable assignments, require/include directives
// and inherited classes
func parseBitBake(content string, res *FileResult) {
	for i, line := range strings.Split(content, "\n") {
		lineNum := i + 1
		stripped := strings.TrimSpace(line)

		if m := bbAssignRe.FindStringSubmatch(stripped); m != nil {
			res.Symbols = append(res.Symbols, Symbol{
				Name:  m[1],
				Value: truncate(m[3], MaxSymbolValue),
				Type:  SymbolVariable,
				Line:  lineNum,
			})
		}

		if m := bbIncludeRe.FindStringSubmatch(stripped); m != nil {
			res.Includes = append(res.Includes, Include{ToPath: m[2], Type: m[1], Line: lineNum})
		}

		if m := bbInheritRe.FindStringSubmatch(stripped); m != nil {
			for _, class := range strings.Fields(m[1]) {
				res.Includes = append(res.Includes, Include{
					ToPath: "classes/" + class + ".bbclass",
					Type:   IncludeInherit,
					Line:   lineNum,
				})
			}
		}
	}
}
