package bsp

import (
	"regexp"
	"strings"
)

var (
	defineRe  = regexp.MustCompile(`^#define\s+([A-Za-z_][A-Za-z0-9_]*)\s*(.*)`)
	includeRe = regexp.MustCompile(`^#include\s*[<"]([^>"]+)[>"]`)
)

func parseHeader(content string, res *FileResult) {
	for i, line := range strings.Split(content, "\n") {
		lineNum := i + 1
		stripped := strings.TrimSpace(line)

		if m := defineRe.FindStringSubmatch(stripped); m != nil {
			res.Symbols = append(res.Symbols, Symbol{
				Name:  m[1],
				Value: truncate(m[2], MaxSymbolValue),
				Type:  SymbolDefine,
				Line:  lineNum,
			})
		}
		if m := includeRe.FindStringSubmatch(stripped); m != nil {
			res.Includes = append(res.Includes, Include{ToPath: m[1], Type: IncludeDirective, Line: lineNum})
		}
	}
}
