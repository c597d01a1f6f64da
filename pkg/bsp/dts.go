package bsp

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	dtNodeRe     = regexp.MustCompile(`^(?:(\w+)\s*:\s*)?(\S+?)(?:@([0-9a-fA-F]+))?\s*\{`)
	dtPropertyRe = regexp.MustCompile(`^([\w,#-]+)\s*(?:=\s*(.+?))?;$`)
	dtRefRe      = regexp.MustCompile(`&(\w+)`)
	dtGPIORe     = regexp.MustCompile(`&(\w+)\s+(\d+)(?:\s+(\w+))?`)
)

type dtFrame struct {
	parent string
	label  string
}

// parseDTS tracks the node path with a stack of open braces. Overlay nodes
// (&label { ... }) start a new path rooted at the reference.
func parseDTS(content string, res *FileResult) {
	var stack []dtFrame
	current := ""
	currentLabel := ""

	for i, line := range strings.Split(content, "\n") {
		lineNum := i + 1
		stripped := strings.TrimSpace(line)

		if m := includeRe.FindStringSubmatch(stripped); m != nil {
			res.Includes = append(res.Includes, Include{ToPath: m[1], Type: IncludeDirective, Line: lineNum})
			continue
		}

		if m := dtNodeRe.FindStringSubmatch(stripped); m != nil {
			label, name, address := m[1], m[2], m[3]
			path := nodePath(current, name)

			stack = append(stack, dtFrame{parent: current, label: currentLabel})
			current = path
			currentLabel = label
			if currentLabel == "" {
				currentLabel = strings.TrimPrefix(name, "&")
			}

			res.Nodes = append(res.Nodes, Node{
				Path:      path,
				Name:      name,
				Label:     label,
				Address:   address,
				StartLine: lineNum,
				EndLine:   lineNum,
			})
			if label != "" {
				res.Symbols = append(res.Symbols, Symbol{Name: label, Value: path, Type: SymbolLabel, Line: lineNum})
			}
			continue
		}

		if stripped == "};" || stripped == "}" {
			if len(stack) > 0 {
				for j := len(res.Nodes) - 1; j >= 0; j-- {
					if res.Nodes[j].Path == current {
						res.Nodes[j].EndLine = lineNum
						break
					}
				}
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				current, currentLabel = top.parent, top.label
			}
			continue
		}

		m := dtPropertyRe.FindStringSubmatch(stripped)
		if m == nil || current == "" {
			continue
		}
		name, value := m[1], m[2]
		res.Properties = append(res.Properties, Property{
			NodePath: current,
			Name:     name,
			Value:    truncate(value, MaxPropertyValue),
			Line:     lineNum,
		})
		for _, ref := range dtRefRe.FindAllStringSubmatch(value, -1) {
			res.Symbols = append(res.Symbols, Symbol{Name: "&" + ref[1], Value: ref[1], Type: SymbolLabelRef, Line: lineNum})
		}
		if name == "gpios" || strings.HasSuffix(name, "-gpios") || strings.HasSuffix(name, "-gpio") {
			res.GPIOPins = append(res.GPIOPins, gpioPins(name, currentLabel, value)...)
		}
	}
}

// nodePath joins a node name onto its parent path. The root node "/" maps to
// "/" and overlay references start their own path.
func nodePath(parent, name string) string {
	switch {
	case strings.HasPrefix(name, "&"):
		return name
	case parent == "" && name == "/":
		return "/"
	case parent == "" || parent == "/":
		return "/" + name
	default:
		return parent + "/" + name
	}
}

// gpioPins decodes <&controller pin [flags]> specifiers
func gpioPins(prop, label, value string) []GPIOPin {
	function := strings.TrimSuffix(strings.TrimSuffix(prop, "-gpios"), "-gpio")
	var pins []GPIOPin
	for _, m := range dtGPIORe.FindAllStringSubmatch(value, -1) {
		pin, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		pins = append(pins, GPIOPin{
			Controller: m[1],
			Pin:        pin,
			Label:      label,
			Function:   function,
			Direction:  gpioDirection(m[3]),
		})
	}
	return pins
}

func gpioDirection(flags string) string {
	switch {
	case strings.Contains(flags, "ACTIVE_LOW"):
		return "active-low"
	case strings.Contains(flags, "ACTIVE_HIGH"):
		return "active-high"
	case flags == "0":
		return "active-high"
	case flags == "1":
		return "active-low"
	default:
		return ""
	}
}
