// Package bsp scans and parses Yocto board-support-package trees: BitBake
// recipes and configuration, device-tree sources and C headers.
package bsp

// FileType classifies an indexed file
type FileType string

const (
	TypeRecipe FileType = "recipe"
	TypeConfig FileType = "config"
	TypeHeader FileType = "header"
	TypeDTS    FileType = "dts"
)

// Symbol types
const (
	SymbolVariable = "variable"
	SymbolDefine   = "define"
	SymbolLabel    = "label"
	SymbolLabelRef = "label_ref"
)

// Include types
const (
	IncludeRequire   = "require"
	IncludeInclude   = "include"
	IncludeInherit   = "inherit"
	IncludeDirective = "#include"
)

// FileInfo is a file selected by Scan
type FileInfo struct {
	Path string   `json:"path"` // absolute
	Rel  string   `json:"rel"`  // relative to the project root, slash separated
	Name string   `json:"name"`
	Type FileType `json:"type"`
}

// FileMeta describes a parsed file
type FileMeta struct {
	Path   string   `json:"path"`
	Name   string   `json:"name"`
	Type   FileType `json:"type"`
	Size   int64    `json:"size"`
	Mtime  int64    `json:"mtime"`
	Digest string   `json:"digest"`
}

// Symbol is a named definition or reference found in a file
type Symbol struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type"`
	Line  int    `json:"line"`
}

// Include is a dependency edge from the parsed file to another path
type Include struct {
	ToPath string `json:"to_path"`
	Type   string `json:"type"`
	Line   int    `json:"line"`
}

// Node is a device-tree node. Overlay nodes (&label { ... }) keep the
// reference as their path.
type Node struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	Label     string `json:"label,omitempty"`
	Address   string `json:"address,omitempty"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// Property is a device-tree property of the node at NodePath
type Property struct {
	NodePath string `json:"node_path"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	Line     int    `json:"line"`
}

// GPIOPin is a pin referenced by a *-gpios property
type GPIOPin struct {
	Controller string `json:"controller"`
	Pin        int    `json:"pin"`
	Label      string `json:"label"`
	Function   string `json:"function"`
	Direction  string `json:"direction,omitempty"`
}

// FileResult is everything extracted from one file
type FileResult struct {
	File       FileMeta   `json:"file"`
	Symbols    []Symbol   `json:"symbols"`
	Includes   []Include  `json:"includes"`
	Nodes      []Node     `json:"dt_nodes"`
	Properties []Property `json:"dt_properties"`
	GPIOPins   []GPIOPin  `json:"gpio_pins"`
}
