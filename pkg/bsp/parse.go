package bsp

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/fluxorio/unitpool/pkg/core"
	"golang.org/x/crypto/blake2b"
)

// Value length limits applied when storing extracted text
const (
	MaxSymbolValue   = 200
	MaxPropertyValue = 500
)

// ParseFile reads f and extracts symbols, includes and device-tree
// structure according to its type
func ParseFile(ctx context.Context, root string, f FileInfo) (*FileResult, error) {
	if f.Path == "" {
		return nil, &core.Error{Code: "INVALID_INPUT", Message: "file path cannot be empty"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- paths come from Scan over the project tree
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}

	rel := f.Rel
	if rel == "" && root != "" {
		if r, err := filepath.Rel(root, f.Path); err == nil {
			rel = filepath.ToSlash(r)
		}
	}
	name := f.Name
	if name == "" {
		name = filepath.Base(f.Path)
	}
	t := f.Type
	if t == "" {
		if t, _ = Classify(name); t == "" {
			return nil, &core.Error{Code: "INVALID_INPUT", Message: "unsupported file type: " + name}
		}
	}

	sum := blake2b.Sum256(data)
	res := &FileResult{
		File: FileMeta{
			Path:   rel,
			Name:   name,
			Type:   t,
			Size:   info.Size(),
			Mtime:  info.ModTime().Unix(),
			Digest: hex.EncodeToString(sum[:]),
		},
		Symbols:    []Symbol{},
		Includes:   []Include{},
		Nodes:      []Node{},
		Properties: []Property{},
		GPIOPins:   []GPIOPin{},
	}

	content := strings.ToValidUTF8(string(data), "")
	switch t {
	case TypeRecipe, TypeConfig:
		parseBitBake(content, res)
	case TypeDTS:
		parseDTS(content, res)
	case TypeHeader:
		parseHeader(content, res)
	}
	return res, nil
}

// truncate keeps at most n runes of s
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
