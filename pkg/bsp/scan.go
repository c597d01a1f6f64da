package bsp

import (
	"context"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
)

var fileTypes = map[string]FileType{
	".bb":       TypeRecipe,
	".bbappend": TypeRecipe,
	".inc":      TypeRecipe,
	".conf":     TypeConfig,
	".h":        TypeHeader,
	".dts":      TypeDTS,
	".dtsi":     TypeDTS,
}

// DefaultExclude lists the build output and VCS directories skipped by Scan
var DefaultExclude = []string{
	"*/tmp/work/*",
	"*/.git/*",
	"*/sstate-cache/*",
	"*/downloads/*",
}

// Classify returns the type of the file name by extension
func Classify(name string) (FileType, bool) {
	t, ok := fileTypes[strings.ToLower(filepath.Ext(name))]
	return t, ok
}

// Scan walks root and returns every classifiable file outside the excluded
// directories. Patterns are shell globs where * also matches '/'; they are
// tested against the directory path relative to root, with and without a
// leading slash.
func Scan(ctx context.Context, root string, exclude []string) ([]FileInfo, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	matchers := make([]*regexp.Regexp, 0, len(exclude))
	for _, pattern := range exclude {
		matchers = append(matchers, globRegexp(pattern))
	}

	var files []FileInfo
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && excluded(matchers, rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		t, ok := Classify(d.Name())
		if !ok {
			return nil
		}
		files = append(files, FileInfo{Path: path, Rel: rel, Name: d.Name(), Type: t})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func excluded(matchers []*regexp.Regexp, rel string) bool {
	for _, m := range matchers {
		for _, candidate := range []string{rel, "/" + rel, rel + "/", "/" + rel + "/"} {
			if m.MatchString(candidate) {
				return true
			}
		}
	}
	return false
}

// globRegexp compiles a shell glob into an anchored expression
func globRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
