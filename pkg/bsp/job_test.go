package bsp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_DecodedJSONPayload(t *testing.T) {
	root := writeTree(t, map[string]string{"board.h": header})
	job := Job{Root: root, File: FileInfo{Path: filepath.Join(root, "board.h"), Rel: "board.h", Name: "board.h", Type: TypeHeader}}

	// what a process or NATS unit sees after decoding a job line
	data, err := json.Marshal(job)
	require.NoError(t, err)
	var payload interface{}
	require.NoError(t, json.Unmarshal(data, &payload))

	out, err := Handle(context.Background(), payload)
	require.NoError(t, err)

	// and what the submitter sees after the completion was decoded
	data, err = json.Marshal(out)
	require.NoError(t, err)
	var result interface{}
	require.NoError(t, json.Unmarshal(data, &result))

	res, err := DecodeResult(result)
	require.NoError(t, err)
	assert.Equal(t, "board.h", res.File.Path)
	assert.Len(t, res.Symbols, 3)
}

func TestHandle_TypedPayload(t *testing.T) {
	root := writeTree(t, map[string]string{"a.bb": recipe})
	job := Job{Root: root, File: FileInfo{Path: filepath.Join(root, "a.bb")}}

	out, err := Handle(context.Background(), &job)
	require.NoError(t, err)
	res, err := DecodeResult(out)
	require.NoError(t, err)
	assert.Equal(t, TypeRecipe, res.File.Type)
	assert.Equal(t, "a.bb", res.File.Path)
}

func TestHandle_BadPayload(t *testing.T) {
	_, err := Handle(context.Background(), "not a job")
	assert.ErrorContains(t, err, "decode job")

	_, err = Handle(context.Background(), (*Job)(nil))
	assert.Error(t, err)
}

func TestParseAll(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.bb":       recipe,
		"b.h":        header,
		"c/dt.dts":   deviceTree,
		"d/empty.bb": "",
	})
	files, err := Scan(context.Background(), root, nil)
	require.NoError(t, err)
	require.Len(t, files, 4)
	// deleted between scan and parse
	files = append(files, FileInfo{Path: filepath.Join(root, "missing.h"), Rel: "missing.h", Name: "missing.h", Type: TypeHeader})

	var failed []string
	results, err := ParseAll(context.Background(), root, files, 2, func(f FileInfo, err error) {
		failed = append(failed, f.Rel)
	})
	require.NoError(t, err)
	assert.Len(t, results, 4)
	assert.Equal(t, []string{"missing.h"}, failed)
}
