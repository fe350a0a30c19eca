package loader

import (
	"context"
	"strings"

	"github.com/codecollab/syncengine/store"
)

// StoreSource adapts the workspace file store to the ContentSource
// interface. A remote analysis service can replace it without touching the
// loader.
type StoreSource struct {
	store *store.Store
}

// NewStoreSource creates a content source over the file store.
func NewStoreSource(s *store.Store) *StoreSource {
	return &StoreSource{store: s}
}

// Analyze reads the file once to learn its shape.
func (s *StoreSource) Analyze(ctx context.Context, path string) (FileInfo, error) {
	content, err := s.store.Read(path)
	if err != nil {
		return FileInfo{}, err
	}

	info := FileInfo{TotalSize: int64(len(content))}
	for i, b := range content {
		if b == '\n' {
			info.LineBreaks = append(info.LineBreaks, int64(i))
		}
	}
	info.TotalLines = len(info.LineBreaks)
	if len(content) > 0 && content[len(content)-1] != '\n' {
		info.TotalLines++ // trailing line without a break
	}
	return info, nil
}

// ReadLines returns up to count lines starting at startLine.
func (s *StoreSource) ReadLines(ctx context.Context, path string, startLine, count int) ([]string, error) {
	content, err := s.store.Read(path)
	if err != nil {
		return nil, err
	}

	all := splitLines(string(content))
	if startLine >= len(all) {
		return nil, nil
	}
	end := startLine + count
	if end > len(all) {
		end = len(all)
	}
	return all[startLine:end], nil
}

// splitLines splits on newlines without producing a phantom empty line for
// a trailing newline.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
