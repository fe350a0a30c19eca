package loader

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sourceFromLines serves a fixed set of lines.
type sourceFromLines struct {
	lines []string
}

func (s *sourceFromLines) Analyze(ctx context.Context, path string) (FileInfo, error) {
	return FileInfo{TotalLines: len(s.lines)}, nil
}

func (s *sourceFromLines) ReadLines(ctx context.Context, path string, startLine, count int) ([]string, error) {
	if startLine >= len(s.lines) {
		return nil, nil
	}
	end := startLine + count
	if end > len(s.lines) {
		end = len(s.lines)
	}
	return s.lines[startLine:end], nil
}

func newSearchLoader(t *testing.T, lines []string) *Loader {
	t.Helper()
	l, err := New(Config{ChunkSize: 2, MaxCachedChunks: 2}, &sourceFromLines{lines: lines}, slog.Default())
	require.NoError(t, err)
	_, err = l.Initialize(context.Background(), "search.txt")
	require.NoError(t, err)
	return l
}

func TestSearchPlainText(t *testing.T) {
	l := newSearchLoader(t, []string{
		"func main() {",
		"    fmt.Println(\"hello\")",
		"}",
		"// main is the entrypoint",
		"const mainColor = \"red\"",
	})

	matches, err := l.Search(context.Background(), "main", SearchOptions{CaseSensitive: true})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, 0, matches[0].Line)
	assert.Equal(t, 5, matches[0].Column)
	assert.Equal(t, 3, matches[1].Line)
	assert.Equal(t, 4, matches[2].Line)
}

func TestSearchCaseInsensitive(t *testing.T) {
	l := newSearchLoader(t, []string{"Hello", "HELLO", "hello", "goodbye"})

	matches, err := l.Search(context.Background(), "hello", SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, matches, 3)

	matches, err = l.Search(context.Background(), "hello", SearchOptions{CaseSensitive: true})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestSearchRegex(t *testing.T) {
	l := newSearchLoader(t, []string{
		"TODO: fix the widget",
		"todo: later",
		"done: nothing",
		"TODO(alex): ship it",
	})

	matches, err := l.Search(context.Background(), `^TODO(\(\w+\))?:`, SearchOptions{Regex: true, CaseSensitive: true})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, 0, matches[0].Line)
	assert.Equal(t, 3, matches[1].Line)
}

func TestSearchInvalidRegex(t *testing.T) {
	l := newSearchLoader(t, []string{"anything"})

	_, err := l.Search(context.Background(), "(unclosed", SearchOptions{Regex: true})
	assert.Error(t, err)
}

func TestSearchMaxResultsStopsEarly(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "needle here"
	}
	l := newSearchLoader(t, lines)

	matches, err := l.Search(context.Background(), "needle", SearchOptions{MaxResults: 5})
	require.NoError(t, err)
	assert.Len(t, matches, 5)

	// Stopping at 5 matches means only the covering chunks were fetched.
	stats := l.CacheStats()
	assert.LessOrEqual(t, stats.Misses, int64(3))
}

func TestSearchCancellation(t *testing.T) {
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = "x"
	}
	l := newSearchLoader(t, lines)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Search(ctx, "x", SearchOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
