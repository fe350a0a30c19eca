package loader

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// SearchOptions controls Search behavior.
type SearchOptions struct {
	// Regex treats the pattern as a regular expression, compiled once and
	// reused for every chunk.
	Regex bool

	// CaseSensitive matches exactly; the default folds case.
	CaseSensitive bool

	// MaxResults stops the scan early. Zero means unlimited.
	MaxResults int
}

// Match is one search hit.
type Match struct {
	// Line is the zero-based line number.
	Line int `json:"line"`

	// Column is the zero-based byte offset of the match within the line.
	Column int `json:"column"`

	// Text is the full matching line.
	Text string `json:"text"`
}

// Search streams through the file chunk by chunk, collecting matches until
// the end of the file or MaxResults, whichever comes first.
func (l *Loader) Search(ctx context.Context, pattern string, opts SearchOptions) ([]Match, error) {
	l.mu.Lock()
	if !l.initialized {
		l.mu.Unlock()
		return nil, ErrNotInitialized
	}
	total := l.info.TotalLines
	chunkSize := l.config.ChunkSize
	l.mu.Unlock()

	if pattern == "" {
		return nil, fmt.Errorf("search pattern is empty")
	}

	var re *regexp.Regexp
	var needle string
	if opts.Regex {
		expr := pattern
		if !opts.CaseSensitive {
			expr = "(?i)" + expr
		}
		var err error
		re, err = regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid search pattern: %w", err)
		}
	} else {
		needle = pattern
		if !opts.CaseSensitive {
			needle = strings.ToLower(needle)
		}
	}

	var matches []Match
	chunks := (total + chunkSize - 1) / chunkSize
	for idx := 0; idx < chunks; idx++ {
		if err := ctx.Err(); err != nil {
			return matches, err
		}

		lines, err := l.getChunk(ctx, idx)
		if err != nil {
			return matches, err
		}

		for offset, line := range lines {
			col := -1
			if re != nil {
				if loc := re.FindStringIndex(line); loc != nil {
					col = loc[0]
				}
			} else {
				haystack := line
				if !opts.CaseSensitive {
					haystack = strings.ToLower(haystack)
				}
				col = strings.Index(haystack, needle)
			}
			if col < 0 {
				continue
			}

			matches = append(matches, Match{
				Line:   idx*chunkSize + offset,
				Column: col,
				Text:   line,
			})
			if opts.MaxResults > 0 && len(matches) >= opts.MaxResults {
				return matches, nil
			}
		}
	}
	return matches, nil
}
