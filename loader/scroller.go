package loader

import (
	"context"
	"fmt"
	"sync"
)

// Scroller binds a scrollable viewport to a loader. It keeps only a small
// rendered window of lines in memory, a view over the loader's cache
// rather than a second copy of the file.
type Scroller struct {
	loader *Loader

	mu            sync.Mutex
	lineHeight    int // pixels per line
	viewportLines int // lines rendered at once
	totalLines    int
	scrollTop     int // pixels
	windowStart   int
	window        []string
}

// NewScroller creates a scroller over the given loader. lineHeight is in
// pixels; viewportLines is the rendered window size.
func NewScroller(l *Loader, lineHeight, viewportLines int) (*Scroller, error) {
	if lineHeight <= 0 {
		return nil, fmt.Errorf("line height must be positive, got %d", lineHeight)
	}
	if viewportLines <= 0 {
		return nil, fmt.Errorf("viewport lines must be positive, got %d", viewportLines)
	}
	return &Scroller{
		loader:        l,
		lineHeight:    lineHeight,
		viewportLines: viewportLines,
	}, nil
}

// Initialize wires the scroller to a file of totalLines lines and resets
// the viewport to the top.
func (s *Scroller) Initialize(totalLines int) {
	s.mu.Lock()
	s.totalLines = totalLines
	s.scrollTop = 0
	s.windowStart = 0
	s.window = nil
	s.mu.Unlock()
}

// ScrollToLine positions the viewport at line n (scrollTop becomes
// n × lineHeight) and refreshes the rendered window from the loader.
func (s *Scroller) ScrollToLine(ctx context.Context, n int) error {
	s.mu.Lock()
	if n < 0 || n >= s.totalLines {
		s.mu.Unlock()
		return fmt.Errorf("%w: line %d of %d", ErrLineOutOfRange, n, s.totalLines)
	}
	s.scrollTop = n * s.lineHeight
	end := n + s.viewportLines - 1
	if end >= s.totalLines {
		end = s.totalLines - 1
	}
	s.mu.Unlock()

	lines, err := s.loader.GetLineRange(ctx, n, end)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.windowStart = n
	s.window = lines
	s.mu.Unlock()
	return nil
}

// UpdateLineHeight adjusts future scroll math without re-fetching data.
// The current scroll position is preserved in lines, not pixels.
func (s *Scroller) UpdateLineHeight(px int) error {
	if px <= 0 {
		return fmt.Errorf("line height must be positive, got %d", px)
	}
	s.mu.Lock()
	line := 0
	if s.lineHeight > 0 {
		line = s.scrollTop / s.lineHeight
	}
	s.lineHeight = px
	s.scrollTop = line * px
	s.mu.Unlock()
	return nil
}

// ScrollTop returns the current scroll offset in pixels.
func (s *Scroller) ScrollTop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollTop
}

// Window returns the rendered window: its starting line and the lines
// themselves.
func (s *Scroller) Window() (start int, lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowStart, s.window
}
