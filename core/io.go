package core

import (
	"context"
	"fmt"
	"regexp"

	"pkt.systems/muxd/internal/logx"
	"pkt.systems/muxd/internal/ringbuf"
	"pkt.systems/muxd/schema"
)

const (
	defaultSearchResults = 100
	maxSearchResults     = 10000
)

func (s *service) WritePane(ctx context.Context, req schema.WritePaneRequest) error {
	p, err := s.lookupPane(req.PaneID)
	if err != nil {
		return err
	}
	h, failed := p.currentHost()
	if failed {
		return schema.ErrProcessExited
	}
	if h == nil {
		return fmt.Errorf("%w: pane has no process", schema.ErrInvalidState)
	}
	if len(req.Data) == 0 {
		return nil
	}
	if err := h.Write(req.Data); err != nil {
		logx.WithPane(ctx, p.sessionID, p.id).Debug("registry pane write failed", "bytes", len(req.Data), "err", err)
		return err
	}
	p.touch()
	return nil
}

func (s *service) ResizePane(ctx context.Context, req schema.ResizePaneRequest) error {
	dims := schema.Dimensions{Rows: req.Rows, Cols: req.Cols}
	if err := schema.ValidateDimensions(dims); err != nil {
		return err
	}
	p, err := s.lookupPane(req.PaneID)
	if err != nil {
		return err
	}
	h, failed := p.currentHost()
	if failed {
		return schema.ErrProcessExited
	}
	if h == nil {
		return fmt.Errorf("%w: pane has no process", schema.ErrInvalidState)
	}
	if err := h.Resize(dims); err != nil {
		return err
	}
	p.mu.Lock()
	p.spec.Dimensions = dims
	p.mu.Unlock()
	logx.WithPane(ctx, p.sessionID, p.id).Debug("registry pane resized", "rows", dims.Rows, "cols", dims.Cols)
	s.sink.OnResize(schema.ResizeEvent{PaneID: p.id, Dimensions: dims})
	return nil
}

func (s *service) ReadPane(ctx context.Context, req schema.ReadPaneRequest) (schema.ReadPaneResponse, error) {
	if req.MaxBytes < 0 {
		return schema.ReadPaneResponse{}, fmt.Errorf("%w: max_bytes must not be negative", schema.ErrInvalidRequest)
	}
	p, err := s.lookupPane(req.PaneID)
	if err != nil {
		return schema.ReadPaneResponse{}, err
	}
	r := p.buffer.Read(req.SinceSequence, req.MaxBytes)
	return schema.ReadPaneResponse{
		Data:          r.Data,
		FirstSequence: r.First,
		NextSequence:  r.Next,
		Truncated:     r.Truncated,
	}, nil
}

// SearchPane scans the retained bytes of a pane. Offsets are absolute within
// the pane's output stream, so they stay comparable across evictions.
func (s *service) SearchPane(ctx context.Context, req schema.SearchPaneRequest) (schema.SearchPaneResponse, error) {
	if req.Pattern == "" {
		return schema.SearchPaneResponse{}, fmt.Errorf("%w: pattern is required", schema.ErrInvalidRequest)
	}
	limit := req.MaxResults
	switch {
	case limit < 0:
		return schema.SearchPaneResponse{}, fmt.Errorf("%w: max_results must not be negative", schema.ErrInvalidRequest)
	case limit == 0:
		limit = defaultSearchResults
	case limit > maxSearchResults:
		limit = maxSearchResults
	}
	re, err := compileSearch(req.Pattern, req.Regex, req.CaseSensitive)
	if err != nil {
		return schema.SearchPaneResponse{}, err
	}
	p, err := s.lookupPane(req.PaneID)
	if err != nil {
		return schema.SearchPaneResponse{}, err
	}
	data, base := p.buffer.Contents()
	matches := make([]schema.SearchMatch, 0)
	for _, loc := range re.FindAllIndex(data, limit) {
		if loc[1] == loc[0] {
			continue
		}
		matches = append(matches, schema.SearchMatch{
			Offset: base + uint64(loc[0]),
			Match:  string(data[loc[0]:loc[1]]),
		})
	}
	return schema.SearchPaneResponse{Matches: matches}, nil
}

func compileSearch(pattern string, isRegex, caseSensitive bool) (*regexp.Regexp, error) {
	expr := pattern
	if !isRegex {
		expr = regexp.QuoteMeta(pattern)
	}
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid pattern: %w", schema.ErrInvalidRequest, err)
	}
	return re, nil
}

func (s *service) PaneOutput(paneID schema.PaneID, from uint64, maxBytes int) (ringbuf.Range, error) {
	p, err := s.lookupOutput(paneID)
	if err != nil {
		return ringbuf.Range{}, err
	}
	return p.buffer.Read(from, maxBytes), nil
}

func (s *service) PaneNextSequence(paneID schema.PaneID) (uint64, error) {
	p, err := s.lookupOutput(paneID)
	if err != nil {
		return 0, err
	}
	return p.buffer.NextSequence(), nil
}

func (s *service) PaneSessionID(paneID schema.PaneID) (schema.SessionID, error) {
	p, err := s.lookupPane(paneID)
	if err != nil {
		return "", err
	}
	return p.sessionID, nil
}
