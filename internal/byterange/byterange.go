// Package byterange parses single HTTP byte ranges and slices buffered
// bodies for upstreams that ignore Range.
package byterange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"browse-proxy-go/internal/model"
)

// ErrUnsatisfiable reports a well-formed range that lies outside the body.
var ErrUnsatisfiable = errors.New("range not satisfiable")

// Spec is one parsed byte range. A negative Start means a suffix range of
// the last End bytes; a negative End means "to the end of the resource".
type Spec struct {
	Start int64
	End   int64
}

// ParseSpec parses a Range header value. Multi-range and malformed values
// return an error wrapping model.ErrUnsupportedRange; callers serve the full
// body in that case.
func ParseSpec(header string) (Spec, error) {
	unit, set, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return Spec{}, fmt.Errorf("%w: %q", model.ErrUnsupportedRange, header)
	}
	if strings.Contains(set, ",") {
		return Spec{}, fmt.Errorf("%w: multiple ranges", model.ErrUnsupportedRange)
	}
	first, last, ok := strings.Cut(strings.TrimSpace(set), "-")
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", model.ErrUnsupportedRange, header)
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return Spec{}, fmt.Errorf("%w: %q", model.ErrUnsupportedRange, header)
		}
		return Spec{Start: -1, End: n}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return Spec{}, fmt.Errorf("%w: %q", model.ErrUnsupportedRange, header)
	}
	if last == "" {
		return Spec{Start: start, End: -1}, nil
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return Spec{}, fmt.Errorf("%w: %q", model.ErrUnsupportedRange, header)
	}
	return Spec{Start: start, End: end}, nil
}

// Bounds returns the inclusive byte offsets the spec selects from a body of
// the given size.
func (s Spec) Bounds(size int64) (start, end int64, err error) {
	if s.Start < 0 {
		if s.End == 0 || size == 0 {
			return 0, 0, ErrUnsatisfiable
		}
		n := min(s.End, size)
		return size - n, size - 1, nil
	}
	if s.Start >= size {
		return 0, 0, ErrUnsatisfiable
	}
	end = s.End
	if end < 0 || end >= size {
		end = size - 1
	}
	return s.Start, end, nil
}

// ContentRange formats a Content-Range value for a satisfied range.
func ContentRange(start, end, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, size)
}

// UnsatisfiedRange formats the Content-Range value sent with 416.
func UnsatisfiedRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}

// Slice is the outcome of applying a Range header to a buffered body.
type Slice struct {
	// Status is 206, 416, or 200 when the header was ignored.
	Status       int
	Body         []byte
	ContentRange string
}

// Apply slices body according to header. An empty, malformed, or
// multi-range header yields the full body with status 200 and, when the
// header was present but unusable, an error wrapping
// model.ErrUnsupportedRange for logging.
func Apply(body []byte, header string) (Slice, error) {
	full := Slice{Status: 200, Body: body}
	if strings.TrimSpace(header) == "" {
		return full, nil
	}
	spec, err := ParseSpec(header)
	if err != nil {
		return full, err
	}
	size := int64(len(body))
	start, end, err := spec.Bounds(size)
	if err != nil {
		return Slice{Status: 416, ContentRange: UnsatisfiedRange(size)}, nil
	}
	return Slice{
		Status:       206,
		Body:         body[start : end+1],
		ContentRange: ContentRange(start, end, size),
	}, nil
}
