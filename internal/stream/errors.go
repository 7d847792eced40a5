package stream

import "strings"

// ErrorCategory groups pipeline errors for stats and logs.
type ErrorCategory int

const (
	ErrCategoryNetwork ErrorCategory = iota
	ErrCategoryCodec
	ErrCategoryResource
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryResource:
		return "resource"
	default:
		return "unknown"
	}
}

var (
	resourceKeywords = []string{"no such file", "could not open", "not found", "permission denied", "resource"}
	codecKeywords    = []string{"decode", "codec", "format", "caps", "negotiat", "stream type", "demux"}
	networkKeywords  = []string{"connection", "timeout", "unreachable", "network", "dns", "resolve", "socket", "http"}
)

// ClassifyError maps a pipeline error message and its debug string to a
// category. Resource problems (missing file, bad URI) are checked first since
// their debug output often mentions the protocol too.
func ClassifyError(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)

	switch {
	case containsAny(combined, resourceKeywords):
		return ErrCategoryResource
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
