package automation

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"

	"devchain/internal/domain"
)

// EvalCondition reports whether content satisfies the watcher condition. An
// invalid regex is an error so callers can warn; the match result is then
// false.
func EvalCondition(cond domain.Condition, content string) (bool, error) {
	switch cond.Type {
	case "contains":
		// An empty pattern is contained in everything.
		return strings.Contains(content, cond.Pattern), nil
	case "not_contains":
		// An empty pattern never matches; it would fire on every poll.
		if cond.Pattern == "" {
			return false, nil
		}
		return !strings.Contains(content, cond.Pattern), nil
	case "regex":
		re, err := compileCached(cond.Pattern, cond.Flags)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", cond.Pattern, err)
		}
		return re.MatchString(content), nil
	default:
		return false, fmt.Errorf("unknown condition type %q", cond.Type)
	}
}

var (
	regexCacheMu sync.Mutex
	regexCache   = map[string]*regexp.Regexp{}
)

func compileCached(pattern, flags string) (*regexp.Regexp, error) {
	expr := pattern
	if flags != "" {
		expr = "(?" + flags + ")" + pattern
	}
	regexCacheMu.Lock()
	defer regexCacheMu.Unlock()
	if re, ok := regexCache[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	regexCache[expr] = re
	return re, nil
}

// ContentHash returns a 16 hex character digest of viewport content, used to
// suppress duplicate triggers for unchanged output.
func ContentHash(content string) string {
	h := fnv.New64a()
	h.Write([]byte(content))
	return fmt.Sprintf("%016x", h.Sum64())
}
