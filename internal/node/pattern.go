package node

import (
	"regexp"
	"strconv"
	"strings"
)

// channelMatcher matches channel names either by a named-parameter path
// ("user/:id") or a regular expression.
type channelMatcher struct {
	pattern  string
	segments []string
	re       *regexp.Regexp
}

func newPathMatcher(pattern string) *channelMatcher {
	return &channelMatcher{pattern: pattern, segments: strings.Split(pattern, "/")}
}

func newRegexMatcher(re *regexp.Regexp) *channelMatcher {
	return &channelMatcher{pattern: re.String(), re: re}
}

func (m *channelMatcher) String() string { return m.pattern }

// Match reports whether the channel name matches and returns the bound
// parameters: named segments for path patterns, named and positional
// capture groups for regexes.
func (m *channelMatcher) Match(channel string) (map[string]string, bool) {
	if m.re != nil {
		found := m.re.FindStringSubmatch(channel)
		if found == nil {
			return nil, false
		}
		params := make(map[string]string)
		for i, name := range m.re.SubexpNames() {
			if i == 0 {
				continue
			}
			if name == "" {
				name = strconv.Itoa(i)
			}
			params[name] = found[i]
		}
		return params, true
	}

	parts := strings.Split(channel, "/")
	if len(parts) != len(m.segments) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range m.segments {
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = parts[i]
		} else if seg != parts[i] {
			return nil, false
		}
	}
	return params, true
}
