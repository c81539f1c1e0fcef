package bridge

import "strings"

// MatchTopic reports whether topic matches pattern. Patterns are
// slash-separated: "+" matches exactly one segment, a trailing "#" matches
// the remainder including the parent itself ("a/#" matches "a", "a/b", and
// "a/b/c"). "#" is special only in the final position. Without a trailing
// "#" the segment counts must be equal.
func MatchTopic(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}
	p := strings.Split(pattern, "/")
	s := strings.Split(topic, "/")

	multi := p[len(p)-1] == "#"
	if multi {
		p = p[:len(p)-1]
		if len(s) < len(p) {
			return false
		}
	} else if len(p) != len(s) {
		return false
	}

	for i, seg := range p {
		if seg == "+" {
			continue
		}
		if seg != s[i] {
			return false
		}
	}
	return true
}
