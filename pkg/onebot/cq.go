package onebot

import (
	"regexp"
	"strings"
)

var cqPattern = regexp.MustCompile(`\[CQ:([A-Za-z_]+)((?:,[^\]]*)?)\]`)

var (
	cqTextUnescaper  = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&amp;", "&")
	cqParamUnescaper = strings.NewReplacer("&#44;", ",", "&#91;", "[", "&#93;", "]", "&amp;", "&")
)

// ParseCQ splits a CQ-code string into segments.
func ParseCQ(s string) []Segment {
	var segs []Segment
	last := 0
	for _, m := range cqPattern.FindAllStringSubmatchIndex(s, -1) {
		if m[0] > last {
			segs = append(segs, TextSegment(cqTextUnescaper.Replace(s[last:m[0]])))
		}
		seg := Segment{Type: s[m[2]:m[3]], Data: map[string]any{}}
		if m[4] >= 0 {
			for _, kv := range strings.Split(strings.TrimPrefix(s[m[4]:m[5]], ","), ",") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					continue
				}
				seg.Data[k] = cqParamUnescaper.Replace(v)
			}
		}
		segs = append(segs, seg)
		last = m[1]
	}
	if last < len(s) {
		segs = append(segs, TextSegment(cqTextUnescaper.Replace(s[last:])))
	}
	return segs
}
