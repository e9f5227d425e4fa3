// Package script splits emotion-tagged scripts into segments and voices them
// against a personality's reference clips.
package script

import (
	"regexp"
	"strings"
)

// Segment is a run of text voiced with one emotion. An empty Tag means the text
// appeared before any marker.
type Segment struct {
	Tag  string `json:"tag,omitempty"`
	Text string `json:"text"`
}

var tagPattern = regexp.MustCompile(`\[([^\[\]]*)\]`)

// Parse splits text at [tag] markers. Text before the first marker becomes an
// untagged segment, and segments whose trimmed text is empty are dropped.
func Parse(text string) []Segment {
	matches := tagPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		if t := strings.TrimSpace(text); t != "" {
			return []Segment{{Text: t}}
		}
		return nil
	}

	var out []Segment
	if lead := strings.TrimSpace(text[:matches[0][0]]); lead != "" {
		out = append(out, Segment{Text: lead})
	}
	for i, m := range matches {
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		body := strings.TrimSpace(text[m[1]:end])
		if body == "" {
			continue
		}
		out = append(out, Segment{Tag: strings.TrimSpace(text[m[2]:m[3]]), Text: body})
	}
	return out
}
