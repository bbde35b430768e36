// Package keyword decides which documents on a contract page are download targets.
package keyword

import (
	"strings"
	"unicode"
)

func isLineBreak(r rune) bool {
	return r == '\r' || r == '\n'
}

// Normalize converts a link's text into the file name the portal serves it
// under: line breaks are removed, surrounding whitespace is trimmed and
// the first single space between two non-space characters becomes '+'.
// Later spaces are kept so names match those already recorded in history.
//
// ex. "\n   36-00-01 入札公告.pdf  \n" -> "36-00-01+入札公告.pdf"
func Normalize(raw string) string {
	raw = strings.Map(func(r rune) rune {
		if isLineBreak(r) {
			return -1
		}
		return r
	}, raw)
	runes := []rune(strings.TrimFunc(raw, unicode.IsSpace))

	for i, r := range runes {
		if r == ' ' && i > 0 && i < len(runes)-1 &&
			!unicode.IsSpace(runes[i-1]) && !unicode.IsSpace(runes[i+1]) {
			runes[i] = '+'
			break
		}
	}
	return string(runes)
}

// IsBlank reports whether s has nothing but whitespace.
func IsBlank(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return !unicode.IsSpace(r) }) < 0
}

// IsTarget reports whether any non-empty keyword is a substring of the
// normalized title. Matching is case-sensitive.
func IsTarget(title string, keywords []string) bool {
	if IsBlank(title) {
		return false
	}
	name := Normalize(title)
	for _, k := range keywords {
		if k == "" {
			continue
		}
		if strings.Contains(name, k) {
			return true
		}
	}
	return false
}

// Document is a download link found on a contract page.
type Document struct {
	// Name is the normalized link text.
	Name string
	Href string
}

// Classify splits documents into download targets and skipped documents,
// both in page order. Documents whose name is blank are dropped from both.
func Classify(documents []Document, keywords []string) (targets, skipped []Document) {
	targets = []Document{}
	skipped = []Document{}
	for _, d := range documents {
		if IsBlank(d.Name) {
			continue
		}
		d.Name = Normalize(d.Name)
		if IsTarget(d.Name, keywords) {
			targets = append(targets, d)
		} else {
			skipped = append(skipped, d)
		}
	}
	return targets, skipped
}

// Names returns the names of documents in order.
func Names(documents []Document) []string {
	names := make([]string, len(documents))
	for i, d := range documents {
		names[i] = d.Name
	}
	return names
}
