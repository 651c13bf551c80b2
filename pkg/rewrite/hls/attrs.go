package hls

import (
	"strings"
)

// attr is one KEY=value pair from a playlist tag line. quoted records whether
// the input value carried quotes so re-serialization preserves the convention.
type attr struct {
	key    string
	value  string
	quoted bool
}

type attrList struct {
	attrs []attr
}

// parseAttrs scans the attribute list after the tag's colon. Keys are
// uppercased; quoted values may contain commas.
func parseAttrs(line string) *attrList {
	l := &attrList{}

	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return l
	}
	rest := line[colon+1:]

	i := 0
	for i < len(rest) {
		eq := strings.IndexByte(rest[i:], '=')
		if eq < 0 {
			break
		}
		key := strings.ToUpper(strings.TrimSpace(rest[i : i+eq]))
		i += eq + 1

		var value string
		var quoted bool
		if i < len(rest) && rest[i] == '"' {
			quoted = true
			i++
			if end := strings.IndexByte(rest[i:], '"'); end >= 0 {
				value = rest[i : i+end]
				i += end + 1
			} else {
				value = rest[i:]
				i = len(rest)
			}
		} else {
			if end := strings.IndexByte(rest[i:], ','); end >= 0 {
				value = rest[i : i+end]
				i += end
			} else {
				value = rest[i:]
				i = len(rest)
			}
		}

		if key != "" {
			l.attrs = append(l.attrs, attr{key: key, value: strings.TrimSpace(value), quoted: quoted})
		}
		if i < len(rest) && rest[i] == ',' {
			i++
		}
	}
	return l
}

func (l *attrList) Len() int {
	return len(l.attrs)
}

// Get returns the value for a key, or "".
func (l *attrList) Get(key string) string {
	for _, a := range l.attrs {
		if a.key == key {
			return a.value
		}
	}
	return ""
}

// Set updates or appends a key. New keys are emitted quoted; existing keys
// keep their original quoting.
func (l *attrList) Set(key, value string) {
	for i := range l.attrs {
		if l.attrs[i].key == key {
			l.attrs[i].value = value
			return
		}
	}
	l.attrs = append(l.attrs, attr{key: key, value: value, quoted: true})
}

// Del removes a key if present.
func (l *attrList) Del(key string) {
	for i := range l.attrs {
		if l.attrs[i].key == key {
			l.attrs = append(l.attrs[:i], l.attrs[i+1:]...)
			return
		}
	}
}

// serialize renders the list back to a tag line.
func (l *attrList) serialize(tag string) string {
	var b strings.Builder
	b.WriteString(tag)
	b.WriteByte(':')
	for i, a := range l.attrs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(a.key)
		b.WriteByte('=')
		if a.quoted {
			b.WriteByte('"')
			b.WriteString(a.value)
			b.WriteByte('"')
		} else {
			b.WriteString(a.value)
		}
	}
	return b.String()
}
