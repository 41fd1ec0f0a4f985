package triage

import "strings"

// ParseMessageTemplate splits a message template into literal and property
// tokens. "{{" and "}}" are literal braces. Capture hints ("@", "$") and
// format or alignment suffixes are dropped from property names. An
// unterminated hole is kept as literal text.
func ParseMessageTemplate(mt string) []MessageToken {
	var (
		tokens []MessageToken
		lit    strings.Builder
	)
	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, MessageToken{Text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(mt); i++ {
		c := mt[i]
		switch {
		case c == '{' && i+1 < len(mt) && mt[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(mt) && mt[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(mt[i+1:], '}')
			if end < 0 {
				lit.WriteString(mt[i:])
				i = len(mt)
				continue
			}
			raw := mt[i+1 : i+1+end]
			name := propertyName(raw)
			if name == "" {
				lit.WriteString(mt[i : i+2+end])
			} else {
				flush()
				tokens = append(tokens, MessageToken{Text: "{" + raw + "}", PropertyName: name})
			}
			i += end + 1
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return tokens
}

func propertyName(raw string) string {
	raw = strings.TrimLeft(raw, "@$")
	if i := strings.IndexAny(raw, ",:"); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.TrimSpace(raw)
	for _, r := range raw {
		if r != '_' && !('a' <= r && r <= 'z') && !('A' <= r && r <= 'Z') && !('0' <= r && r <= '9') {
			return ""
		}
	}
	return raw
}
