package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// The antigravity endpoint only accepts function names matching
// [A-Za-z0-9_.:-] with a leading letter. Characters outside that set are
// encoded reversibly so the original name can be restored on function
// calls flowing back from upstream.

const (
	slashToken = "__slash__"
	spaceToken = "__space__"
)

// EncodeToolName rewrites a tool name into the accepted character set.
func EncodeToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/':
			b.WriteString(slashToken)
		case r == ' ':
			b.WriteString(spaceToken)
		case isAllowedNameRune(r):
			b.WriteRune(r)
		default:
			b.WriteString(fmt.Sprintf("__u%04x__", r))
		}
	}
	encoded := b.String()
	if encoded == "" || !isLetter(rune(encoded[0])) {
		encoded = "_" + encoded
	}
	return encoded
}

// DecodeToolName inverts EncodeToolName.
func DecodeToolName(name string) string {
	// Strip the leading-underscore pad only when the remainder starts
	// with a non-letter; encode only pads names that start that way.
	if strings.HasPrefix(name, "_") {
		rest := name[1:]
		if rest == "" || !isLetter(rune(rest[0])) {
			name = rest
		}
	}
	name = strings.ReplaceAll(name, slashToken, "/")
	name = strings.ReplaceAll(name, spaceToken, " ")
	return decodeRuneTokens(name)
}

func decodeRuneTokens(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); {
		if strings.HasPrefix(name[i:], "__u") {
			end := strings.Index(name[i+3:], "__")
			if end > 0 {
				if code, err := strconv.ParseUint(name[i+3:i+3+end], 16, 32); err == nil {
					b.WriteRune(rune(code))
					i += 3 + end + 2
					continue
				}
			}
		}
		b.WriteByte(name[i])
		i++
	}
	return b.String()
}

func isAllowedNameRune(r rune) bool {
	return isLetter(r) || (r >= '0' && r <= '9') || r == '_' || r == '.' || r == ':' || r == '-'
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
