package database

// TokenLength is the fixed length of a server-generated message token.
const TokenLength = 32

// TokenCharset is the alphabet tokens are drawn from.
const TokenCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// IdentifierKind tells which column an Identifier resolves against.
type IdentifierKind int

const (
	KindToken IdentifierKind = iota
	KindSlug
)

func (k IdentifierKind) String() string {
	if k == KindToken {
		return "token"
	}
	return "slug"
}

// Identifier is a parsed message lookup key: either a token or a slug.
type Identifier struct {
	Kind  IdentifierKind
	Value string
}

// Token builds a token identifier without inspecting the value.
func Token(v string) Identifier { return Identifier{Kind: KindToken, Value: v} }

// Slug builds a slug identifier without inspecting the value.
func Slug(v string) Identifier { return Identifier{Kind: KindSlug, Value: v} }

// ParseIdentifier classifies raw once. Anything that has the exact token
// shape is a token; every other string is treated as a slug.
func ParseIdentifier(raw string) Identifier {
	if IsTokenShaped(raw) {
		return Token(raw)
	}
	return Slug(raw)
}

// IsTokenShaped reports whether s has the length and charset of a token.
func IsTokenShaped(s string) bool {
	if len(s) != TokenLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

func (id Identifier) String() string {
	return id.Kind.String() + ":" + id.Value
}

// column returns the SQL column matched by this identifier.
func (id Identifier) column() string {
	if id.Kind == KindToken {
		return "token"
	}
	return "slug"
}
