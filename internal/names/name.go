// Package names implements hierarchical content names and the per-segment
// naming conventions used to address numbered chunks of a published stream.
package names

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedURI indicates that a name could not be parsed from its URI form.
var ErrMalformedURI = errors.New("malformed name URI")

const scheme = "ndn:"

// Component is a single opaque name component.
type Component []byte

// Name is an ordered list of components.
type Name []Component

// ParseURI parses a URI such as "ndn:/video/seg%00%01" into a Name.
// The scheme is optional; the path must be absolute.
func ParseURI(uri string) (Name, error) {
	rest := strings.TrimSpace(uri)
	if len(rest) >= len(scheme) && strings.EqualFold(rest[:len(scheme)], scheme) {
		rest = rest[len(scheme):]
	}
	if !strings.HasPrefix(rest, "/") {
		return nil, fmt.Errorf("%w: %q: path must start with /", ErrMalformedURI, uri)
	}
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}

	var name Name
	if rest == "" {
		return name, nil
	}
	for _, part := range strings.Split(rest, "/") {
		if part == "" {
			// Trailing slash.
			continue
		}
		if part == "." || part == ".." {
			return nil, fmt.Errorf("%w: %q: relative component", ErrMalformedURI, uri)
		}
		comp, err := unescape(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrMalformedURI, uri, err)
		}
		name = append(name, comp)
	}
	return name, nil
}

// MustParseURI is like ParseURI but panics on error. Intended for constants and tests.
func MustParseURI(uri string) Name {
	n, err := ParseURI(uri)
	if err != nil {
		panic(err)
	}
	return n
}

// Append returns a new Name with comp appended; n is left untouched.
func (n Name) Append(comp Component) Name {
	out := make(Name, len(n), len(n)+1)
	copy(out, n)
	return append(out, comp)
}

// Last returns the final component, or nil for the empty name.
func (n Name) Last() Component {
	if len(n) == 0 {
		return nil
	}
	return n[len(n)-1]
}

// HasPrefix reports whether p is a prefix of n.
func (n Name) HasPrefix(p Name) bool {
	if len(p) > len(n) {
		return false
	}
	for i := range p {
		if string(n[i]) != string(p[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether n and o have identical components.
func (n Name) Equal(o Name) bool {
	return len(n) == len(o) && n.HasPrefix(o)
}

// String returns the canonical URI form, e.g. "ndn:/a/b%00".
func (n Name) String() string {
	var b strings.Builder
	b.WriteString(scheme)
	if len(n) == 0 {
		b.WriteByte('/')
		return b.String()
	}
	for _, c := range n {
		b.WriteByte('/')
		escape(&b, c)
	}
	return b.String()
}

const hexDigits = "0123456789ABCDEF"

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~', c == '+', c == '=', c == ',':
		return true
	}
	return false
}

func escape(b *strings.Builder, c Component) {
	// Components consisting only of dots would be read back as relative paths.
	if strings.Trim(string(c), ".") == "" {
		b.WriteString("...")
		b.Write(c)
		return
	}
	for _, ch := range c {
		if unreserved(ch) {
			b.WriteByte(ch)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[ch>>4])
		b.WriteByte(hexDigits[ch&0x0f])
	}
}

func unescape(s string) (Component, error) {
	// Three or more dots encode a component of (n-3) dots.
	if strings.Trim(s, ".") == "" {
		if len(s) < 3 {
			return nil, errors.New("relative component")
		}
		return Component(s[3:]), nil
	}
	out := make(Component, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			out = append(out, s[i])
			continue
		}
		if i+2 >= len(s) {
			return nil, fmt.Errorf("truncated escape at offset %d", i)
		}
		hi, ok1 := fromHex(s[i+1])
		lo, ok2 := fromHex(s[i+2])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid escape %q", s[i:i+3])
		}
		out = append(out, hi<<4|lo)
		i += 2
	}
	return out, nil
}

func fromHex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
