package cache

import "strings"

// Key identifies a cached query as an ordered tuple, e.g. {"portfolio", "paper"}.
type Key []string

// K builds a Key from segments.
func K(segments ...string) Key {
	return Key(segments)
}

func (k Key) String() string {
	return strings.Join(k, "/")
}

// HasPrefix reports whether k starts with prefix. An empty prefix matches every key.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, segment := range prefix {
		if k[i] != segment {
			return false
		}
	}
	return true
}

// Equal reports whether both keys have identical segments.
func (k Key) Equal(other Key) bool {
	return len(k) == len(other) && k.HasPrefix(other)
}

func (k Key) root() string {
	if len(k) == 0 {
		return ""
	}
	return k[0]
}

// id is the map key; unit separator keeps {"a/b"} and {"a","b"} apart.
func (k Key) id() string {
	return strings.Join(k, "\x1f")
}

func (k Key) clone() Key {
	return append(Key(nil), k...)
}

func matchesAny(k Key, prefixes []Key) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		if k.HasPrefix(prefix) {
			return true
		}
	}
	return false
}
