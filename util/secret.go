// util/secret.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import "github.com/rs/zerolog"

// Secret holds a passphrase. It never prints its value.
type Secret string

const redacted = "[redacted]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string {
	return s.String()
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s Secret) MarshalZerologObject(e *zerolog.Event) {
	e.Str("secret", s.String())
}

// Bytes returns the actual passphrase.
func (s Secret) Bytes() []byte {
	return []byte(s)
}

func (s Secret) Empty() bool {
	return s == ""
}
