// Package idgen generates short, URL-safe connection ids backed by nanoid.
package idgen

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const (
	alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	length   = 10
)

// NewConnectionID returns a fresh id for a hub connection, e.g. "cn-x7Kq9mPv2L".
// Connection ids are transport-scoped; participant ids are supplied by the
// edge and stable across reconnects.
func NewConnectionID() string {
	return "cn-" + nanoid.MustGenerate(alphabet, length)
}
