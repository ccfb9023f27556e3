// Package uuid mints request and workflow identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings, optionally prefixed.
type Generator struct {
	prefix string
}

// New creates a Generator without a prefix.
func New() *Generator {
	return &Generator{}
}

// WithPrefix creates a Generator whose ids start with prefix, e.g. "run-".
func WithPrefix(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID implements automation.IDGenerator.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
