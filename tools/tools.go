//go:build tools

// Package tools pins the code generators used by go:generate directives.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
