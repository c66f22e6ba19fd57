package provision

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuote(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                  "''",
		"/work/exp-1/a.log": "/work/exp-1/a.log",
		"my log.txt":        "'my log.txt'",
		"it's":              `'it'"'"'s'`,
		"$(rm -rf /)":       "'$(rm -rf /)'",
		"*.log":             "'*.log'",
	}
	for in, want := range tests {
		assert.Equal(t, want, Quote(in), in)
	}
}
