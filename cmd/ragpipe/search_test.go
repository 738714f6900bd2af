package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragpipe/internal/domain"
)

func TestParseFilters(t *testing.T) {
	f, err := parseFilters([]string{"source_filename=a.pdf", "metadata.page=3"})
	require.NoError(t, err)
	assert.Equal(t, domain.Filter{"source_filename": "a.pdf", "metadata.page": int64(3)}, f)

	f, err = parseFilters(nil)
	require.NoError(t, err)
	assert.Nil(t, f)

	_, err = parseFilters([]string{"nokey"})
	assert.ErrorContains(t, err, "key=value")
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b c", snippet("a\n b\t c", 10))
	assert.Equal(t, "abc...", snippet("abcdef", 3))
}
