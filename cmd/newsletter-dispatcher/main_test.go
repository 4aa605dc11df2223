package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitIDs(" a, ,b,"))
	assert.Empty(t, splitIDs(""))
}
