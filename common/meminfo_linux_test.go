//go:build linux

package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetMemAvailableKB(t *testing.T) {
	kb, err := GetMemAvailableKB()
	assert.NoError(t, err)
	assert.Positive(t, kb)
}
