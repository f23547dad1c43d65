package util

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := NewBackoff(10*time.Second, 160*time.Second)

	assert.Equal(t, 10*time.Second, b.Next())
	assert.Equal(t, 20*time.Second, b.Next())
	assert.Equal(t, 40*time.Second, b.Next())
	assert.Equal(t, 80*time.Second, b.Next())
	assert.Equal(t, 160*time.Second, b.Next())
	assert.Equal(t, 160*time.Second, b.Next(), "delay caps at max")

	b.Reset()
	assert.Equal(t, 10*time.Second, b.Current())
}

func TestWrapError(t *testing.T) {
	assert.NoError(t, WrapError("do nothing", nil))

	sentinel := errors.New("boom")
	wrapped := WrapError("open file", sentinel)
	assert.ErrorIs(t, wrapped, sentinel)
	assert.Equal(t, "failed to open file: boom", wrapped.Error())
}
