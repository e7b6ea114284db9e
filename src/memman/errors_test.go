package memman

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeMapsSentinelsToResultCodes(t *testing.T) {
	assert.Equal(t, 0, Code(nil))
	assert.Equal(t, 4, Code(ErrNotFound))
	assert.Equal(t, -1, Code(ErrInternal))
	assert.Equal(t, -1, Code(errors.New("some other failure")))
}

func TestCodeRecognizesWrappedSentinels(t *testing.T) {
	wrapped := errors.Join(errors.New("while freeing block"), ErrNotFound)
	assert.Equal(t, 4, Code(wrapped))
}
