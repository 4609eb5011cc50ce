package model

import (
	"context"
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestExternal(t *testing.T) {
	assert.NoError(t, External("ocr", nil))

	err := External("ocr", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, ErrExternalService))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, "ocr: context deadline exceeded", err.Error())

	wrapped := eris.Wrap(err, "pipeline: run ocr")
	assert.True(t, errors.Is(wrapped, ErrExternalService))

	again := External("llm", wrapped)
	var ext *ExternalError
	assert.True(t, errors.As(again, &ext))
	assert.Equal(t, "ocr", ext.Service)
}

func TestSentinels_WrappedMatch(t *testing.T) {
	err := eris.Wrapf(ErrNotFound, "store: get attempt %s", "a1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrValidation))
}
