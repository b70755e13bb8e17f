package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("horizon: tx_bad_seq")
	err := Wrap(CodeAdaptor, cause, "issue contract asset")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, CodeAdaptor, err.Code())
	assert.Contains(t, err.Error(), "tx_bad_seq")
}

func TestCodeOfThroughFmtWrapping(t *testing.T) {
	base := New(CodeInsufficientFunds, "balance 10.00 below premium 50.00")
	wrapped := fmt.Errorf("buy: %w", base)

	assert.Equal(t, CodeInsufficientFunds, CodeOf(wrapped))
	assert.True(t, Is(wrapped, CodeInsufficientFunds))
	assert.False(t, Is(wrapped, CodeNotFound))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.False(t, Is(nil, CodeInternal))
}

func TestMetadataFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, MetadataFor(CodeNotFound).HTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, MetadataFor(Code("bogus")).HTTPStatus)
	assert.True(t, IsBusiness(New(CodeNotExercisable, "price above strike")))
	assert.False(t, IsBusiness(New(CodeReconciliation, "asset without record")))
	assert.False(t, IsBusiness(errors.New("plain")))
}

func TestNilErrorIsSafe(t *testing.T) {
	var e *Error
	assert.Equal(t, CodeInternal, e.Code())
	assert.Equal(t, "", e.Error())
	assert.Nil(t, e.Unwrap())
}
