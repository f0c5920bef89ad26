package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedChain(t *testing.T) {
	base := errors.New("connection reset")
	err := fmt.Errorf("poll: %w", Wrap(KindPollTransport, "imagegen.RecordInfo", base))

	assert.Equal(t, KindPollTransport, KindOf(err))
	assert.True(t, IsKind(err, KindPollTransport))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, KindInternal, KindOf(base))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindUploadFailed, "op", nil))
}

func TestErrorString(t *testing.T) {
	err := Wrapf(KindProviderRejected, "imagegen.CreateTask", errors.New("status=500"), "no taskId returned")
	assert.Equal(t, "imagegen.CreateTask: no taskId returned: status=500", err.Error())
	assert.Equal(t, "no taskId returned", MessageOf(err))

	plain := New(KindInsufficientCredits, "", "")
	assert.Equal(t, "insufficient_credits", plain.Error())
	assert.Equal(t, defaultMessages[KindInsufficientCredits], MessageOf(plain))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidInput, http.StatusBadRequest},
		{KindInsufficientCredits, http.StatusPaymentRequired},
		{KindProviderRateLimited, http.StatusTooManyRequests},
		{KindProviderRejected, http.StatusBadGateway},
		{KindStitchFailed, http.StatusUnprocessableEntity},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.kind), tt.kind)
	}
}
