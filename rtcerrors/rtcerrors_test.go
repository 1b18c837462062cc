package rtcerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorStringIncludesCodeAndReason(t *testing.T) {
	err := New(CodeDNSLookupFailure, "no such host")
	assert.Equal(t, "DNSLookupFailure: no such host", err.Error())
}

func TestErrorStringOmitsEmptyReason(t *testing.T) {
	err := New(CodeUserRequestedShutdown, "")
	assert.Equal(t, "UserRequestedShutdown", err.Error())
}

func TestNewfWrapsCauseForErrorsIs(t *testing.T) {
	cause := errors.New("underlying socket failure")
	err := Newf(CodeUnexpectedSocketFailure, "%w", cause)
	assert.True(t, errors.Is(err, cause))
}

func TestNewfWithoutWVerbHasNoCause(t *testing.T) {
	err := Newf(CodeProtocolViolation, "malformed frame: %d bytes", 3)
	assert.Nil(t, err.Unwrap())
	assert.Equal(t, "ProtocolViolation: malformed frame: 3 bytes", err.Error())
}
