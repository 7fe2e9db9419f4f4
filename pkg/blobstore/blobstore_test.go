package blobstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

// mockAPIError implements smithy.APIError for testing error code mapping.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

func TestShouldOffload(t *testing.T) {
	s := &Store{threshold: 1024}

	require.False(t, s.ShouldOffload(1024), "result at threshold should stay inline")
	require.True(t, s.ShouldOffload(1025), "result over threshold should offload")
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, (Config{}).Validate())
	require.NoError(t, (Config{Bucket: "results"}).Validate())
}

func TestWrapErrMapsProviderCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "typed NoSuchKey", err: &types.NoSuchKey{}, want: ErrNotFound},
		{name: "typed NotFound", err: &types.NotFound{}, want: ErrNotFound},
		{name: "api code NoSuchKey", err: &mockAPIError{code: "NoSuchKey", message: "gone"}, want: ErrNotFound},
		{name: "api code AccessDenied", err: &mockAPIError{code: "AccessDenied", message: "no"}, want: ErrAccessDenied},
		{name: "api code SlowDown", err: &mockAPIError{code: "SlowDown", message: "later"}, want: ErrThrottled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := wrapErr("get", "job-results/j1.json", tt.err)
			require.ErrorIs(t, wrapped, tt.want)
		})
	}
}

func TestWrapErrPassesThroughUnrecognized(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := wrapErr("put", "job-results/j1.json", cause)
	require.ErrorIs(t, wrapped, cause)
	require.NotErrorIs(t, wrapped, ErrNotFound)
}
