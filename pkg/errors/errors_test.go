package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error with cause",
			err: &ServiceError{
				Type:      ErrorTypeSubmission,
				Operation: "submit_share",
				Message:   "node unreachable",
				Cause:     errors.New("dial tcp: refused"),
			},
			expected: "submission operation 'submit_share' failed: node unreachable (caused by: dial tcp: refused)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeConfig,
				Operation: "validate",
				Message:   "num_threads must be positive",
			},
			expected: "config operation 'validate' failed: num_threads must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := &ServiceError{Type: ErrorTypeNetwork, Operation: "test", Message: "test", Cause: cause}

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("ServiceError.Unwrap() = %v, want %v", unwrapped, cause)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is() should find the cause")
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypePrimitive, "hash", "panic in kernel").
		WithContext("worker", 3).
		WithContext("variant", "avx2")

	if len(err.Context) != 2 {
		t.Fatalf("len(Context) = %d, want 2", len(err.Context))
	}
	if err.Context["worker"] != 3 {
		t.Errorf("Context[worker] = %v, want 3", err.Context["worker"])
	}
	if err.Context["variant"] != "avx2" {
		t.Errorf("Context[variant] = %v, want avx2", err.Context["variant"])
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeConfig, false},
		{ErrorTypeHardware, false},
		{ErrorTypeStale, false},
		{ErrorTypePrimitive, false},
		{ErrorTypeRPC, false},
		{ErrorTypeInternal, false},
		{ErrorTypeSubmission, true},
		{ErrorTypeNetwork, true},
		{ErrorTypeKafka, true},
		{ErrorTypeTimeout, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.Type != tt.errorType {
				t.Errorf("Type = %v, want %v", err.Type, tt.errorType)
			}
			if err.Timestamp.IsZero() {
				t.Error("Timestamp not set")
			}
			if err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", err.Retryable, tt.retryable)
			}
		})
	}
}

func TestConfig(t *testing.T) {
	err := Config("validate", "invalid port %d", 70000)
	if err.Type != ErrorTypeConfig {
		t.Errorf("Type = %v, want %v", err.Type, ErrorTypeConfig)
	}
	if err.Message != "invalid port 70000" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(cause, ErrorTypeNetwork, "connect", "wrapped message")

	if err.Type != ErrorTypeNetwork {
		t.Errorf("Type = %v, want %v", err.Type, ErrorTypeNetwork)
	}
	if err.Cause != cause {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if !err.Retryable {
		t.Error("wrapped network error should be retryable")
	}

	if nilErr := Wrap(nil, ErrorTypeNetwork, "test", "test"); nilErr != nil {
		t.Errorf("Wrap(nil) = %v, want nil", nilErr)
	}

	inner := New(ErrorTypeConfig, "load", "bad file")
	outer := Wrap(inner, ErrorTypeSubmission, "init", "cannot start")
	if outer.Cause != inner {
		t.Error("expected inner ServiceError as cause")
	}
	if outer.Retryable {
		t.Error("wrapping keeps the inner retry classification")
	}
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeStale, "submit", "job superseded")

	if !IsType(err, ErrorTypeStale) {
		t.Error("IsType() = false for matching type")
	}
	if IsType(err, ErrorTypeConfig) {
		t.Error("IsType() = true for non-matching type")
	}
	if IsType(errors.New("plain"), ErrorTypeStale) {
		t.Error("IsType() = true for plain error")
	}

	nested := Wrap(New(ErrorTypeConfig, "validate", "bad"), ErrorTypeInternal, "init", "failed")
	if !IsType(nested, ErrorTypeConfig) {
		t.Error("IsType() should see the inner type")
	}

	fmtWrapped := fmt.Errorf("start: %w", New(ErrorTypePrimitive, "hash", "boom"))
	if !IsType(fmtWrapped, ErrorTypePrimitive) {
		t.Error("IsType() should see through fmt.Errorf wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(ErrorTypeSubmission, "test", "test")) {
		t.Error("submission error should be retryable")
	}
	if IsRetryable(New(ErrorTypeConfig, "test", "test")) {
		t.Error("config error should not be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("context.Canceled should not be retryable")
	}
	if IsRetryable(context.DeadlineExceeded) {
		t.Error("context.DeadlineExceeded should not be retryable")
	}
	if !IsRetryable(errors.New("connection refused")) {
		t.Error("'connection refused' should be retryable")
	}
	if IsRetryable(errors.New("unknown error")) {
		t.Error("unknown error should not be retryable")
	}
}

func TestGetContext(t *testing.T) {
	err := New(ErrorTypeRPC, "getblocktemplate", "bad reply").WithContext("height", 100)

	ctx := GetContext(err)
	if ctx["height"] != 100 {
		t.Errorf("GetContext()[height] = %v, want 100", ctx["height"])
	}
	if GetContext(errors.New("regular error")) != nil {
		t.Error("GetContext() on plain error should be nil")
	}
}

func TestIsRetryableByDefault(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context timeout", context.DeadlineExceeded, false},
		{"connection refused", errors.New("connection refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"network unreachable", errors.New("network unreachable"), true},
		{"no route", errors.New("dial tcp 10.0.0.1:8332: no route to host"), true},
		{"timeout error", errors.New("timeout occurred"), true},
		{"unexpected eof", errors.New("unexpected EOF"), true},
		{"unknown error", errors.New("unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableByDefault(tt.err); got != tt.expected {
				t.Errorf("isRetryableByDefault() = %v, want %v", got, tt.expected)
			}
		})
	}
}
