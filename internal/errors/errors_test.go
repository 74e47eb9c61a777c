package errors

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestNewAppError(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "Test error", nil)

	if err.Code != ErrCodeInvalidInput {
		t.Errorf("Expected code %s, got %s", ErrCodeInvalidInput, err.Code)
	}

	if err.Message != "Test error" {
		t.Errorf("Expected message 'Test error', got %s", err.Message)
	}

	if err.Severity != SeverityLow {
		t.Errorf("Expected severity %s, got %s", SeverityLow, err.Severity)
	}
}

func TestAppErrorMessageIncludesCause(t *testing.T) {
	err := NewAppErrorWithDetails(ErrCodeLookAhead, "test window precedes train window", "period 3", fmt.Errorf("boom"))

	want := "[LOOK_AHEAD_VIOLATION] test window precedes train window: period 3: boom"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestAppErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		code           ErrorCode
		expectedStatus int
	}{
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeInvalidInput, http.StatusBadRequest},
		{ErrCodeParameterInvalid, http.StatusBadRequest},
		{ErrCodeInternal, http.StatusInternalServerError},
		{ErrCodeRateLimit, http.StatusTooManyRequests},
		{ErrCodeNoSignal, http.StatusUnprocessableEntity},
		{ErrCodeCircuitOpen, http.StatusServiceUnavailable},
	}

	for _, test := range tests {
		err := NewAppError(test.code, "Test", nil)
		status := err.HTTPStatus()

		if status != test.expectedStatus {
			t.Errorf("Code %s: expected status %d, got %d", test.code, test.expectedStatus, status)
		}
	}
}

func TestAppErrorWithContext(t *testing.T) {
	err := NewAppError(ErrCodeInternal, "Test error", nil)
	err = err.WithContext("period", 2)
	err = err.WithRunID("run_456")

	if err.Context["period"] != 2 {
		t.Errorf("Expected context period 2, got %v", err.Context["period"])
	}

	if err.RunID != "run_456" {
		t.Errorf("Expected run ID 'run_456', got %s", err.RunID)
	}
}

func TestAppErrorIsRetryable(t *testing.T) {
	retryableErr := NewAppError(ErrCodeTimeout, "Timeout", nil)
	nonRetryableErr := NewAppError(ErrCodeLookAhead, "Look-ahead", nil)

	if !retryableErr.IsRetryable() {
		t.Error("Timeout error should be retryable")
	}

	if nonRetryableErr.IsRetryable() {
		t.Error("Look-ahead violation should not be retryable")
	}
}

func TestWrapError(t *testing.T) {
	originalErr := fmt.Errorf("original error")
	wrappedErr := WrapError(originalErr, ErrCodeDBQuery, "Database error")

	if wrappedErr.Code != ErrCodeDBQuery {
		t.Errorf("Expected code %s, got %s", ErrCodeDBQuery, wrappedErr.Code)
	}

	if wrappedErr.Message != "Database error" {
		t.Errorf("Expected message 'Database error', got %s", wrappedErr.Message)
	}

	if wrappedErr.Cause != originalErr {
		t.Error("Wrapped error should preserve original error")
	}

	if WrapError(nil, ErrCodeDBQuery, "nothing") != nil {
		t.Error("Wrapping nil should return nil")
	}
}

func TestWrapErrorKeepsExistingAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeNoSignal, "no candidate produced trades", nil)
	chained := fmt.Errorf("period 1: %w", appErr)

	wrapped := WrapError(chained, ErrCodeOptimizationFailed, "optimization failed")
	if wrapped != appErr {
		t.Error("WrapError should return the AppError found in the chain")
	}
}

func TestErrorResponse(t *testing.T) {
	err := NewAppError(ErrCodeNotFound, "Resource not found", nil)
	response := NewErrorResponse(err, "/api/v1/runs/abc")

	if response.Error != err {
		t.Error("Response should contain the error")
	}

	if response.Success {
		t.Error("Response success should be false")
	}

	if response.Path != "/api/v1/runs/abc" {
		t.Errorf("Expected path '/api/v1/runs/abc', got %s", response.Path)
	}

	if time.Since(response.Timestamp) > time.Second {
		t.Error("Response timestamp should be recent")
	}
}

func TestGetSeverityByCode(t *testing.T) {
	tests := []struct {
		code             ErrorCode
		expectedSeverity ErrorSeverity
	}{
		{ErrCodeInternal, SeverityCritical},
		{ErrCodeLookAhead, SeverityCritical},
		{ErrCodeNoSignal, SeverityHigh},
		{ErrCodeCacheOperation, SeverityMedium},
		{ErrCodeInvalidInput, SeverityLow},
		{ErrCodeInsufficientData, SeverityLow},
	}

	for _, test := range tests {
		severity := getSeverityByCode(test.code)
		if severity != test.expectedSeverity {
			t.Errorf("Code %s: expected severity %s, got %s", test.code, test.expectedSeverity, severity)
		}
	}
}

func TestIsAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInternal, "Test", nil)
	standardErr := fmt.Errorf("standard error")

	if !IsAppError(appErr) {
		t.Error("Should recognize AppError")
	}

	if !IsAppError(fmt.Errorf("wrapped: %w", appErr)) {
		t.Error("Should recognize a wrapped AppError")
	}

	if IsAppError(standardErr) {
		t.Error("Should not recognize standard error as AppError")
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("run failed: %w", NewAppError(ErrCodeLookAhead, "overlap", nil))

	if !IsCode(err, ErrCodeLookAhead) {
		t.Error("IsCode should find the code through the wrap chain")
	}
	if IsCode(err, ErrCodeNoSignal) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(nil, ErrCodeLookAhead) {
		t.Error("IsCode on nil should be false")
	}
}
