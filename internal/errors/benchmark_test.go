package errors

import (
	"fmt"
	"testing"
)

func BenchmarkNewAppError(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = NewAppError(ErrCodeInvalidInput, "test error", nil)
	}
}

func BenchmarkAppErrorWithContext(b *testing.B) {
	err := NewAppError(ErrCodeInvalidInput, "test error", nil)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = err.WithContext("key", "value")
	}
}

func BenchmarkWrapError(b *testing.B) {
	originalErr := fmt.Errorf("original")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = WrapError(originalErr, ErrCodeDBQuery, "wrapped error")
	}
}

func BenchmarkIsCode(b *testing.B) {
	err := fmt.Errorf("outer: %w", NewAppError(ErrCodeNoSignal, "no signal", nil))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = IsCode(err, ErrCodeNoSignal)
	}
}
