// Package errors provides examples of structured error handling in the loader.
package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.ErrorTypeState, "mixed state types are not allowed").
		WithDetail("mode", "GLOBAL").
		WithDetail("received", "STREAM")

	fmt.Println(err.Error())

	// Output:
	// state: mixed state types are not allowed
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	originalErr := io.ErrUnexpectedEOF

	err := errors.Wrap(originalErr, errors.ErrorTypeStorage, "failed to upload part").
		WithDetail("key", "users/2024_01_01_0.jsonl").
		WithDetail("part", 3)

	if errors.IsType(err, errors.ErrorTypeStorage) {
		fmt.Println("This is a storage error")
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		fmt.Println("Original error was unexpected EOF")
	}

	// Output:
	// This is a storage error
	// Original error was unexpected EOF
}

// ExampleIsRetryable shows how to check if an error is retryable.
func ExampleIsRetryable() {
	storageErr := errors.New(errors.ErrorTypeStorage, "slow down")
	configErr := errors.New(errors.ErrorTypeConfig, "reservation exceeds total capacity")

	fmt.Printf("storage retryable: %v\n", errors.IsRetryable(storageErr))
	fmt.Printf("config retryable: %v\n", errors.IsRetryable(configErr))

	// Output:
	// storage retryable: true
	// config retryable: false
}
