package errors_test

import (
	"fmt"
	"io"

	"github.com/Cerresi/bees-case/pkg/errors"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.ErrorTypeNoInputData, "no committed bronze batch").
		WithDetail("run_id", "2024-06-01")

	fmt.Println(err.Error())

	// Output:
	// no_input_data: no committed bronze batch
}

// ExampleWrap shows how a storage failure is categorised.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeWriteFailure, "failed to put object").
		WithDetail("key", "bronze/run_id=2024-06-01/_manifest.json")

	if errors.IsType(err, errors.ErrorTypeWriteFailure) {
		fmt.Println("write failure")
	}
	fmt.Println(errors.IsRetryable(err))

	// Output:
	// write failure
	// false
}

// ExampleIsRetryable shows which categories the Source Client retries.
func ExampleIsRetryable() {
	transient := errors.New(errors.ErrorTypeSourceUnavailable, "status 503")
	rejected := errors.New(errors.ErrorTypeSourceRejected, "status 404")

	fmt.Println(errors.IsRetryable(transient), errors.IsRetryable(rejected))

	// Output:
	// true false
}
