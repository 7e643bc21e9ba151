// Package errors provides examples of structured error handling in the tap.
package errors_test

import (
	"fmt"
	"io"
	"time"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.ErrorTypeConnection, "failed to reach OCAPI").
		WithDetail("host", "example.dx.commercecloud.salesforce.com")

	fmt.Println(err.Error())

	// Output:
	// connection: failed to reach OCAPI
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeTransient, "truncated page body").
		WithDetail("stream", "orders")

	if errors.IsType(err, errors.ErrorTypeTransient) {
		fmt.Println("This is a transient error")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		fmt.Println("Original error was unexpected EOF")
	}

	// Output:
	// This is a transient error
	// Original error was unexpected EOF
}

// ExampleIsRetryable shows how the extraction taxonomy maps to retry decisions.
func ExampleIsRetryable() {
	transient := errors.Transient(nil, "HTTP 503 from /order_search").WithRetryAfter(2 * time.Second)
	fatal := errors.FatalExtraction(nil, "HTTP 401 from /order_search")
	expired := errors.ExpiredCursor(nil, "offset out of range")

	fmt.Println(errors.IsRetryable(transient), errors.RetryAfter(transient))
	fmt.Println(errors.IsRetryable(fatal))
	fmt.Println(errors.IsRetryable(expired))

	// Output:
	// true 2s
	// false
	// false
}

// Example_errorChain shows how HasType looks through wrapped layers.
func Example_errorChain() {
	cause := errors.New(errors.ErrorTypeAuthentication, "token rejected")
	err := errors.FatalExtraction(cause, "stream orders aborted")

	fmt.Println(err)
	fmt.Println(errors.IsType(err, errors.ErrorTypeAuthentication))
	fmt.Println(errors.HasType(err, errors.ErrorTypeAuthentication))

	// Output:
	// extraction: stream orders aborted: authentication: token rejected
	// false
	// true
}
