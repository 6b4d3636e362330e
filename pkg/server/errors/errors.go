// Package errors contains the caller-facing errors of the server and how they map
// onto HTTP responses.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const InternalServerErrorMsg = "Internal Server Error"

var (
	ErrJobNotFound           = status.Error(codes.NotFound, "Query not found.")
	ErrNoProvider            = status.Error(codes.NotFound, "No provider found.")
	ErrCatalogReloadDisabled = status.Error(codes.PermissionDenied, "Catalog reload is disabled.")
	ErrEndBeforeStart        = ValidationError(errors.New("end_date must be >= start_date."))
)

// ValidationError reports a request the caller must fix before retrying.
func ValidationError(cause error) error {
	return status.Error(codes.InvalidArgument, cause.Error())
}

// StartDateTooEarlyError reports a start date below the configured floor.
func StartDateTooEarlyError(floor string) error {
	return ValidationError(fmt.Errorf("start_date must be on or after %s.", floor))
}

// InternalError hides its cause from callers. The cause stays available to logs
// through Unwrap.
type InternalError struct {
	public   error
	internal error
}

func (e InternalError) Error() string {
	return e.public.Error()
}

func (e InternalError) Unwrap() error {
	return e.internal
}

func (e InternalError) GRPCStatus() *status.Status {
	st, _ := status.FromError(e.public)
	return st
}

// NewInternalError returns an error reporting message to the caller while keeping
// err for logs. An empty message is replaced with a generic one.
func NewInternalError(message string, err error) InternalError {
	if message == "" {
		message = InternalServerErrorMsg
	}

	return InternalError{
		public:   status.Error(codes.Internal, message),
		internal: err,
	}
}

// statusOf finds the gRPC status carried anywhere in err's chain.
func statusOf(err error) (*status.Status, bool) {
	var withStatus interface{ GRPCStatus() *status.Status }
	if !errors.As(err, &withStatus) {
		return nil, false
	}
	st := withStatus.GRPCStatus()
	return st, st != nil
}

// HTTPStatus is the HTTP status code for err. Errors that do not carry a gRPC
// status are internal.
func HTTPStatus(err error) int {
	st, ok := statusOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	return runtime.HTTPStatusFromCode(st.Code())
}

// Detail is the message shown to callers for err. Causes of internal errors never
// leak.
func Detail(err error) string {
	st, ok := statusOf(err)
	if !ok || st.Code() == codes.Unknown {
		return InternalServerErrorMsg
	}
	return st.Message()
}
