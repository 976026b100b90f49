package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrTaskActive         = errors.New("task is still processing")
	ErrServiceUnavailable = errors.New("render service unavailable")
	ErrUnknownFormat      = errors.New("unknown output format")
	ErrInvalidRequest     = errors.New("invalid request")
)

// MaxInitImageDimension is the largest init image edge recommended when the
// service runs out of memory.
const MaxInitImageDimension = 768

// ConnectivityError reports a job that failed while the service was
// unreachable. Resubmitting once the service is back is expected to work.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	msg := "render service is still starting up or has stopped"
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ComputeError is a failure reported by the service for an accepted job.
type ComputeError struct {
	Detail      string
	OutOfMemory bool
}

// NewComputeError classifies detail and flags out-of-memory failures.
func NewComputeError(detail string) *ComputeError {
	detail = strings.TrimSpace(detail)
	return &ComputeError{
		Detail:      detail,
		OutOfMemory: strings.Contains(strings.ToLower(detail), "out of memory"),
	}
}

func (e *ComputeError) Error() string {
	if e.Detail == "" {
		return "render failed"
	}
	return e.Detail
}

// Suggestions lists remediation steps for out-of-memory failures.
func (e *ComputeError) Suggestions() []string {
	if !e.OutOfMemory {
		return nil
	}
	return []string{
		fmt.Sprintf("If you have set an initial image, try reducing its dimension to %dx%d or smaller.", MaxInitImageDimension, MaxInitImageDimension),
		"Try disabling turbo mode.",
		"Try generating a smaller image.",
	}
}

// TransportReadError reports a response stream that ended early or could not
// be decoded. Buffered holds whatever had been read so far.
type TransportReadError struct {
	Err      error
	Buffered string
}

func (e *TransportReadError) Error() string {
	var b strings.Builder
	b.WriteString("error reading the response")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Buffered != "" {
		b.WriteString(" (buffered data: ")
		b.WriteString(e.Buffered)
		b.WriteString(")")
	}
	return b.String()
}

func (e *TransportReadError) Unwrap() error { return e.Err }

// DescribeFailure renders a job failure for the per-task diagnostic log.
func DescribeFailure(err error) string {
	if err == nil {
		return ""
	}
	var compute *ComputeError
	if errors.As(err, &compute) {
		msg := compute.Error()
		if tips := compute.Suggestions(); len(tips) > 0 {
			var b strings.Builder
			b.WriteString(msg)
			b.WriteString(". Suggestions:")
			for i, tip := range tips {
				fmt.Fprintf(&b, " %d. %s", i+1, tip)
			}
			msg = b.String()
		}
		return msg
	}
	var conn *ConnectivityError
	if errors.As(err, &conn) {
		return "Render service is still starting up, please wait. If this goes on beyond a few minutes, the service has probably crashed."
	}
	var read *TransportReadError
	if errors.As(err, &read) {
		return "Unexpected read error: " + read.Error()
	}
	return "Unexpected error: " + err.Error()
}
