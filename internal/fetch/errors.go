package fetch

import "errors"

var (
	// ErrNotFound indicates that nothing was delivered within the initial probing interval.
	ErrNotFound = errors.New("not found")

	// ErrSinkWrite indicates that the output rejected delivered bytes.
	ErrSinkWrite = errors.New("output write failed")

	// ErrMalformedName indicates that the target name could not be used.
	ErrMalformedName = errors.New("malformed name")

	// ErrTransportClosed indicates that the transport shut down before the final segment.
	ErrTransportClosed = errors.New("transport closed")

	// ErrInterrupted indicates that the session was cancelled before the final segment.
	ErrInterrupted = errors.New("interrupted")

	// ErrExpress indicates that the transport refused to send an interest.
	ErrExpress = errors.New("express interest failed")
)
