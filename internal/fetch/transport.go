// Package fetch implements pipelined, in-order retrieval of a segmented
// content stream over a request/response network that offers no
// retransmission or flow control of its own.
//
// A Session keeps a window of segment interests outstanding, buffers
// responses that arrive out of order in a fixed slot table, writes payloads to
// the output strictly in sequence order, and recovers from loss with
// re-expression on timeout plus a periodic hole filler with exponential
// backoff. Everything runs on the goroutine that calls Session.Run; the
// transport delivers upcalls synchronously from within Transport.Run.
package fetch

import (
	"context"
	"time"

	"github.com/arsac/ndnchunks/internal/names"
)

// UpcallKind identifies what a transport is reporting about an interest.
type UpcallKind int

const (
	// UpcallFinal reports that the transport has retired the interest. It is
	// the last upcall a handler receives for that interest.
	UpcallFinal UpcallKind = iota
	// UpcallTimedOut reports that the interest expired unanswered.
	UpcallTimedOut
	// UpcallContent reports a response.
	UpcallContent
)

func (k UpcallKind) String() string {
	switch k {
	case UpcallFinal:
		return "final"
	case UpcallTimedOut:
		return "timed-out"
	case UpcallContent:
		return "content"
	default:
		return "unknown"
	}
}

// Classification is the transport's verdict on a content response.
type Classification int

const (
	ContentVerified Classification = iota
	ContentUnverified
	ContentRaw        // Verification deferred by request.
	ContentKeyMissing // Signed, but the key is not available yet.
	ContentInvalid    // Failed verification.
)

func (c Classification) String() string {
	switch c {
	case ContentVerified:
		return "verified"
	case ContentUnverified:
		return "unverified"
	case ContentRaw:
		return "raw"
	case ContentKeyMissing:
		return "key-missing"
	case ContentInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Result tells the transport what to do with an interest after an upcall.
type Result int

const (
	// ResultOK retires the interest (for content and timeouts).
	ResultOK Result = iota
	// ResultErr reports that the handler rejected the upcall; the interest is retired.
	ResultErr
	// ResultReexpress sends the same interest again.
	ResultReexpress
	// ResultVerify asks the transport to obtain a verified copy of the content.
	ResultVerify
	// ResultFetchKey asks the transport to fetch the missing key and verify.
	ResultFetchKey
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultErr:
		return "err"
	case ResultReexpress:
		return "reexpress"
	case ResultVerify:
		return "verify"
	case ResultFetchKey:
		return "fetch-key"
	default:
		return "unknown"
	}
}

// Upcall is a notification from the transport about one interest.
type Upcall struct {
	Kind UpcallKind
	Name names.Name

	// Set for UpcallContent only.
	Payload []byte
	Class   Classification
	Final   bool // The publisher marked this as the last segment.
}

// Handler receives upcalls for the interests it was expressed with.
type Handler interface {
	Upcall(u *Upcall) Result
}

// Interest is a request for one named segment.
type Interest struct {
	Name       names.Name
	AllowStale bool
}

// Transport is the request/response substrate.
//
// Express and Run are only ever called from the session goroutine, and Run
// must deliver every upcall on the calling goroutine before it returns.
type Transport interface {
	// Express asynchronously requests in.Name; h receives the outcome from a
	// later Run call.
	Express(in Interest, h Handler) error

	// Run performs one bounded I/O step, delivering zero or more upcalls, and
	// returns after at most maxWait or once ctx is done. It returns
	// ErrTransportClosed once the transport has shut down.
	Run(ctx context.Context, maxWait time.Duration) error
}
