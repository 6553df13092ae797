package pkg

import "errors"

// Control transfer and DFU protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrProtocol indicates a control protocol violation.
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidRequest indicates an unknown or malformed SETUP request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidIndex indicates a request wIndex outside the supported range.
	ErrInvalidIndex = errors.New("invalid request index")

	// ErrInvalidFeature indicates an unsupported feature selector.
	ErrInvalidFeature = errors.New("invalid feature selector")

	// ErrNoDescriptor indicates no descriptor matches the requested selector.
	ErrNoDescriptor = errors.New("no matching descriptor")

	// ErrSetupTooShort indicates a raw SETUP record shorter than 8 bytes.
	ErrSetupTooShort = errors.New("setup record too short")

	// ErrTransferTooLarge indicates a data stage exceeding the receive buffer.
	ErrTransferTooLarge = errors.New("transfer exceeds receive buffer")

	// ErrEngineRejected indicates the firmware-update engine refused a request.
	ErrEngineRejected = errors.New("firmware engine rejected request")

	// ErrHostAborted indicates the host cut a data stage short.
	ErrHostAborted = errors.New("host aborted transfer")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrTargetBounds indicates a firmware write outside the target region.
	ErrTargetBounds = errors.New("write outside target bounds")
)

// StallCause classifies why EP0 was stalled. Every cause is
// transfer-scoped and recoverable by the next SETUP.
type StallCause int

// Stall cause values.
const (
	StallNone       StallCause = iota // No stall
	StallBadRequest                   // Unknown or malformed request
	StallHostAbort                    // Host aborted the data stage
	StallRejected                     // Downstream engine rejected the request
)

// String returns a string representation of the stall cause.
func (c StallCause) String() string {
	switch c {
	case StallNone:
		return "none"
	case StallBadRequest:
		return "bad-request"
	case StallHostAbort:
		return "host-abort"
	case StallRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the stall cause.
func (c StallCause) Error() error {
	switch c {
	case StallNone:
		return nil
	case StallBadRequest:
		return ErrInvalidRequest
	case StallHostAbort:
		return ErrHostAborted
	case StallRejected:
		return ErrEngineRejected
	default:
		return ErrProtocol
	}
}
