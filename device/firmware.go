package device

// FirmwareEngine is the DFU file-transfer state machine the control
// engine forwards class requests to. The engine owns the DFU protocol
// state (idle/download/manifest/error); the control engine only
// reports its boolean accept/reject results back to the host via ACK
// or stall.
//
// A complete reference implementation is provided by
// [github.com/ardnew/softdfu/device/class/dfu].
type FirmwareEngine interface {
	// Download delivers one received packet of a DNLOAD request.
	// block is wValue, blockLength is wLength; offset and length
	// locate data within the block. A zero blockLength with nil data
	// signals end of download. Returns false to reject the transfer.
	Download(block, blockLength uint16, offset, length int, data []byte) bool

	// Status returns the 6-byte DFU_GETSTATUS block, or false if the
	// request must be rejected.
	Status() ([6]byte, bool)

	// ClearStatus handles DFU_CLRSTATUS. Returns false to reject.
	ClearStatus() bool

	// State returns the 1-byte DFU_GETSTATE reply.
	State() uint8

	// Abort handles DFU_ABORT. Returns false to reject.
	Abort() bool
}
