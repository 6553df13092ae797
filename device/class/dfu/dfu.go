package dfu

import (
	"github.com/ardnew/softdfu/device"
	"github.com/ardnew/softdfu/pkg"
)

// Target receives the firmware image as the host downloads it, one
// wTransferSize block at a time.
type Target interface {
	// WriteBlock stores one complete block at block * transfer size.
	WriteBlock(block uint16, data []byte) error

	// Manifest finalizes the image after the terminating zero-length
	// download.
	Manifest() error
}

// MemoryTarget is a Target backed by a fixed-capacity RAM image,
// standing in for the flash region a bootloader would program.
type MemoryTarget struct {
	buf        []byte
	size       int
	manifested bool
}

// NewMemoryTarget returns a target holding up to capacity bytes.
func NewMemoryTarget(capacity int) *MemoryTarget {
	return &MemoryTarget{buf: make([]byte, capacity)}
}

// WriteBlock stores data at block * [device.MaxTransferSize].
// Returns [pkg.ErrTargetBounds] if the write falls outside capacity.
func (m *MemoryTarget) WriteBlock(block uint16, data []byte) error {
	off := int(block) * device.MaxTransferSize
	if off+len(data) > len(m.buf) {
		return pkg.ErrTargetBounds
	}
	copy(m.buf[off:], data)
	if end := off + len(data); end > m.size {
		m.size = end
	}
	m.manifested = false
	return nil
}

// Manifest marks the downloaded image complete.
func (m *MemoryTarget) Manifest() error {
	m.manifested = true
	return nil
}

// Image returns the bytes written so far.
func (m *MemoryTarget) Image() []byte {
	return m.buf[:m.size]
}

// Manifested reports whether the image has been finalized since the
// last write.
func (m *MemoryTarget) Manifested() bool {
	return m.manifested
}

// Engine is the DFU 1.1 file-transfer state machine. It assembles the
// per-packet fragments the control engine forwards into whole blocks,
// hands completed blocks to its Target, and tracks the protocol state
// reported through GETSTATUS and GETSTATE.
//
// The device is manifestation tolerant: after the terminating
// zero-length download, a GETSTATUS poll returns it to dfuIDLE.
type Engine struct {
	target Target

	state  State
	status Status

	block    uint16 // block number of the transfer being assembled
	expected int    // total bytes of the block in flight
	filled   int    // bytes assembled so far
	blockBuf [device.MaxTransferSize]byte
}

var _ device.FirmwareEngine = (*Engine)(nil)

// NewEngine returns an engine in dfuIDLE bound to the given target.
func NewEngine(target Target) *Engine {
	return &Engine{target: target, state: StateDFUIdle}
}

// fail latches an error: state dfuERROR, the given status, and any
// partial block discarded. Reported to the host as a stall; the error
// persists until CLRSTATUS.
func (e *Engine) fail(status Status) bool {
	pkg.LogWarn(pkg.ComponentDFU, "download failed",
		"status", status.String(), "state", e.state.String())
	e.state = StateDFUError
	e.status = status
	e.expected = 0
	e.filled = 0
	return false
}

// Download implements [device.FirmwareEngine]. Fragments of one block
// arrive in offset order; the completed block goes to the target. A
// zero blockLength terminates the download and manifests the image.
func (e *Engine) Download(block, blockLength uint16, offset, length int, data []byte) bool {
	switch e.state {
	case StateDFUIdle, StateDFUDnloadIdle:
	case StateDFUError:
		// Latched error: stall without disturbing the recorded status.
		return false
	default:
		return e.fail(StatusErrStalled)
	}

	if blockLength == 0 {
		if e.state != StateDFUDnloadIdle {
			// Nothing was downloaded before the terminator.
			return e.fail(StatusErrStalled)
		}
		if err := e.target.Manifest(); err != nil {
			pkg.LogError(pkg.ComponentDFU, "manifest failed", "err", err)
			return e.fail(StatusErrFirmware)
		}
		pkg.LogInfo(pkg.ComponentDFU, "download complete")
		e.state = StateDFUManifestSync
		return true
	}

	if offset == 0 {
		e.block = block
		e.expected = int(blockLength)
		e.filled = 0
	}
	if block != e.block || offset != e.filled ||
		int(blockLength) != e.expected || offset+length > e.expected {
		return e.fail(StatusErrAddress)
	}

	copy(e.blockBuf[offset:], data[:length])
	e.filled += length
	if e.filled < e.expected {
		return true
	}

	// Block complete.
	if err := e.target.WriteBlock(e.block, e.blockBuf[:e.expected]); err != nil {
		pkg.LogError(pkg.ComponentDFU, "block write failed",
			"block", e.block, "err", err)
		return e.fail(StatusErrWrite)
	}
	pkg.LogDebug(pkg.ComponentDFU, "block written",
		"block", e.block, "len", e.expected)
	e.expected = 0
	e.filled = 0
	e.state = StateDFUDnloadSync
	return true
}

// Status implements [device.FirmwareEngine]. Polling status performs
// the DFU sync transitions: dfuDNLOAD-SYNC advances to dfuDNLOAD-IDLE
// and dfuMANIFEST-SYNC back to dfuIDLE.
func (e *Engine) Status() ([StatusBlockSize]byte, bool) {
	switch e.state {
	case StateDFUDnloadSync:
		e.state = StateDFUDnloadIdle
	case StateDFUManifestSync:
		e.state = StateDFUIdle
	}
	var blk [StatusBlockSize]byte
	blk[0] = uint8(e.status)
	// bwPollTimeout stays zero: block programming completed in-line.
	blk[4] = uint8(e.state)
	blk[5] = 0 // iString
	return blk, true
}

// ClearStatus implements [device.FirmwareEngine]. Valid only in
// dfuERROR, returning the engine to dfuIDLE.
func (e *Engine) ClearStatus() bool {
	if e.state != StateDFUError {
		return false
	}
	e.state = StateDFUIdle
	e.status = StatusOK
	return true
}

// State implements [device.FirmwareEngine].
func (e *Engine) State() uint8 {
	return uint8(e.state)
}

// Abort implements [device.FirmwareEngine]. Valid in the idle and
// sync states, discarding any partial block.
func (e *Engine) Abort() bool {
	switch e.state {
	case StateDFUIdle, StateDFUDnloadSync, StateDFUDnloadIdle, StateDFUManifestSync:
		e.state = StateDFUIdle
		e.expected = 0
		e.filled = 0
		return true
	default:
		return false
	}
}
