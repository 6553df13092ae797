package device

import (
	"github.com/ardnew/softdfu/device/hal"
	"github.com/ardnew/softdfu/pkg"
)

// transferContext tracks data-stage progress for the active control
// transfer. It is reset at the start of every transfer; remaining only
// decreases, by exactly the byte count each completion event reports,
// and must reach zero to terminate the data stage.
type transferContext struct {
	buf       []byte // unsent (IN) or unfilled (OUT) remainder
	remaining int    // bytes not yet moved
	needZLP   bool   // one deferred zero-length packet owed after the data stage
}

func (t *transferContext) reset() {
	*t = transferContext{}
}

// ControlEndpoint drives the EP0 control-transfer state machine for
// the DFU bootloader. It owns the phase and transfer context
// exclusively; request handlers reach hardware only through its
// send/recv/ack/stall entry points.
//
// All methods must be invoked from the transport's single interrupt
// dispatch goroutine. Every entry point either completes synchronously
// or arms hardware for a future event and returns; nothing blocks.
type ControlEndpoint struct {
	transport hal.Transport
	table     *Table
	engine    FirmwareEngine

	phase Phase
	ctrl  transferContext

	setup    SetupPacket // most recent SETUP request
	rxOffset int         // bytes forwarded to the engine for DNLOAD

	configuration uint8

	// Small replies are built in replyBuf; single-packet sends are
	// staged through sendBuf so the handler's buffer is not referenced
	// after dispatch returns.
	replyBuf [ReplyBufferSize]byte
	sendBuf  [MaxPacketSize]byte

	// Download receive buffer, sized to the DFU transfer size.
	rxBuf [MaxTransferSize]byte
}

// NewControlEndpoint creates a control engine bound to the given
// transport, descriptor table, and firmware-update engine.
// The engine may be nil, in which case all DFU class requests stall.
func NewControlEndpoint(transport hal.Transport, table *Table, engine FirmwareEngine) *ControlEndpoint {
	return &ControlEndpoint{
		transport: transport,
		table:     table,
		phase:     PhaseWaitSetup,
		engine:    engine,
	}
}

// CurrentPhase returns the control pipe phase.
func (c *ControlEndpoint) CurrentPhase() Phase {
	return c.phase
}

// Configuration returns the active configuration value set by the
// host, or zero if unconfigured.
func (c *ControlEndpoint) Configuration() uint8 {
	return c.configuration
}

// LastSetup returns the most recent SETUP request.
func (c *ControlEndpoint) LastSetup() SetupPacket {
	return c.setup
}

// OnReset handles bus reset / enumeration done: all transfer state is
// volatile and re-initialized, and EP0 is re-armed for SETUP.
func (c *ControlEndpoint) OnReset() {
	pkg.LogDebug(pkg.ComponentControl, "bus reset")
	c.phase = PhaseWaitSetup
	c.ctrl.reset()
	c.rxOffset = 0
	c.configuration = 0
	c.transport.ArmSetup()
}

// OnSetup handles a completed SETUP record. A new SETUP implicitly
// cancels whatever transfer was in progress: the context is cleared
// before dispatch so no residual state leaks into the new transfer.
func (c *ControlEndpoint) OnSetup(req *hal.SetupPacket) {
	c.setup = SetupPacket{
		RequestType: req.RequestType,
		Request:     req.Request,
		Value:       req.Value,
		Index:       req.Index,
		Length:      req.Length,
	}
	c.ctrl.reset()
	c.rxOffset = 0

	pkg.LogDebug(pkg.ComponentControl, "setup received",
		"request", c.setup.String(),
		"key", c.setup.RequestAndType())

	c.dispatch()
}

// OnIn handles an EP0 IN transfer-complete event.
func (c *ControlEndpoint) OnIn() {
	switch c.phase {
	case PhaseInData, PhaseLastInData:
		c.dataStageIn()
	case PhaseWaitStatusIn:
		// Control WRITE transfer done.
		c.transport.ArmSetup()
		c.phase = PhaseWaitSetup
	default:
		// Unexpected completion: interrupt ordering violation.
		c.stall(pkg.StallHostAbort)
	}
}

// OnOut handles an EP0 OUT transfer-complete event. n is the byte
// count the hardware reports as received; it is authoritative and the
// engine never assumes a full packet was transferred.
func (c *ControlEndpoint) OnOut(n int) {
	switch c.phase {
	case PhaseOutData:
		if n > c.ctrl.remaining {
			n = c.ctrl.remaining
		}
		c.ctrl.buf = c.ctrl.buf[n:]
		c.ctrl.remaining -= n
		if c.setup.Type() == RequestTypeClass && c.setup.Request == RequestDFUDnload {
			c.continueDownload()
			return
		}
		if c.ctrl.remaining == 0 {
			c.ack()
			return
		}
		c.armNextOut()
	case PhaseWaitStatusOut:
		// Control READ transfer done.
		c.rxOffset = 0
		c.transport.ArmSetup()
		c.phase = PhaseWaitSetup
	default:
		// Host aborted the transfer before it finished.
		c.stall(pkg.StallHostAbort)
	}
}

// dataStageIn advances the IN data stage on each completion: send the
// next packet, the deferred zero-length packet, or move to the status
// stage.
func (c *ControlEndpoint) dataStageIn() {
	if c.ctrl.remaining == 0 {
		if c.ctrl.needZLP {
			// The transfer length is an exact multiple of the packet
			// size; the host needs one empty packet to see the end.
			c.ctrl.needZLP = false
			c.phase = PhaseLastInData
			c.transport.ArmSetup()
			c.transport.ArmIn(nil)
			return
		}
		// No more data to send; receive the zero-length status OUT.
		c.phase = PhaseWaitStatusOut
		c.transport.ArmOut(nil)
		return
	}

	n := c.ctrl.remaining
	if n > MaxPacketSize {
		n = MaxPacketSize
	}
	if c.ctrl.remaining <= MaxPacketSize {
		c.phase = PhaseLastInData
	} else {
		c.phase = PhaseInData
	}
	c.transport.ArmSetup()
	c.transport.ArmIn(c.ctrl.buf[:n])
	c.ctrl.buf = c.ctrl.buf[n:]
	c.ctrl.remaining -= n
}

// send starts the IN data stage for a reply. The length is clamped to
// what the host asked for; replies that fit one packet are staged
// through sendBuf so handler scratch buffers may be reused freely.
func (c *ControlEndpoint) send(data []byte) {
	total := len(data)
	if asked := int(c.setup.Length); total > asked {
		total = asked
	}
	c.ctrl.needZLP = total != 0 && total%MaxPacketSize == 0

	buf := data[:total]
	if total <= MaxPacketSize {
		copy(c.sendBuf[:], buf)
		buf = c.sendBuf[:total]
	}

	var n int
	if total < MaxPacketSize {
		n = total
		c.phase = PhaseLastInData
	} else {
		n = MaxPacketSize
		c.phase = PhaseInData
	}

	c.transport.ArmIn(buf[:n])
	c.ctrl.buf = buf[n:]
	c.ctrl.remaining = total - n
}

// recv starts the OUT data stage into buf, one packet at a time.
func (c *ControlEndpoint) recv(buf []byte) {
	c.ctrl.buf = buf
	c.ctrl.remaining = len(buf)
	n := len(buf)
	if n > MaxPacketSize {
		n = MaxPacketSize
	}
	c.transport.ArmOut(buf[:n])
	c.phase = PhaseOutData
}

// ack finishes a control WRITE transfer with a zero-length status IN.
func (c *ControlEndpoint) ack() {
	c.transport.ArmSetup()
	c.phase = PhaseWaitStatusIn
	c.transport.ArmIn(nil)
}

// stall signals a transfer-scoped error: both EP0 directions are
// halted and the engine silently re-arms for the next SETUP. The
// stall latches in hardware and self-clears when that SETUP arrives,
// so no explicit un-stall is needed. Idempotent.
func (c *ControlEndpoint) stall(cause pkg.StallCause) {
	pkg.LogDebug(pkg.ComponentControl, "control transfer stalled",
		"cause", cause.String(),
		"phase", c.phase.String(),
		"key", c.setup.RequestAndType())
	c.phase = PhaseStalled
	c.transport.StallOut()
	c.transport.StallIn()
	c.phase = PhaseWaitSetup
	c.ctrl.reset()
	c.transport.ArmSetup()
}

// armNextOut arms the next OUT packet of the active data stage.
func (c *ControlEndpoint) armNextOut() {
	n := c.ctrl.remaining
	if n > MaxPacketSize {
		n = MaxPacketSize
	}
	c.phase = PhaseOutData
	c.transport.ArmOut(c.ctrl.buf[:n])
}

// continueDownload forwards the packet just received to the
// firmware-update engine and advances or terminates the DNLOAD
// transfer. Offsets form a contiguous, strictly increasing sequence
// from zero; their lengths sum to wLength exactly once complete.
func (c *ControlEndpoint) continueDownload() {
	total := int(c.setup.Length)
	length := total - c.rxOffset
	if length > MaxPacketSize {
		length = MaxPacketSize
	}
	data := c.rxBuf[c.rxOffset : c.rxOffset+length]

	if c.engine == nil || !c.engine.Download(c.setup.Value, c.setup.Length, c.rxOffset, length, data) {
		c.stall(pkg.StallRejected)
		return
	}

	c.rxOffset += length
	if c.rxOffset >= total {
		// End of transaction: acknowledge with a zero-length IN.
		c.ack()
		return
	}
	c.armNextOut()
}
