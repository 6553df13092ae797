package sim

import (
	"fmt"

	"github.com/ardnew/softdfu/device/hal"
	"github.com/ardnew/softdfu/pkg"
)

// maxPacketSize is the EP0 full-speed packet size the simulated
// controller moves per token.
const maxPacketSize = 64

// Transport is an in-memory EP0 controller implementing
// [hal.Transport]. Arming records intent; the host side moves data and
// raises completion events by calling [Transport.Setup],
// [Transport.CompleteIn], and [Transport.CompleteOut], which invoke
// the bound [hal.Handler] synchronously. All calls must come from one
// goroutine, matching the single interrupt context of real hardware.
type Transport struct {
	handler hal.Handler
	ring    hal.SetupRing

	setupArmed bool
	inArmed    bool
	outArmed   bool
	inData     []byte // staged IN payload, copied at arm time
	outBuf     []byte // armed OUT destination

	// A protocol stall answers tokens with STALL until the next SETUP.
	// The IN halt feature is a separate latch owned by software: it is
	// set by StallIn and cleared only by ClearStallIn, never by SETUP.
	stalledIn  bool
	stalledOut bool
	haltIn     bool

	address uint8
}

// NewTransport returns an idle simulated controller. Bind a handler
// before raising events.
func NewTransport() *Transport {
	return &Transport{}
}

// Bind attaches the event handler. Must be called before Reset.
func (t *Transport) Bind(handler hal.Handler) {
	t.handler = handler
}

// ArmSetup primes EP0 for the next SETUP record and resets the DMA
// ring write position.
func (t *Transport) ArmSetup() {
	t.setupArmed = true
	t.ring.Reset()
}

// ArmOut primes EP0 OUT to receive into buf. An empty buf arms a
// zero-length packet.
func (t *Transport) ArmOut(buf []byte) {
	t.outBuf = buf
	t.outArmed = true
}

// ArmIn primes EP0 IN to transmit buf. The payload is copied so the
// caller may reuse its buffer immediately, as DMA-coherent hardware
// would have latched it.
func (t *Transport) ArmIn(buf []byte) {
	t.inData = append(t.inData[:0], buf...)
	t.inArmed = true
}

// StallIn halts EP0 IN: the protocol stall and the halt feature latch.
func (t *Transport) StallIn() {
	t.stalledIn = true
	t.haltIn = true
}

// StallOut halts EP0 OUT until the next SETUP.
func (t *Transport) StallOut() {
	t.stalledOut = true
}

// ClearStallIn releases the EP0 IN halt feature latch.
func (t *Transport) ClearStallIn() {
	t.stalledIn = false
	t.haltIn = false
}

// InHalted reports the EP0 IN halt feature latch.
func (t *Transport) InHalted() bool {
	return t.haltIn
}

// SetAddress latches the device address assigned by the host.
func (t *Transport) SetAddress(addr uint8) {
	pkg.LogDebug(pkg.ComponentTransport, "address assigned", "addr", addr)
	t.address = addr
}

// Address returns the latched device address.
func (t *Transport) Address() uint8 {
	return t.address
}

// Stalled reports the protocol stall condition of each direction.
func (t *Transport) Stalled() (in, out bool) {
	return t.stalledIn, t.stalledOut
}

// Reset raises a bus reset: all armed transfers and stall conditions
// are dropped, the address returns to zero, and the handler observes
// OnReset.
func (t *Transport) Reset() {
	t.setupArmed = false
	t.inArmed = false
	t.outArmed = false
	t.stalledIn = false
	t.stalledOut = false
	t.haltIn = false
	t.address = 0
	t.ring.Reset()
	t.handler.OnReset()
}

// Setup delivers one SETUP record from the host. A SETUP token cancels
// any armed data transfer and clears protocol stalls in both
// directions before the handler runs. Returns false if EP0 was not
// armed for SETUP.
func (t *Transport) Setup(req *hal.SetupPacket) bool {
	if !t.setupArmed {
		return false
	}
	var raw [hal.SetupPacketSize]byte
	req.MarshalTo(raw[:])
	if !t.ring.Store(raw[:]) {
		return false
	}
	t.setupArmed = false
	t.inArmed = false
	t.outArmed = false
	t.stalledIn = false
	t.stalledOut = false

	remaining := hal.SetupRingDepth - t.ring.Pending()
	var decoded hal.SetupPacket
	if !t.ring.Latest(remaining, &decoded) {
		return false
	}
	t.handler.OnSetup(&decoded)
	return true
}

// CompleteIn simulates the host issuing an IN token on the given
// endpoint: the armed payload is returned and the handler observes
// OnIn. ok is false when the endpoint answers STALL or has nothing
// armed (NAK).
func (t *Transport) CompleteIn(ep int) (data []byte, ok bool) {
	if ep != 0 {
		panic(fmt.Sprintf("sim: IN event on unsupported endpoint %d", ep))
	}
	if t.stalledIn || !t.inArmed {
		return nil, false
	}
	data = append([]byte(nil), t.inData...)
	t.inArmed = false
	t.handler.OnIn()
	return data, true
}

// CompleteOut simulates the host issuing an OUT token with the given
// payload: bytes are copied into the armed buffer, truncated to its
// capacity, and the handler observes OnOut with the stored count. ok
// is false when the endpoint answers STALL or has nothing armed.
func (t *Transport) CompleteOut(ep int, data []byte) (n int, ok bool) {
	if ep != 0 {
		panic(fmt.Sprintf("sim: OUT event on unsupported endpoint %d", ep))
	}
	if t.stalledOut || !t.outArmed {
		return 0, false
	}
	n = copy(t.outBuf, data)
	t.outArmed = false
	t.handler.OnOut(n)
	return n, true
}
