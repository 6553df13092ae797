package hal

// SetupPacket represents a USB SETUP packet in the HAL layer.
// This is a fixed-size, zero-allocation structure for SETUP records.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// Transport abstracts the hardware DMA/register interface for endpoint 0.
//
// All methods are non-blocking register operations: arming primes the
// hardware for a future packet, and completion is reported through the
// [Handler] passed to the transport's interrupt dispatch, never as a
// return value. Implementations must deliver events from a single
// goroutine (the interrupt context); the control engine performs no
// locking of its own.
type Transport interface {
	// ArmSetup primes EP0 OUT to receive the next SETUP record into the
	// transport's setup ring.
	ArmSetup()

	// ArmOut primes EP0 OUT to receive up to len(buf) bytes into buf.
	// An empty buf arms a zero-length (status) OUT packet.
	ArmOut(buf []byte)

	// ArmIn primes EP0 IN to transmit buf.
	// An empty buf arms a zero-length packet.
	ArmIn(buf []byte)

	// StallIn sets the EP0 IN halt condition.
	StallIn()

	// StallOut sets the EP0 OUT halt condition.
	StallOut()

	// ClearStallIn clears the EP0 IN halt condition.
	ClearStallIn()

	// InHalted reports whether EP0 IN is currently halted.
	InHalted() bool

	// SetAddress programs the device address assigned by the host.
	SetAddress(addr uint8)
}

// Handler receives EP0 events from the transport's interrupt dispatch.
// The control engine implements this interface; a transport must invoke
// exactly one method per hardware event, in event order, from a single
// goroutine.
type Handler interface {
	// OnReset is invoked on bus reset / enumeration done.
	OnReset()

	// OnSetup delivers the most recent completed SETUP record, decoded.
	OnSetup(req *SetupPacket)

	// OnIn is invoked when an armed EP0 IN transfer completes.
	OnIn()

	// OnOut is invoked when an armed EP0 OUT transfer completes.
	// n is the byte count the hardware reports as received; it is
	// authoritative and may be less than the armed length.
	OnOut(n int)
}

// SetupRingDepth is the number of raw SETUP records the hardware can
// buffer back to back before software consumes one.
const SetupRingDepth = 3

// SetupRing models the hardware's DMA ring of raw SETUP records.
//
// The controller decrements a "setups remaining" count (programmed to
// SetupRingDepth) as records arrive; during a setup-packet storm up to
// three records can be buffered, and only the most recent is
// meaningful. Latest performs the count-to-index arithmetic so callers
// always observe exactly one decoded packet per SETUP event.
type SetupRing struct {
	records [SetupRingDepth][SetupPacketSize]byte
	next    int
}

// Reset clears the ring write position, as re-arming for SETUP does.
func (r *SetupRing) Reset() {
	r.next = 0
}

// Store writes one raw 8-byte record at the current DMA position and
// advances it. Returns false if data is short or the ring is full.
func (r *SetupRing) Store(data []byte) bool {
	if len(data) < SetupPacketSize || r.next >= SetupRingDepth {
		return false
	}
	copy(r.records[r.next][:], data[:SetupPacketSize])
	r.next++
	return true
}

// Pending returns the number of records stored since the last Reset.
func (r *SetupRing) Pending() int {
	return r.next
}

// Latest decodes the most recent completed record into out, given the
// hardware's reported remaining-record count (0..3). A remaining count
// of 3 is reported by the hardware before any record completes and is
// treated as 2, selecting the first slot. Returns false if no record
// has been stored.
func (r *SetupRing) Latest(remaining int, out *SetupPacket) bool {
	if r.next == 0 {
		return false
	}
	if remaining >= SetupRingDepth {
		remaining = SetupRingDepth - 1
	}
	if remaining < 0 {
		remaining = 0
	}
	idx := SetupRingDepth - 1 - remaining
	if idx >= r.next {
		idx = r.next - 1
	}
	return ParseSetupPacket(r.records[idx][:], out)
}
