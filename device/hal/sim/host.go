package sim

import (
	"github.com/ardnew/softdfu/device/hal"
	"github.com/ardnew/softdfu/pkg"
)

// Host drives complete control transfers against a simulated
// controller, playing the role of the bus master: SETUP token, data
// packets in 64-byte units, then the opposite-direction status packet.
type Host struct {
	t *Transport
}

// NewHost returns a host bound to the given controller.
func NewHost(t *Transport) *Host {
	return &Host{t: t}
}

// ControlIn performs a device-to-host control transfer and returns all
// data-stage bytes. The host reads packets until a short packet
// arrives (a trailing zero-length packet terminates exact multiples of
// the packet size), then completes the status stage with a zero-length
// OUT. Returns [pkg.ErrStall] if the device stalls at any point.
func (h *Host) ControlIn(req *hal.SetupPacket) ([]byte, error) {
	if !h.t.Setup(req) {
		return nil, pkg.ErrProtocol
	}
	var buf []byte
	for {
		data, ok := h.t.CompleteIn(0)
		if !ok {
			return nil, pkg.ErrStall
		}
		buf = append(buf, data...)
		if len(data) < maxPacketSize {
			break
		}
	}
	if _, ok := h.t.CompleteOut(0, nil); !ok {
		return nil, pkg.ErrStall
	}
	pkg.LogDebug(pkg.ComponentHost, "control IN complete",
		"request", req.Request, "len", len(buf))
	return buf, nil
}

// ControlOut performs a host-to-device control transfer carrying data,
// then completes the status stage by reading the device's zero-length
// IN. Returns [pkg.ErrStall] if the device stalls at any point.
func (h *Host) ControlOut(req *hal.SetupPacket, data []byte) error {
	if !h.t.Setup(req) {
		return pkg.ErrProtocol
	}
	for off := 0; off < len(data); {
		n := len(data) - off
		if n > maxPacketSize {
			n = maxPacketSize
		}
		sent, ok := h.t.CompleteOut(0, data[off:off+n])
		if !ok {
			return pkg.ErrStall
		}
		off += sent
	}
	if _, ok := h.t.CompleteIn(0); !ok {
		return pkg.ErrStall
	}
	pkg.LogDebug(pkg.ComponentHost, "control OUT complete",
		"request", req.Request, "len", len(data))
	return nil
}
