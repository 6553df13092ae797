package device

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ardnew/softdfu/device/hal"
	"github.com/ardnew/softdfu/device/hal/sim"
	"github.com/ardnew/softdfu/pkg"
)

// recordTransport is a hal.Transport that records every operation in
// order, for asserting exactly what the control engine armed and when.
type recordTransport struct {
	ops     []string
	in      [][]byte // payload copy per ArmIn
	out     []int    // armed capacity per ArmOut
	halted  bool
	address uint8
}

func (r *recordTransport) ArmSetup() { r.ops = append(r.ops, "setup") }

func (r *recordTransport) ArmOut(buf []byte) {
	r.ops = append(r.ops, "out")
	r.out = append(r.out, len(buf))
}

func (r *recordTransport) ArmIn(buf []byte) {
	r.ops = append(r.ops, "in")
	r.in = append(r.in, append([]byte(nil), buf...))
}

func (r *recordTransport) StallIn()       { r.ops = append(r.ops, "stall-in"); r.halted = true }
func (r *recordTransport) StallOut()      { r.ops = append(r.ops, "stall-out") }
func (r *recordTransport) ClearStallIn()  { r.ops = append(r.ops, "clear-stall-in"); r.halted = false }
func (r *recordTransport) InHalted() bool { return r.halted }

func (r *recordTransport) SetAddress(addr uint8) {
	r.ops = append(r.ops, "addr")
	r.address = addr
}

// countEngine is a FirmwareEngine that accepts everything and records
// the DNLOAD fragments it was handed.
type countEngine struct {
	blocks  []uint16
	offsets []int
	lengths []int
	data    []byte
	reject  bool // refuse the next Download call
}

func (e *countEngine) Download(block, blockLength uint16, offset, length int, data []byte) bool {
	if e.reject {
		return false
	}
	e.blocks = append(e.blocks, block)
	e.offsets = append(e.offsets, offset)
	e.lengths = append(e.lengths, length)
	e.data = append(e.data, data...)
	return true
}

func (e *countEngine) Status() ([6]byte, bool) { return [6]byte{0, 0, 0, 0, 2, 0}, true }
func (e *countEngine) ClearStatus() bool       { return true }
func (e *countEngine) State() uint8            { return 2 }
func (e *countEngine) Abort() bool             { return true }

// newSimRig wires a control engine to the packet-level simulator and
// resets the bus.
func newSimRig(table *Table, engine FirmwareEngine) (*sim.Transport, *sim.Host, *ControlEndpoint) {
	t := sim.NewTransport()
	ep := NewControlEndpoint(t, table, engine)
	t.Bind(ep)
	t.Reset()
	return t, sim.NewHost(t), ep
}

func descriptorTable(payloads map[uint16][]byte) *Table {
	table := &Table{}
	for sel, data := range payloads {
		table.Add(sel, data)
	}
	return table
}

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	return buf
}

func TestControlReadPacketization(t *testing.T) {
	// Packet count must be ceil(len/64) data packets plus one trailing
	// zero-length packet exactly when len is a positive multiple of 64.
	for _, tt := range []struct {
		name    string
		length  int
		packets int
		zlp     bool
	}{
		{"single byte", 1, 1, false},
		{"short packet", 63, 1, false},
		{"one full packet", 64, 1, true},
		{"full plus one", 65, 2, false},
		{"two short", 127, 2, false},
		{"two full", 128, 2, true},
		{"arbitrary", 130, 3, false},
		{"max transfer", 1024, 16, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			sel := uint16(DescriptorTypeConfiguration) << 8
			payload := pattern(tt.length)
			tr, _, ep := newSimRig(descriptorTable(map[uint16][]byte{sel: payload}), nil)

			var setup SetupPacket
			GetDescriptorSetup(&setup, DescriptorTypeConfiguration, 0, uint16(tt.length))
			var req hal.SetupPacket
			if !tr.Setup(toHALSetup(&setup, &req)) {
				t.Fatal("setup not armed")
			}

			var got []byte
			packets := 0
			zlp := false
			for {
				data, ok := tr.CompleteIn(0)
				if !ok {
					t.Fatal("unexpected stall during data stage")
				}
				if len(data) == 0 {
					zlp = true
					break
				}
				packets++
				got = append(got, data...)
				if len(data) < MaxPacketSize {
					break
				}
				if len(got) > tt.length {
					t.Fatal("data stage overran requested length")
				}
			}
			if packets != tt.packets {
				t.Errorf("data packets = %d, want %d", packets, tt.packets)
			}
			if zlp != tt.zlp {
				t.Errorf("zero-length packet = %v, want %v", zlp, tt.zlp)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("data stage returned %d bytes, want %d", len(got), len(payload))
			}
			if _, ok := tr.CompleteOut(0, nil); !ok {
				t.Fatal("status OUT stalled")
			}
			if ep.CurrentPhase() != PhaseWaitSetup {
				t.Errorf("phase after status = %v, want %v", ep.CurrentPhase(), PhaseWaitSetup)
			}
		})
	}
}

func TestControlReadClampsToRequestedLength(t *testing.T) {
	sel := uint16(DescriptorTypeDevice) << 8
	payload := pattern(18)
	_, host, _ := newSimRig(descriptorTable(map[uint16][]byte{sel: payload}), nil)

	var setup SetupPacket
	GetDescriptorSetup(&setup, DescriptorTypeDevice, 0, 8)
	var req hal.SetupPacket
	got, err := host.ControlIn(toHALSetup(&setup, &req))
	if err != nil {
		t.Fatalf("ControlIn: %v", err)
	}
	if !bytes.Equal(got, payload[:8]) {
		t.Errorf("reply = % X, want % X", got, payload[:8])
	}
}

func TestControlWriteNoData(t *testing.T) {
	tr, host, ep := newSimRig(&Table{}, nil)

	var setup SetupPacket
	SetAddressSetup(&setup, 9)
	var req hal.SetupPacket
	if err := host.ControlOut(toHALSetup(&setup, &req), nil); err != nil {
		t.Fatalf("ControlOut: %v", err)
	}
	if tr.Address() != 9 {
		t.Errorf("address = %d, want 9", tr.Address())
	}
	if ep.CurrentPhase() != PhaseWaitSetup {
		t.Errorf("phase = %v, want %v", ep.CurrentPhase(), PhaseWaitSetup)
	}
}

func TestDownloadForwardsContiguousFragments(t *testing.T) {
	for _, tt := range []struct {
		name    string
		length  int
		lengths []int
	}{
		{"one short packet", 10, []int{10}},
		{"one full packet", 64, []int{64}},
		{"two packets", 100, []int{64, 36}},
		{"exact multiple", 128, []int{64, 64}},
		{"four packets", 200, []int{64, 64, 64, 8}},
		{"max transfer", 1024, []int{64, 64, 64, 64, 64, 64, 64, 64, 64, 64, 64, 64, 64, 64, 64, 64}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			engine := &countEngine{}
			_, host, ep := newSimRig(&Table{}, engine)

			payload := pattern(tt.length)
			var setup SetupPacket
			DFUSetup(&setup, RequestDFUDnload, 3, 0, uint16(tt.length))
			var req hal.SetupPacket
			if err := host.ControlOut(toHALSetup(&setup, &req), payload); err != nil {
				t.Fatalf("ControlOut: %v", err)
			}

			if len(engine.lengths) != len(tt.lengths) {
				t.Fatalf("fragments = %v, want %v", engine.lengths, tt.lengths)
			}
			offset := 0
			for i, n := range tt.lengths {
				if engine.lengths[i] != n {
					t.Errorf("fragment %d length = %d, want %d", i, engine.lengths[i], n)
				}
				if engine.offsets[i] != offset {
					t.Errorf("fragment %d offset = %d, want %d", i, engine.offsets[i], offset)
				}
				if engine.blocks[i] != 3 {
					t.Errorf("fragment %d block = %d, want 3", i, engine.blocks[i])
				}
				offset += n
			}
			if offset != tt.length {
				t.Errorf("fragment lengths sum to %d, want %d", offset, tt.length)
			}
			if !bytes.Equal(engine.data, payload) {
				t.Error("engine received corrupted payload")
			}
			if ep.CurrentPhase() != PhaseWaitSetup {
				t.Errorf("phase = %v, want %v", ep.CurrentPhase(), PhaseWaitSetup)
			}
		})
	}
}

func TestDownloadZeroLength(t *testing.T) {
	engine := &countEngine{}
	_, host, _ := newSimRig(&Table{}, engine)

	var setup SetupPacket
	DFUSetup(&setup, RequestDFUDnload, 5, 0, 0)
	var req hal.SetupPacket
	if err := host.ControlOut(toHALSetup(&setup, &req), nil); err != nil {
		t.Fatalf("ControlOut: %v", err)
	}
	if len(engine.blocks) != 1 || engine.blocks[0] != 5 || engine.lengths[0] != 0 {
		t.Errorf("engine saw %v/%v, want one zero-length call for block 5",
			engine.blocks, engine.lengths)
	}
}

func TestDownloadZeroLengthRejectedStalls(t *testing.T) {
	tr, host, ep := newSimRig(&Table{}, &countEngine{reject: true})

	var setup SetupPacket
	DFUSetup(&setup, RequestDFUDnload, 0, 0, 0)
	var req hal.SetupPacket
	if err := host.ControlOut(toHALSetup(&setup, &req), nil); !errors.Is(err, pkg.ErrStall) {
		t.Fatalf("ControlOut error = %v, want %v", err, pkg.ErrStall)
	}
	if in, out := tr.Stalled(); !in || !out {
		t.Errorf("stalled = (%v, %v), want both", in, out)
	}
	if ep.CurrentPhase() != PhaseWaitSetup {
		t.Errorf("phase = %v, want %v", ep.CurrentPhase(), PhaseWaitSetup)
	}
}

func TestDownloadRejectedMidTransferStalls(t *testing.T) {
	engine := &countEngine{reject: true}
	tr, host, ep := newSimRig(&Table{}, engine)

	var setup SetupPacket
	DFUSetup(&setup, RequestDFUDnload, 0, 0, 100)
	var req hal.SetupPacket
	err := host.ControlOut(toHALSetup(&setup, &req), pattern(100))
	if !errors.Is(err, pkg.ErrStall) {
		t.Fatalf("ControlOut error = %v, want %v", err, pkg.ErrStall)
	}
	if in, out := tr.Stalled(); !in || !out {
		t.Errorf("stalled = (%v, %v), want both", in, out)
	}
	// The engine recovers on the next SETUP without intervention.
	if ep.CurrentPhase() != PhaseWaitSetup {
		t.Errorf("phase = %v, want %v", ep.CurrentPhase(), PhaseWaitSetup)
	}
}

func TestStallRecovery(t *testing.T) {
	sel := uint16(DescriptorTypeDevice) << 8
	payload := pattern(18)
	_, host, _ := newSimRig(descriptorTable(map[uint16][]byte{sel: payload}), nil)

	// Unknown request stalls...
	var bad SetupPacket
	GetDescriptorSetup(&bad, DescriptorTypeString, 7, 64)
	var req hal.SetupPacket
	if _, err := host.ControlIn(toHALSetup(&bad, &req)); !errors.Is(err, pkg.ErrStall) {
		t.Fatalf("missing descriptor error = %v, want %v", err, pkg.ErrStall)
	}

	// ...and the very next transfer succeeds.
	var good SetupPacket
	GetDescriptorSetup(&good, DescriptorTypeDevice, 0, 18)
	got, err := host.ControlIn(toHALSetup(&good, &req))
	if err != nil {
		t.Fatalf("ControlIn after stall: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("reply corrupted after stall recovery")
	}
}

func TestStallIdempotent(t *testing.T) {
	tr := &recordTransport{}
	ep := NewControlEndpoint(tr, &Table{}, nil)
	ep.OnReset()

	ep.stall(pkg.StallBadRequest)
	ep.stall(pkg.StallBadRequest)

	if ep.CurrentPhase() != PhaseWaitSetup {
		t.Errorf("phase = %v, want %v", ep.CurrentPhase(), PhaseWaitSetup)
	}
	// Each stall halts both directions and re-arms for SETUP; no data
	// transfers may be armed.
	for _, op := range tr.ops {
		if op == "in" || op == "out" {
			t.Fatalf("data transfer armed during stall: %v", tr.ops)
		}
	}
}

func TestOversizedDownloadStallsBeforeArming(t *testing.T) {
	tr := &recordTransport{}
	ep := NewControlEndpoint(tr, &Table{}, &countEngine{})
	ep.OnReset()
	tr.ops = nil

	var setup SetupPacket
	DFUSetup(&setup, RequestDFUDnload, 0, 0, MaxTransferSize+1)
	var req hal.SetupPacket
	ep.OnSetup(toHALSetup(&setup, &req))

	for _, op := range tr.ops {
		if op == "in" || op == "out" {
			t.Fatalf("transfer armed before request validation: %v", tr.ops)
		}
	}
	if ep.CurrentPhase() != PhaseWaitSetup {
		t.Errorf("phase = %v, want %v", ep.CurrentPhase(), PhaseWaitSetup)
	}
}

func TestSetupCancelsActiveTransfer(t *testing.T) {
	engine := &countEngine{}
	tr, host, ep := newSimRig(&Table{
		entries: []Entry{{
			Selector: uint16(DescriptorTypeDevice) << 8,
			Data:     pattern(18),
			Length:   18,
		}},
	}, engine)

	// Start a 130-byte download but deliver only the first packet.
	var dnload SetupPacket
	DFUSetup(&dnload, RequestDFUDnload, 0, 0, 130)
	var req hal.SetupPacket
	if !tr.Setup(toHALSetup(&dnload, &req)) {
		t.Fatal("setup not armed")
	}
	if _, ok := tr.CompleteOut(0, pattern(64)); !ok {
		t.Fatal("first OUT packet refused")
	}
	if ep.CurrentPhase() != PhaseOutData {
		t.Fatalf("phase = %v, want %v", ep.CurrentPhase(), PhaseOutData)
	}

	// Abandon it with a new SETUP; no residue may leak through.
	var get SetupPacket
	GetDescriptorSetup(&get, DescriptorTypeDevice, 0, 18)
	got, err := host.ControlIn(toHALSetup(&get, &req))
	if err != nil {
		t.Fatalf("ControlIn after abandoned transfer: %v", err)
	}
	if len(got) != 18 {
		t.Errorf("reply length = %d, want 18", len(got))
	}
	if ep.CurrentPhase() != PhaseWaitSetup {
		t.Errorf("phase = %v, want %v", ep.CurrentPhase(), PhaseWaitSetup)
	}
}

func TestUnexpectedCompletionStalls(t *testing.T) {
	for _, tt := range []struct {
		name  string
		event func(*ControlEndpoint)
	}{
		{"IN while idle", func(ep *ControlEndpoint) { ep.OnIn() }},
		{"OUT while idle", func(ep *ControlEndpoint) { ep.OnOut(0) }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tr := &recordTransport{}
			ep := NewControlEndpoint(tr, &Table{}, nil)
			ep.OnReset()

			tt.event(ep)

			stalled := false
			for _, op := range tr.ops {
				if op == "stall-in" {
					stalled = true
				}
			}
			if !stalled {
				t.Error("spurious completion did not stall")
			}
			if ep.CurrentPhase() != PhaseWaitSetup {
				t.Errorf("phase = %v, want %v", ep.CurrentPhase(), PhaseWaitSetup)
			}
		})
	}
}

func TestBusResetClearsState(t *testing.T) {
	tr, _, ep := newSimRig(&Table{}, &countEngine{})

	var setup SetupPacket
	SetConfigurationSetup(&setup, 1)
	var req hal.SetupPacket
	if !tr.Setup(toHALSetup(&setup, &req)) {
		t.Fatal("setup not armed")
	}
	if _, ok := tr.CompleteIn(0); !ok {
		t.Fatal("status IN stalled")
	}
	if ep.Configuration() != 1 {
		t.Fatalf("configuration = %d, want 1", ep.Configuration())
	}

	tr.Reset()

	if ep.Configuration() != 0 {
		t.Errorf("configuration after reset = %d, want 0", ep.Configuration())
	}
	if ep.CurrentPhase() != PhaseWaitSetup {
		t.Errorf("phase after reset = %v, want %v", ep.CurrentPhase(), PhaseWaitSetup)
	}
}

// toHALSetup copies a device-level setup packet into the HAL record
// the transport consumes.
func toHALSetup(s *SetupPacket, out *hal.SetupPacket) *hal.SetupPacket {
	out.RequestType = s.RequestType
	out.Request = s.Request
	out.Value = s.Value
	out.Index = s.Index
	out.Length = s.Length
	return out
}
