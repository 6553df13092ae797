package device

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ardnew/softdfu/device/hal"
	"github.com/ardnew/softdfu/pkg"
)

func TestStandardDeviceRequests(t *testing.T) {
	sel := uint16(DescriptorTypeDevice) << 8
	payload := pattern(18)

	t.Run("get status", func(t *testing.T) {
		_, host, _ := newSimRig(&Table{}, nil)
		var setup SetupPacket
		GetStatusSetup(&setup, RequestRecipientDevice, 0)
		var req hal.SetupPacket
		got, err := host.ControlIn(toHALSetup(&setup, &req))
		if err != nil {
			t.Fatalf("ControlIn: %v", err)
		}
		if !bytes.Equal(got, []byte{0, 0}) {
			t.Errorf("status = % X, want 00 00", got)
		}
	})

	t.Run("get descriptor via interface recipient", func(t *testing.T) {
		_, host, _ := newSimRig(descriptorTable(map[uint16][]byte{sel: payload}), nil)
		var setup SetupPacket
		GetDescriptorSetup(&setup, DescriptorTypeDevice, 0, 18)
		setup.RequestType = RequestDirectionDeviceToHost | RequestTypeStandard | RequestRecipientInterface
		var req hal.SetupPacket
		got, err := host.ControlIn(toHALSetup(&setup, &req))
		if err != nil {
			t.Fatalf("ControlIn: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Error("interface-recipient descriptor read corrupted")
		}
	})

	t.Run("set then get configuration", func(t *testing.T) {
		_, host, ep := newSimRig(&Table{}, nil)
		var set SetupPacket
		SetConfigurationSetup(&set, 1)
		var req hal.SetupPacket
		if err := host.ControlOut(toHALSetup(&set, &req), nil); err != nil {
			t.Fatalf("SET_CONFIGURATION: %v", err)
		}
		if ep.Configuration() != 1 {
			t.Fatalf("configuration = %d, want 1", ep.Configuration())
		}
		var get SetupPacket
		GetConfigurationSetup(&get)
		got, err := host.ControlIn(toHALSetup(&get, &req))
		if err != nil {
			t.Fatalf("GET_CONFIGURATION: %v", err)
		}
		if !bytes.Equal(got, []byte{1}) {
			t.Errorf("configuration reply = % X, want 01", got)
		}
	})

	t.Run("wrong direction stalls", func(t *testing.T) {
		_, host, _ := newSimRig(&Table{}, nil)
		var setup SetupPacket
		GetStatusSetup(&setup, RequestRecipientDevice, 0)
		setup.RequestType &^= RequestTypeDirectionMask // claim OUT
		var req hal.SetupPacket
		if err := host.ControlOut(toHALSetup(&setup, &req), nil); !errors.Is(err, pkg.ErrStall) {
			t.Errorf("error = %v, want %v", err, pkg.ErrStall)
		}
	})
}

func TestEndpointHaltFeature(t *testing.T) {
	tr, host, _ := newSimRig(&Table{}, nil)

	// Halt EP0 IN. The status stage itself rides the halted endpoint,
	// so the host observes a stall there even though the halt applied.
	var set SetupPacket
	FeatureSetup(&set, RequestSetFeature, RequestRecipientEndpoint, FeatureEndpointHalt, 0)
	var req hal.SetupPacket
	if !tr.Setup(toHALSetup(&set, &req)) {
		t.Fatal("setup not armed")
	}
	if !tr.InHalted() {
		t.Fatal("IN not halted after SET_FEATURE")
	}

	// GET_STATUS reports the halt; the latch survives the new SETUP.
	var status SetupPacket
	GetStatusSetup(&status, RequestRecipientEndpoint, 0)
	got, err := host.ControlIn(toHALSetup(&status, &req))
	if err != nil {
		t.Fatalf("GET_STATUS while halted: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 0}) {
		t.Errorf("halted status = % X, want 01 00", got)
	}

	// CLEAR_FEATURE releases it.
	var clear SetupPacket
	FeatureSetup(&clear, RequestClearFeature, RequestRecipientEndpoint, FeatureEndpointHalt, 0)
	if err := host.ControlOut(toHALSetup(&clear, &req), nil); err != nil {
		t.Fatalf("CLEAR_FEATURE: %v", err)
	}
	if tr.InHalted() {
		t.Error("IN still halted after CLEAR_FEATURE")
	}
	got, err = host.ControlIn(toHALSetup(&status, &req))
	if err != nil {
		t.Fatalf("GET_STATUS after clear: %v", err)
	}
	if !bytes.Equal(got, []byte{0, 0}) {
		t.Errorf("cleared status = % X, want 00 00", got)
	}
}

func TestEndpointRequestValidation(t *testing.T) {
	for _, tt := range []struct {
		name  string
		setup func(*SetupPacket)
	}{
		{"status of missing endpoint", func(s *SetupPacket) {
			GetStatusSetup(s, RequestRecipientEndpoint, 1)
		}},
		{"halt of missing endpoint", func(s *SetupPacket) {
			FeatureSetup(s, RequestSetFeature, RequestRecipientEndpoint, FeatureEndpointHalt, 1)
		}},
		{"unknown feature selector", func(s *SetupPacket) {
			FeatureSetup(s, RequestClearFeature, RequestRecipientEndpoint, 2, 0)
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tr, _, ep := newSimRig(&Table{}, nil)
			var setup SetupPacket
			tt.setup(&setup)
			var req hal.SetupPacket
			if !tr.Setup(toHALSetup(&setup, &req)) {
				t.Fatal("setup not armed")
			}
			if in, out := tr.Stalled(); !in || !out {
				t.Errorf("stalled = (%v, %v), want both", in, out)
			}
			if ep.CurrentPhase() != PhaseWaitSetup {
				t.Errorf("phase = %v, want %v", ep.CurrentPhase(), PhaseWaitSetup)
			}
		})
	}
}

func TestVendorWCIDRequest(t *testing.T) {
	wcid := MicrosoftWCIDDescriptor(0)

	newSetup := func(index uint16, recipient uint8) SetupPacket {
		return SetupPacket{
			RequestType: RequestDirectionDeviceToHost | RequestTypeVendor | recipient,
			Request:     MSFTVendorCode,
			Index:       index,
			Length:      uint16(len(wcid)),
		}
	}

	t.Run("device recipient", func(t *testing.T) {
		table := &Table{WCID: wcid}
		_, host, _ := newSimRig(table, nil)
		setup := newSetup(MSFTWCIDIndex, RequestRecipientDevice)
		var req hal.SetupPacket
		got, err := host.ControlIn(toHALSetup(&setup, &req))
		if err != nil {
			t.Fatalf("ControlIn: %v", err)
		}
		if !bytes.Equal(got, wcid) {
			t.Error("WCID reply corrupted")
		}
	})

	t.Run("interface recipient", func(t *testing.T) {
		table := &Table{WCID: wcid}
		_, host, _ := newSimRig(table, nil)
		setup := newSetup(MSFTWCIDIndex, RequestRecipientInterface)
		var req hal.SetupPacket
		if _, err := host.ControlIn(toHALSetup(&setup, &req)); err != nil {
			t.Fatalf("ControlIn: %v", err)
		}
	})

	t.Run("wrong index stalls", func(t *testing.T) {
		table := &Table{WCID: wcid}
		_, host, _ := newSimRig(table, nil)
		setup := newSetup(0x0005, RequestRecipientDevice)
		var req hal.SetupPacket
		if _, err := host.ControlIn(toHALSetup(&setup, &req)); !errors.Is(err, pkg.ErrStall) {
			t.Errorf("error = %v, want %v", err, pkg.ErrStall)
		}
	})

	t.Run("no blob stalls", func(t *testing.T) {
		_, host, _ := newSimRig(&Table{}, nil)
		setup := newSetup(MSFTWCIDIndex, RequestRecipientDevice)
		var req hal.SetupPacket
		if _, err := host.ControlIn(toHALSetup(&setup, &req)); !errors.Is(err, pkg.ErrStall) {
			t.Errorf("error = %v, want %v", err, pkg.ErrStall)
		}
	})
}

func TestDFURequestValidation(t *testing.T) {
	for _, tt := range []struct {
		name   string
		engine FirmwareEngine
		setup  func(*SetupPacket)
	}{
		{"no engine", nil, func(s *SetupPacket) {
			DFUSetup(s, RequestDFUGetState, 0, 0, 1)
		}},
		{"device recipient", &countEngine{}, func(s *SetupPacket) {
			DFUSetup(s, RequestDFUGetState, 0, 0, 1)
			s.RequestType = RequestDirectionDeviceToHost | RequestTypeClass | RequestRecipientDevice
		}},
		{"nonzero interface", &countEngine{}, func(s *SetupPacket) {
			DFUSetup(s, RequestDFUGetState, 0, 1, 1)
		}},
		{"status with OUT direction", &countEngine{}, func(s *SetupPacket) {
			DFUSetup(s, RequestDFUGetStatus, 0, 0, 6)
			s.RequestType &^= RequestTypeDirectionMask
		}},
		{"upload unsupported", &countEngine{}, func(s *SetupPacket) {
			DFUSetup(s, RequestDFUUpload, 0, 0, 64)
		}},
		{"detach unsupported", &countEngine{}, func(s *SetupPacket) {
			DFUSetup(s, RequestDFUDetach, 0, 0, 0)
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tr, _, _ := newSimRig(&Table{}, tt.engine)
			var setup SetupPacket
			tt.setup(&setup)
			var req hal.SetupPacket
			if !tr.Setup(toHALSetup(&setup, &req)) {
				t.Fatal("setup not armed")
			}
			if in, out := tr.Stalled(); !in || !out {
				t.Errorf("stalled = (%v, %v), want both", in, out)
			}
		})
	}
}

func TestDFUStatusAndState(t *testing.T) {
	engine := &countEngine{}
	_, host, _ := newSimRig(&Table{}, engine)

	var status SetupPacket
	DFUSetup(&status, RequestDFUGetStatus, 0, 0, 6)
	var req hal.SetupPacket
	got, err := host.ControlIn(toHALSetup(&status, &req))
	if err != nil {
		t.Fatalf("GETSTATUS: %v", err)
	}
	if !bytes.Equal(got, []byte{0, 0, 0, 0, 2, 0}) {
		t.Errorf("status block = % X, want 00 00 00 00 02 00", got)
	}

	var state SetupPacket
	DFUSetup(&state, RequestDFUGetState, 0, 0, 1)
	got, err = host.ControlIn(toHALSetup(&state, &req))
	if err != nil {
		t.Fatalf("GETSTATE: %v", err)
	}
	if !bytes.Equal(got, []byte{2}) {
		t.Errorf("state reply = % X, want 02", got)
	}

	var abort SetupPacket
	DFUSetup(&abort, RequestDFUAbort, 0, 0, 0)
	if err := host.ControlOut(toHALSetup(&abort, &req), nil); err != nil {
		t.Fatalf("ABORT: %v", err)
	}

	var clear SetupPacket
	DFUSetup(&clear, RequestDFUClrStatus, 0, 0, 0)
	if err := host.ControlOut(toHALSetup(&clear, &req), nil); err != nil {
		t.Fatalf("CLRSTATUS: %v", err)
	}
}
