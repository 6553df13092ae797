package device

import (
	"github.com/ardnew/softdfu/pkg"
)

// dispatch decodes the current SETUP request and routes it to the
// standard, class, or vendor handler. Handlers validate every
// recipient/index constraint before any hardware is armed; a refused
// request produces a stall with no partial side effects.
//
// A handler exits through exactly one of three paths: a reply payload
// (data stage IN), an acknowledgment (no data), or an error (stall).
// DFU_DNLOAD with a data stage is the one request that arms its own
// receive and reports done instead.
func (c *ControlEndpoint) dispatch() {
	setup := &c.setup

	var (
		data []byte
		done bool
		err  error
	)
	switch setup.Type() {
	case RequestTypeStandard:
		data, err = c.handleStandard(setup)
	case RequestTypeClass:
		data, done, err = c.handleDFU(setup)
	case RequestTypeVendor:
		data, err = c.handleVendor(setup)
	default:
		err = pkg.ErrInvalidRequest
	}

	if err != nil {
		pkg.LogDebug(pkg.ComponentControl, "request refused",
			"key", setup.RequestAndType(), "err", err)
		c.stall(pkg.StallBadRequest)
		return
	}
	if done {
		return
	}
	if len(data) > 0 {
		c.send(data)
	} else {
		c.ack()
	}
}

// handleStandard processes standard requests by recipient.
func (c *ControlEndpoint) handleStandard(setup *SetupPacket) ([]byte, error) {
	switch setup.Recipient() {
	case RequestRecipientDevice:
		return c.handleStandardDevice(setup)
	case RequestRecipientInterface:
		return c.handleStandardInterface(setup)
	case RequestRecipientEndpoint:
		return c.handleStandardEndpoint(setup)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// handleStandardDevice handles device-recipient standard requests.
func (c *ControlEndpoint) handleStandardDevice(setup *SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestSetAddress:
		if setup.IsDeviceToHost() {
			return nil, pkg.ErrInvalidRequest
		}
		c.transport.SetAddress(uint8(setup.Value))
		return nil, nil

	case RequestSetConfiguration:
		if setup.IsDeviceToHost() {
			return nil, pkg.ErrInvalidRequest
		}
		c.configuration = uint8(setup.Value)
		pkg.LogDebug(pkg.ComponentControl, "configuration set",
			"value", c.configuration)
		return nil, nil

	case RequestGetConfiguration:
		if !setup.IsDeviceToHost() {
			return nil, pkg.ErrInvalidRequest
		}
		c.replyBuf[0] = c.configuration
		return c.replyBuf[:1], nil

	case RequestGetStatus:
		if !setup.IsDeviceToHost() {
			return nil, pkg.ErrInvalidRequest
		}
		// Bus-powered, no remote wakeup.
		c.replyBuf[0] = 0
		c.replyBuf[1] = 0
		return c.replyBuf[:2], nil

	case RequestGetDescriptor:
		return c.getDescriptor(setup)

	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// handleStandardInterface handles interface-recipient standard
// requests. Hosts issue GET_DESCRIPTOR in both the device and the
// interface recipient form; nothing else is supported here.
func (c *ControlEndpoint) handleStandardInterface(setup *SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestGetDescriptor:
		return c.getDescriptor(setup)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// handleStandardEndpoint handles endpoint-recipient standard requests.
// Only endpoint 0 exists on this bootloader; any other index errors.
func (c *ControlEndpoint) handleStandardEndpoint(setup *SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		if !setup.IsDeviceToHost() {
			return nil, pkg.ErrInvalidRequest
		}
		if setup.Index > 0 {
			return nil, pkg.ErrInvalidIndex
		}
		c.replyBuf[0] = 0
		c.replyBuf[1] = 0
		if c.transport.InHalted() {
			c.replyBuf[0] = 1
		}
		return c.replyBuf[:2], nil

	case RequestClearFeature:
		if setup.Index > 0 || setup.Value != FeatureEndpointHalt {
			return nil, pkg.ErrInvalidFeature
		}
		c.transport.ClearStallIn()
		// TODO: clear the data toggle here?
		return nil, nil

	case RequestSetFeature:
		if setup.Index > 0 || setup.Value != FeatureEndpointHalt {
			return nil, pkg.ErrInvalidFeature
		}
		c.transport.StallIn()
		// TODO: clear the data toggle here?
		return nil, nil

	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// getDescriptor scans the descriptor table for the wValue selector.
func (c *ControlEndpoint) getDescriptor(setup *SetupPacket) ([]byte, error) {
	if !setup.IsDeviceToHost() {
		return nil, pkg.ErrInvalidRequest
	}
	if c.table == nil {
		return nil, pkg.ErrNoDescriptor
	}
	data, err := c.table.Lookup(setup.Value)
	if err != nil {
		pkg.LogDebug(pkg.ComponentDescriptor, "descriptor not found",
			"selector", setup.Value)
		return nil, err
	}
	return data, nil
}

// handleVendor handles the Microsoft OS (WCID) descriptor query, the
// only vendor request this bootloader answers. The host issues it in
// both the device and the interface recipient form.
func (c *ControlEndpoint) handleVendor(setup *SetupPacket) ([]byte, error) {
	if !setup.IsDeviceToHost() || setup.Request != MSFTVendorCode {
		return nil, pkg.ErrInvalidRequest
	}
	switch setup.Recipient() {
	case RequestRecipientDevice, RequestRecipientInterface:
	default:
		return nil, pkg.ErrInvalidRequest
	}
	if setup.Index != MSFTWCIDIndex {
		return nil, pkg.ErrInvalidIndex
	}
	if c.table == nil || c.table.WCID == nil {
		return nil, pkg.ErrNoDescriptor
	}
	return c.table.WCID, nil
}

// handleDFU handles the five DFU class requests. All are addressed to
// the DFU interface and require wIndex == 0. done reports that the
// handler armed its own data stage (DNLOAD with payload).
func (c *ControlEndpoint) handleDFU(setup *SetupPacket) (data []byte, done bool, err error) {
	if setup.Recipient() != RequestRecipientInterface {
		return nil, false, pkg.ErrInvalidRequest
	}
	if setup.Index > 0 {
		return nil, false, pkg.ErrInvalidIndex
	}
	if c.engine == nil {
		return nil, false, pkg.ErrNotSupported
	}

	switch setup.Request {
	case RequestDFUDnload:
		if setup.IsDeviceToHost() {
			return nil, false, pkg.ErrInvalidRequest
		}
		if setup.Length == 0 {
			// Zero-length download marks the end of the image.
			if !c.engine.Download(setup.Value, 0, 0, 0, nil) {
				return nil, false, pkg.ErrEngineRejected
			}
			return nil, false, nil
		}
		if int(setup.Length) > len(c.rxBuf) {
			return nil, false, pkg.ErrTransferTooLarge
		}
		// Payload arrives in the OUT data stage; forwarding to the
		// engine happens per packet on OUT completion.
		c.recv(c.rxBuf[:setup.Length])
		return nil, true, nil

	case RequestDFUGetStatus:
		if !setup.IsDeviceToHost() {
			return nil, false, pkg.ErrInvalidRequest
		}
		status, ok := c.engine.Status()
		if !ok {
			return nil, false, pkg.ErrEngineRejected
		}
		copy(c.replyBuf[:6], status[:])
		return c.replyBuf[:6], false, nil

	case RequestDFUClrStatus:
		if setup.IsDeviceToHost() {
			return nil, false, pkg.ErrInvalidRequest
		}
		if !c.engine.ClearStatus() {
			return nil, false, pkg.ErrEngineRejected
		}
		return nil, false, nil

	case RequestDFUGetState:
		if !setup.IsDeviceToHost() {
			return nil, false, pkg.ErrInvalidRequest
		}
		c.replyBuf[0] = c.engine.State()
		return c.replyBuf[:1], false, nil

	case RequestDFUAbort:
		if setup.IsDeviceToHost() {
			return nil, false, pkg.ErrInvalidRequest
		}
		if !c.engine.Abort() {
			return nil, false, pkg.ErrEngineRejected
		}
		return nil, false, nil

	default:
		return nil, false, pkg.ErrInvalidRequest
	}
}
