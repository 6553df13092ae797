// Package device implements the EP0 control-transfer engine of a USB
// DFU bootloader.
//
// The package centers on [ControlEndpoint], an event-driven state
// machine fed by a [github.com/ardnew/softdfu/device/hal.Transport].
// It decodes SETUP records, runs the SETUP / DATA / STATUS phase
// sequence with 64-byte packetization, answers the standard and vendor
// requests a DFU bootloader needs, and forwards DFU class requests to
// a [FirmwareEngine].
//
// All processing happens inside the transport's event callbacks;
// nothing blocks and nothing allocates on the event path.
package device
