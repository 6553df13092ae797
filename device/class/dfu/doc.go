// Package dfu implements the DFU 1.1 file-transfer side of the
// bootloader: the state machine behind DNLOAD, GETSTATUS, CLRSTATUS,
// GETSTATE, and ABORT, and the Target abstraction the downloaded
// image is written through.
package dfu
