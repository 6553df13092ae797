// Package hal defines the Endpoint Transport contract between the EP0
// control engine and USB device-controller hardware.
//
// The [Transport] interface covers the six register-level operations
// the engine needs (arm-for-setup, arm-for-out, arm-for-in, stall in,
// stall out, set device address) plus the halt-bit accessors consumed
// by the GET_STATUS and CLEAR_FEATURE/SET_FEATURE endpoint requests.
// All operations are non-blocking: completion is reported to a
// [Handler] from the transport's interrupt dispatch.
//
// [SetupRing] models the controller's 3-deep DMA buffer of raw SETUP
// records, including the remaining-count arithmetic that selects the
// most recent record when setups arrive back to back.
//
// An in-memory transport for tests and simulation is provided by
// [github.com/ardnew/softdfu/device/hal/sim].
package hal
