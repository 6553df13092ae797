// Package sim provides an in-memory EP0 controller and a matching
// host-side driver for exercising the control engine without
// hardware. [Transport] implements
// [github.com/ardnew/softdfu/device/hal.Transport]; [Host] issues
// whole control transfers against it, packet by packet, the way a
// bus master would.
package sim
