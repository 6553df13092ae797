package dfu

import "fmt"

// State is a DFU 1.1 device state (DFU 1.1 Spec Table A.2.2).
type State uint8

// DFU device states.
const (
	StateAppIdle         State = 0  // Running application, DFU idle
	StateAppDetach       State = 1  // Application awaiting reset into DFU
	StateDFUIdle         State = 2  // DFU mode, no transfer in progress
	StateDFUDnloadSync   State = 3  // Block received, awaiting GETSTATUS
	StateDFUDnloadBusy   State = 4  // Programming a block
	StateDFUDnloadIdle   State = 5  // Awaiting the next block
	StateDFUManifestSync State = 6  // Image complete, awaiting GETSTATUS
	StateDFUManifest     State = 7  // Manifesting the new image
	StateDFUManifestWait State = 8  // Awaiting reset after manifestation
	StateDFUUploadIdle   State = 9  // Upload in progress
	StateDFUError        State = 10 // Error latched until CLRSTATUS
)

// String returns the DFU 1.1 state name.
func (s State) String() string {
	switch s {
	case StateAppIdle:
		return "appIDLE"
	case StateAppDetach:
		return "appDETACH"
	case StateDFUIdle:
		return "dfuIDLE"
	case StateDFUDnloadSync:
		return "dfuDNLOAD-SYNC"
	case StateDFUDnloadBusy:
		return "dfuDNBUSY"
	case StateDFUDnloadIdle:
		return "dfuDNLOAD-IDLE"
	case StateDFUManifestSync:
		return "dfuMANIFEST-SYNC"
	case StateDFUManifest:
		return "dfuMANIFEST"
	case StateDFUManifestWait:
		return "dfuMANIFEST-WAIT-RESET"
	case StateDFUUploadIdle:
		return "dfuUPLOAD-IDLE"
	case StateDFUError:
		return "dfuERROR"
	default:
		return fmt.Sprintf("Unknown State (%d)", uint8(s))
	}
}

// Status is a DFU 1.1 status code (DFU 1.1 Spec Table A.2.1).
type Status uint8

// DFU status codes.
const (
	StatusOK          Status = 0x00 // No error
	StatusErrTarget   Status = 0x01 // File is not targeted for this device
	StatusErrFile     Status = 0x02 // File fails vendor verification
	StatusErrWrite    Status = 0x03 // Unable to write memory
	StatusErrErase    Status = 0x04 // Erase failed
	StatusErrCheck    Status = 0x05 // Memory not blank after erase
	StatusErrProg     Status = 0x06 // Program failed
	StatusErrVerify   Status = 0x07 // Programmed memory failed verification
	StatusErrAddress  Status = 0x08 // Address out of range
	StatusErrNotDone  Status = 0x09 // Unexpected end of download
	StatusErrFirmware Status = 0x0A // Firmware is corrupt
	StatusErrVendor   Status = 0x0B // Vendor-specific error
	StatusErrUSB      Status = 0x0C // Unexpected USB reset
	StatusErrPOR      Status = 0x0D // Unexpected power on reset
	StatusErrUnknown  Status = 0x0E // Unknown error
	StatusErrStalled  Status = 0x0F // Unexpected request
)

// String returns the DFU 1.1 status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusErrTarget:
		return "errTARGET"
	case StatusErrFile:
		return "errFILE"
	case StatusErrWrite:
		return "errWRITE"
	case StatusErrErase:
		return "errERASE"
	case StatusErrCheck:
		return "errCHECK_ERASED"
	case StatusErrProg:
		return "errPROG"
	case StatusErrVerify:
		return "errVERIFY"
	case StatusErrAddress:
		return "errADDRESS"
	case StatusErrNotDone:
		return "errNOTDONE"
	case StatusErrFirmware:
		return "errFIRMWARE"
	case StatusErrVendor:
		return "errVENDOR"
	case StatusErrUSB:
		return "errUSBR"
	case StatusErrPOR:
		return "errPOR"
	case StatusErrUnknown:
		return "errUNKNOWN"
	case StatusErrStalled:
		return "errSTALLEDPKT"
	default:
		return fmt.Sprintf("Unknown Status (%d)", uint8(s))
	}
}

// StatusBlockSize is the size of a DFU_GETSTATUS reply in bytes.
const StatusBlockSize = 6
