package device

import "fmt"

// MaxPacketSize is the EP0 maximum packet size for full-speed
// operation. All data-stage chunking math uses this constant.
const MaxPacketSize = 64

// MaxTransferSize is the DFU wTransferSize: the capacity of the
// download receive buffer and the largest data stage a single DNLOAD
// request may carry.
const MaxTransferSize = 1024

// ReplyBufferSize is the size of the scratch buffer for small replies
// (status words, configuration values, DFU status blocks).
const ReplyBufferSize = 8

// Control pipe phases. Exactly one control transfer is in flight at a
// time; arrival of a new SETUP always overwrites any transfer in
// progress.
const (
	PhaseWaitSetup     Phase = 0 // Idle, armed for the next SETUP
	PhaseInData        Phase = 1 // IN data stage, more than one packet left
	PhaseOutData       Phase = 2 // OUT data stage
	PhaseLastInData    Phase = 3 // IN data stage, final packet armed
	PhaseWaitStatusIn  Phase = 4 // Awaiting zero-length status IN completion
	PhaseWaitStatusOut Phase = 5 // Awaiting zero-length status OUT completion
	PhaseStalled       Phase = 6 // Error signalled, transient until re-armed
)

// Phase represents the control pipe state.
type Phase uint8

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseWaitSetup:
		return "WaitSetup"
	case PhaseInData:
		return "InData"
	case PhaseOutData:
		return "OutData"
	case PhaseLastInData:
		return "LastInData"
	case PhaseWaitStatusIn:
		return "WaitStatusIn"
	case PhaseWaitStatusOut:
		return "WaitStatusOut"
	case PhaseStalled:
		return "Stalled"
	default:
		return fmt.Sprintf("Unknown Phase (%d)", uint8(p))
	}
}
