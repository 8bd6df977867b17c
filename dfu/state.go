package dfu

import "fmt"

// State is a position in the update session state machine.
//
//	Idle → Triggered → AwaitingReady → MetadataSent → AwaitingBegin →
//	Transferring → AwaitingConfirm → {Committed | Aborted | Rejected}
//
// With WithSkipTrigger the session moves from Idle straight to AwaitingReady.
type State int

const (
	StateIdle State = iota
	StateTriggered
	StateAwaitingReady
	StateMetadataSent
	StateAwaitingBegin
	StateTransferring
	StateAwaitingConfirm
	StateCommitted
	StateAborted
	StateRejected
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateTriggered:       "triggered",
	StateAwaitingReady:   "awaiting-ready",
	StateMetadataSent:    "metadata-sent",
	StateAwaitingBegin:   "awaiting-begin",
	StateTransferring:    "transferring",
	StateAwaitingConfirm: "awaiting-confirm",
	StateCommitted:       "committed",
	StateAborted:         "aborted",
	StateRejected:        "rejected",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted || s == StateRejected
}
