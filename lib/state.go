package lib

// StateKind enumerates the connection states.
type StateKind int

const (
	StateClosed StateKind = iota
	StateSynSent
	StateEstablished
	StateStpSent // local side finished sending, waiting for the peer
	StateStpRcvd // peer finished sending, local side may still write
	StateClosing // FIN sent, waiting for FIN or FIN+ACK
)

var stateNames = [...]string{"CLOSED", "SYN_SENT", "ESTABLISHED", "STP_SENT", "STP_RCVD", "CLOSING"}

func (s StateKind) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// connState is one immutable state value. Transitions replace the pointer
// held by the connection, so a goroutine that observed a state can tell
// whether anything changed while it was waiting.
type connState struct {
	kind   StateKind
	stpSeq uint32 // STP sequence number: ours in StateStpSent, the peer's in StateStpRcvd
}

func newState(kind StateKind) *connState {
	return &connState{kind: kind}
}

// canWrite reports whether the application may still queue data.
func (s *connState) canWrite() bool {
	return s.kind == StateEstablished || s.kind == StateStpRcvd
}
