package protocol

// ServerMessageType discriminates messages sent from the orchestrator to an
// attached observer over the Unix socket.
type ServerMessageType string

// Server message type constants.
const (
	MsgReplay ServerMessageType = "replay"
	MsgBlock  ServerMessageType = "block"
	MsgError  ServerMessageType = "error"
)

// ServerMessage is one line-delimited JSON frame sent to an observer.
// A replay frame carries the full current block log; a block frame carries
// one incremental append; an error frame carries a diagnostic string.
type ServerMessage struct {
	Type   ServerMessageType `json:"type"`
	TaskID string            `json:"task_id,omitempty"`
	Blocks []Block           `json:"blocks,omitempty"`
	Block  *Block            `json:"block,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// ClientMessageType discriminates messages sent from an observer to the
// orchestrator.
type ClientMessageType string

// Client message type constants.
const (
	MsgAttach   ClientMessageType = "attach"
	MsgFollowup ClientMessageType = "followup"
	MsgStop     ClientMessageType = "stop"
)

// ClientMessage is one line-delimited JSON frame received from an observer.
// Followup is only valid while the session is not running; it dispatches a
// session continuation. Stop aborts a running session.
type ClientMessage struct {
	Type        ClientMessageType `json:"type"`
	TaskID      string            `json:"task_id"`
	Text        string            `json:"text,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
}
