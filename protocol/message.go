// Package protocol implements the framing codec shared by every transport.
//
// A logical [Message] travels as one or more [Frame] values. Control messages
// without attachments are a single JSON text frame. Messages that carry binary
// attachments are a JSON header frame followed immediately by one binary frame
// per attachment; the receiver joins them by adjacency, which is safe because
// every transport delivers frames in sender order. A binary frame that does not
// follow a header is a bare engine payload.
package protocol

import "encoding/json"

// Commands understood by the relay and its clients.
const (
	// CmdInit bootstraps the engine. Its optional attachment is the engine binary.
	CmdInit = "init"
	// CmdMessage submits an engine request carried in the first attachment.
	CmdMessage = "message"
	// CmdReply tags an engine response to a correlated request.
	CmdReply = "reply"
	// CmdError reports a relay-level failure.
	CmdError = "error"
)

// FrameKind distinguishes text frames from binary frames.
type FrameKind uint8

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Frame is one wire unit as seen by a transport.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// TextFrame returns a text frame holding data.
func TextFrame(data []byte) Frame {
	return Frame{Kind: FrameText, Data: data}
}

// BinaryFrame returns a binary frame holding data.
func BinaryFrame(data []byte) Frame {
	return Frame{Kind: FrameBinary, Data: data}
}

// Message is the logical envelope exchanged between a client and a relay.
type Message struct {
	// ID correlates a request with its responses. Nil on unsolicited pushes.
	ID *uint32
	// Cmd selects bootstrap or operational handling. Empty on bare payloads.
	Cmd string
	// Args holds structured arguments in order.
	Args []json.RawMessage
	// Error and Code are set on CmdError messages.
	Error string
	Code  string
	// Attachments are raw binary buffers sent after the header.
	Attachments [][]byte
}

// ID returns a pointer to id, for building messages inline.
func ID(id uint32) *uint32 {
	return &id
}

// Bare wraps an engine payload with no envelope.
func Bare(payload []byte) Message {
	return Message{Attachments: [][]byte{payload}}
}

// HasID reports whether the message carries a correlation id.
func (m Message) HasID() bool {
	return m.ID != nil
}

// IDValue returns the correlation id, or 0 when absent.
func (m Message) IDValue() uint32 {
	if m.ID == nil {
		return 0
	}
	return *m.ID
}

// IsBootstrap reports whether the message asks the relay to load the engine.
func (m Message) IsBootstrap() bool {
	return m.Cmd == CmdInit
}

// IsBare reports whether the message is a single engine payload without any
// envelope fields. Bare messages travel as one binary frame.
func (m Message) IsBare() bool {
	return m.ID == nil && m.Cmd == "" && len(m.Args) == 0 &&
		m.Error == "" && m.Code == "" && len(m.Attachments) == 1
}

// Payload returns the first attachment, or nil.
func (m Message) Payload() []byte {
	if len(m.Attachments) == 0 {
		return nil
	}
	return m.Attachments[0]
}

// header is the JSON form of a Message. Attachments are replaced by their
// count; the buffers follow as binary frames.
type header struct {
	ID          *uint32           `json:"id,omitempty"`
	Cmd         string            `json:"cmd,omitempty"`
	Args        []json.RawMessage `json:"args,omitempty"`
	Error       string            `json:"error,omitempty"`
	Code        string            `json:"code,omitempty"`
	Attachments int               `json:"attachments,omitempty"`
}
