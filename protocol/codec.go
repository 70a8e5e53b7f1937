package protocol

import (
	"encoding/json"
	"fmt"

	psperrors "github.com/perspective-dev/psprelay/errors"
)

// MaxAttachments bounds the attachment count a header may announce.
const MaxAttachments = 64

// Encode converts m into the frames that carry it, in send order.
func Encode(m Message) ([]Frame, error) {
	if m.IsBare() {
		return []Frame{BinaryFrame(m.Attachments[0])}, nil
	}

	if len(m.Attachments) > MaxAttachments {
		return nil, fmt.Errorf("encode message: %d attachments exceeds maximum %d", len(m.Attachments), MaxAttachments)
	}

	data, err := json.Marshal(header{
		ID:          m.ID,
		Cmd:         m.Cmd,
		Args:        m.Args,
		Error:       m.Error,
		Code:        m.Code,
		Attachments: len(m.Attachments),
	})
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}

	frames := make([]Frame, 0, 1+len(m.Attachments))
	frames = append(frames, TextFrame(data))
	for _, a := range m.Attachments {
		frames = append(frames, BinaryFrame(a))
	}
	return frames, nil
}

// Decoder reassembles Messages from a FIFO stream of frames. A Decoder keeps
// state between calls and must not be shared between streams.
type Decoder struct {
	pending *Message
	want    int
}

// NewDecoder returns a Decoder with no pending message.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Pending reports whether a header is waiting for its attachments.
func (d *Decoder) Pending() bool {
	return d.pending != nil
}

// Decode consumes one frame. It returns the completed Message and true once
// every frame of a logical message has arrived, or false while attachments
// are still outstanding. Errors wrap psperrors.ErrMalformedMessage and leave
// the decoder ready for the next message.
func (d *Decoder) Decode(f Frame) (Message, bool, error) {
	switch f.Kind {
	case FrameBinary:
		if d.pending == nil {
			return Bare(f.Data), true, nil
		}
		d.pending.Attachments = append(d.pending.Attachments, f.Data)
		if len(d.pending.Attachments) < d.want {
			return Message{}, false, nil
		}
		m := *d.pending
		d.reset()
		return m, true, nil

	case FrameText:
		if d.pending != nil {
			missing := d.want - len(d.pending.Attachments)
			d.reset()
			return Message{}, false, psperrors.Malformed(f.Data,
				fmt.Sprintf("text frame while %d attachment(s) outstanding", missing), nil)
		}
		return d.decodeHeader(f.Data)

	default:
		return Message{}, false, psperrors.Malformed(f.Data, fmt.Sprintf("unknown frame kind %d", f.Kind), nil)
	}
}

func (d *Decoder) decodeHeader(data []byte) (Message, bool, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return Message{}, false, psperrors.Malformed(data, "decode header", err)
	}
	if h.Attachments < 0 || h.Attachments > MaxAttachments {
		return Message{}, false, psperrors.Malformed(data, fmt.Sprintf("invalid attachment count %d", h.Attachments), nil)
	}

	m := Message{
		ID:    h.ID,
		Cmd:   h.Cmd,
		Args:  h.Args,
		Error: h.Error,
		Code:  h.Code,
	}
	if h.Attachments == 0 {
		return m, true, nil
	}

	m.Attachments = make([][]byte, 0, h.Attachments)
	d.pending = &m
	d.want = h.Attachments
	return Message{}, false, nil
}

func (d *Decoder) reset() {
	d.pending = nil
	d.want = 0
}
