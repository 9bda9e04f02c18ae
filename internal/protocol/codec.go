package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// maxReportedLine caps how much of an undecodable line is handed to the report hook.
const maxReportedLine = 200

// EncodeRequest serializes req as a single newline-terminated line and writes it to w
// in one Write call.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Method == "" {
		return fmt.Errorf("request missing method")
	}
	req.JSONRPC = Version
	return writeLine(w, req)
}

// EncodeResponse writes a response envelope for a peer-initiated request.
func EncodeResponse(w io.Writer, resp *Response) error {
	resp.JSONRPC = Version
	return writeLine(w, resp)
}

// EncodeNotification writes a notification envelope.
func EncodeNotification(w io.Writer, n *Notification) error {
	if n.Method == "" {
		return fmt.Errorf("notification missing method")
	}
	n.JSONRPC = Version
	return writeLine(w, n)
}

func writeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Decode classifies a single line into a Message.
// Returns an error if the line is not JSON or not a valid JSON-RPC 2.0 shape.
func Decode(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Message{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if env.JSONRPC != Version {
		return Message{}, fmt.Errorf("unsupported jsonrpc version: %q", env.JSONRPC)
	}

	switch {
	case env.ID != nil && env.Method != "":
		return Message{Kind: KindRequest, ID: *env.ID, Method: env.Method, Params: env.Params}, nil
	case env.ID != nil:
		if env.Error == nil && env.Result == nil {
			return Message{}, errors.New("response has neither result nor error")
		}
		return Message{Kind: KindResponse, ID: *env.ID, Result: env.Result, Error: env.Error}, nil
	case env.Method != "":
		return Message{Kind: KindNotification, Method: env.Method, Params: env.Params}, nil
	default:
		return Message{}, errors.New("message has neither id nor method")
	}
}

// LineDecoder turns an unbounded stream of chunks into decoded messages, one per
// newline-terminated line. It implements io.Writer so the subprocess stdout can be
// copied straight into it.
//
// A trailing segment without a newline is retained until the next chunk completes it.
// Lines that fail to decode are dropped; when Report is set it is called once per
// dropped line with the error and the line truncated to 200 characters.
//
// LineDecoder is not safe for concurrent use; a single reader goroutine owns it.
type LineDecoder struct {
	Handle func(Message)
	Report func(err error, line string)

	buf []byte
}

// NewLineDecoder returns a decoder delivering messages to handle.
func NewLineDecoder(handle func(Message)) *LineDecoder {
	return &LineDecoder{Handle: handle}
}

// Write appends p to the buffer and decodes every complete line. It never fails.
func (d *LineDecoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)

	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.decodeLine(line)
		d.buf = d.buf[idx+1:]
	}

	// Compact so a long-lived stream does not pin every chunk ever read.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 4*len(d.buf) {
		d.buf = append([]byte(nil), d.buf...)
	}
	return len(p), nil
}

// Flush decodes whatever partial line remains. Call it once the stream hits EOF.
func (d *LineDecoder) Flush() {
	if len(d.buf) == 0 {
		return
	}
	line := d.buf
	d.buf = nil
	d.decodeLine(line)
}

// Pending returns a copy of the retained partial line.
func (d *LineDecoder) Pending() []byte {
	return append([]byte(nil), d.buf...)
}

func (d *LineDecoder) decodeLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	msg, err := Decode(line)
	if err != nil {
		if d.Report != nil {
			d.Report(err, truncate(string(line), maxReportedLine))
		}
		return
	}
	if d.Handle != nil {
		d.Handle(msg)
	}
}

// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
