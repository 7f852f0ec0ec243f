// Package sse decodes server-sent event streams into typed frames.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Frame is one decoded server-sent event.
type Frame struct {
	// Event is the event type; empty when the stream omits the field.
	Event string
	// Data is the joined payload of the frame's data lines.
	Data []byte
}

// maxLineSize bounds a single SSE line; message snapshots can be large.
const maxLineSize = 10 * 1024 * 1024

// Decoder reads frames from a server-sent event stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	return &Decoder{scanner: scanner}
}

// Next returns the next complete frame. It returns io.EOF when the stream
// ends; a frame in progress at EOF is discarded, matching browser
// EventSource behavior.
func (d *Decoder) Next() (Frame, error) {
	var (
		frame    Frame
		dataSeen bool
		data     bytes.Buffer
	)

	for d.scanner.Scan() {
		line := strings.TrimRight(d.scanner.Text(), "\r")

		if line == "" {
			if dataSeen || frame.Event != "" {
				frame.Data = data.Bytes()
				return frame, nil
			}
			continue
		}

		// Comment line, used as keep-alive by several servers.
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			frame.Event = value
		case "data":
			if dataSeen {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			dataSeen = true
		default:
			// id, retry, and unknown fields are skipped.
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Frame{}, err
	}

	return Frame{}, io.EOF
}
