package piper

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// event is one Wyoming protocol message. On the wire it is a JSON header
// line, followed by data_length bytes of JSON data and payload_length bytes
// of binary payload:
//
//	{"type":"audio-chunk","data_length":42,"payload_length":2048}\n
//	{"rate":22050,"width":2,"channels":1}
//	<pcm bytes>
type event struct {
	Type    string
	Data    map[string]any
	Payload []byte
}

type header struct {
	Type          string         `json:"type"`
	Data          map[string]any `json:"data,omitempty"`
	DataLength    int            `json:"data_length,omitempty"`
	PayloadLength int            `json:"payload_length,omitempty"`
}

func writeEvent(w io.Writer, ev event) error {
	var data []byte
	if len(ev.Data) > 0 {
		var err error
		if data, err = json.Marshal(ev.Data); err != nil {
			return fmt.Errorf("marshalling %s data: %w", ev.Type, err)
		}
	}
	line, err := json.Marshal(header{Type: ev.Type, DataLength: len(data), PayloadLength: len(ev.Payload)})
	if err != nil {
		return fmt.Errorf("marshalling %s header: %w", ev.Type, err)
	}

	var frame bytes.Buffer
	frame.Grow(len(line) + 1 + len(data) + len(ev.Payload))
	frame.Write(line)
	frame.WriteByte('\n')
	frame.Write(data)
	frame.Write(ev.Payload)
	_, err = w.Write(frame.Bytes())
	return err
}

func readEvent(r *bufio.Reader) (event, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return event{}, fmt.Errorf("reading header: %w", err)
	}
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return event{}, fmt.Errorf("invalid wyoming header %q: %w", bytes.TrimSpace(line), err)
	}

	ev := event{Type: h.Type, Data: h.Data}
	if h.DataLength > 0 {
		buf := make([]byte, h.DataLength)
		if _, err := io.ReadFull(r, buf); err != nil {
			return event{}, fmt.Errorf("reading %s data: %w", h.Type, err)
		}
		extra := map[string]any{}
		if err := json.Unmarshal(buf, &extra); err != nil {
			return event{}, fmt.Errorf("decoding %s data: %w", h.Type, err)
		}
		if ev.Data == nil {
			ev.Data = extra
		} else {
			for k, v := range extra {
				ev.Data[k] = v
			}
		}
	}
	if h.PayloadLength > 0 {
		ev.Payload = make([]byte, h.PayloadLength)
		if _, err := io.ReadFull(r, ev.Payload); err != nil {
			return event{}, fmt.Errorf("reading %s payload: %w", h.Type, err)
		}
	}
	return ev, nil
}

func (ev event) intField(key string, def int) int {
	if v, ok := ev.Data[key].(float64); ok {
		return int(v)
	}
	return def
}

// audioFormat describes raw PCM as announced by audio-start.
type audioFormat struct {
	rate     int
	width    int
	channels int
}

func (f audioFormat) bytesPerSecond() int { return f.rate * f.width * f.channels }

// wav prepends a canonical 44-byte RIFF header to pcm.
func (f audioFormat) wav(pcm []byte) []byte {
	out := make([]byte, 44+len(pcm))
	le := binary.LittleEndian
	copy(out[0:], "RIFF")
	le.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVEfmt ")
	le.PutUint32(out[16:], 16)
	le.PutUint16(out[20:], 1)
	le.PutUint16(out[22:], uint16(f.channels))
	le.PutUint32(out[24:], uint32(f.rate))
	le.PutUint32(out[28:], uint32(f.bytesPerSecond()))
	le.PutUint16(out[32:], uint16(f.width*f.channels))
	le.PutUint16(out[34:], uint16(f.width*8))
	copy(out[36:], "data")
	le.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}
