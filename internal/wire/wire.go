// Package wire defines the message envelopes exchanged between the gateway
// and the host over the framed Unix-domain stream socket, and the
// NUL-delimited JSON codec used to read and write them.
//
// Framing: JSON objects separated by a single NUL byte (0x00). There is no
// length prefix; a reader accumulates bytes and splits on NUL, treating each
// non-empty piece as one JSON value. A partial trailing piece (no terminating
// NUL yet) is retained across reads. This is symmetric: the gateway-side
// listener and the host-side dialer both use the same Encode/FrameReader.
package wire

import (
	"encoding/json"
)

// delimiter is the frame terminator used by both peers.
const delimiter = 0x00

// Request is sent gateway -> host for every host-proxied call.
type Request struct {
	ID     string                 `json:"id"`
	Path   string                 `json:"path"`
	Method string                 `json:"method"`
	Args   map[string]interface{} `json:"args"`
}

// Envelope is the outer shape of every host -> gateway message; Method
// selects how Params is interpreted.
type Envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// ResponseParams is the payload of a {"method":"response",...} envelope.
type ResponseParams struct {
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response"`
}

// HostError is how a host response signals a per-request failure; present
// whenever Response unmarshals into this shape (i.e. contains "error").
type HostError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

// NotificationParams is the payload of a {"method":"notification",...}
// envelope.
type NotificationParams struct {
	Name  string          `json:"name"`
	State json.RawMessage `json:"state"`
}

// AddHookParams is the payload of a {"method":"add_hook",...} envelope; Hook
// is a 3-tuple encoded as a JSON array: [path, methods, extras].
type AddHookParams struct {
	Hook AddHookTuple `json:"hook"`
}

// AddHookTuple decodes the positional [path, methods, extras] array. It
// implements json.Unmarshaler/Marshaler directly since Go has no tuple type.
type AddHookTuple struct {
	Path    string
	Methods []string
	Extras  map[string]interface{}
}

func (t AddHookTuple) MarshalJSON() ([]byte, error) {
	arr := [3]interface{}{t.Path, t.Methods, t.Extras}
	return json.Marshal(arr)
}

func (t *AddHookTuple) UnmarshalJSON(data []byte) error {
	var arr [3]json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[0], &t.Path); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[1], &t.Methods); err != nil {
		return err
	}
	if len(arr[2]) > 0 {
		if err := json.Unmarshal(arr[2], &t.Extras); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfigParams is the payload of a {"method":"load_config",...} envelope.
type LoadConfigParams struct {
	Config RuntimeConfig `json:"config"`
}

// RuntimeConfig mirrors the recognised keys of the host's runtime config
// payload (request timeouts, trusted IPs/ranges, API key, CORS toggle).
type RuntimeConfig struct {
	RequestTimeout       float64            `json:"request_timeout"`
	LongRunningRequests  map[string]float64 `json:"long_running_requests"`
	LongRunningGcodes    map[string]float64 `json:"long_running_gcodes"`
	APIKey               string             `json:"api_key"`
	RequireAuth          *bool              `json:"require_auth"`
	EnableCORS           *bool              `json:"enable_cors"`
	TrustedIPs           []string           `json:"trusted_ips"`
	TrustedRanges        []string           `json:"trusted_ranges"`
}

// SetKlippyReadyParams is the payload of {"method":"set_klippy_ready",...}.
type SetKlippyReadyParams struct {
	Sensors []string `json:"sensors"`
}

// HostResult is what a completed host request resolves to: either a raw JSON
// response body, or an error derived from a {"error":...} response shape, a
// transport failure, or a timeout. Exactly one of Response/Err is set.
type HostResult struct {
	Response json.RawMessage
	Err      error
}

// Encode serialises v and appends the frame delimiter, ready to be written
// directly to the socket.
func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, delimiter), nil
}

// FrameReader incrementally splits a byte stream on the NUL delimiter,
// handing each complete, non-empty frame to a callback. It retains a partial
// trailing frame across calls to Feed, mirroring the host's and gateway's
// identical partial_data handling.
type FrameReader struct {
	partial []byte
}

// NewFrameReader returns an empty FrameReader.
func NewFrameReader() *FrameReader {
	return &FrameReader{}
}

// Feed appends newly-read bytes and invokes onFrame once per complete frame
// found, in order. onFrame receives frames is never called with an empty
// slice (an empty segment between two consecutive delimiters is skipped, as
// the Python original does).
func (r *FrameReader) Feed(data []byte, onFrame func([]byte)) {
	buf := append(r.partial, data...)
	r.partial = nil
	start := 0
	for i := 0; i < len(buf); i++ {
		if buf[i] != delimiter {
			continue
		}
		if i > start {
			frame := make([]byte, i-start)
			copy(frame, buf[start:i])
			onFrame(frame)
		}
		start = i + 1
	}
	if start < len(buf) {
		r.partial = append([]byte(nil), buf[start:]...)
	}
}

