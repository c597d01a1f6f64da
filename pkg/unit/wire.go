package unit

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/fluxorio/unitpool/pkg/core"
)

// MaxLineSize bounds a single JSON line exchanged with a unit
const MaxLineSize = 16 << 20

// Job is the request line written to a unit. ID is chosen by the sender and
// echoed in the Reply.
type Job struct {
	ID      uint64      `json:"id,omitempty"`
	Payload interface{} `json:"payload"`
}

// Reply is the response line read from a unit. A reply carrying Fault is a
// unit-level fault; otherwise it is the Completion of job ID.
type Reply struct {
	ID uint64 `json:"id,omitempty"`
	Completion
	Fault string `json:"fault,omitempty"`
}

// Encoder writes newline-delimited JSON values
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an Encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes v followed by a newline
func (e *Encoder) Encode(v interface{}) error {
	data, err := core.JSONEncode(v)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err = e.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// DecodeError reports a line that is not valid JSON for the target value.
// The stream stays usable after a DecodeError.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("malformed line %q: %v", e.Line, e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder reads newline-delimited JSON values
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a Decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &Decoder{scanner: scanner}
}

// Decode reads the next non-empty line into v. It returns io.EOF at end of input.
func (d *Decoder) Decode(v interface{}) error {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := core.JSONDecode(line, v); err != nil {
			return &DecodeError{Line: append([]byte(nil), line...), Err: err}
		}
		return nil
	}
	if err := d.scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// Failure builds a failed Completion from err
func Failure(err error) Completion {
	if err == nil {
		return Completion{Success: false}
	}
	return Completion{Success: false, Error: err.Error()}
}

// Success builds a successful Completion
func Success(result interface{}) Completion {
	return Completion{Success: true, Result: result}
}
