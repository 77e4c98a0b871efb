package protocol

import "encoding/json"

// Encode serializes an envelope for the wire. Encoding validates first so a
// malformed envelope never leaves the process.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses one wire record into an envelope. Malformed JSON, an
// unrecognized type, or a missing required field all yield a *DecodeError;
// the connection that produced the bytes should be answered with an error
// envelope, not closed.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
