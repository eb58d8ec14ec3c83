package rpc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	kindRequest  byte = 1
	kindResponse byte = 2
)

// envelope frames one call or its response on the wire. The JSON codec
// encodes it as a JSON object on a text frame; the binary codec uses
// the length-prefixed layout below on a binary frame.
type envelope struct {
	Kind    byte            `json:"kind"`
	ID      string          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Binary layout: kind u8, then id, method and error as u16
// length-prefixed strings, then the payload as the remainder.
func (e *envelope) encodeBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(e.Kind)
	for _, s := range []string{e.ID, e.Method, e.Error} {
		if len(s) > 0xffff {
			return nil, errors.New("rpc: envelope field too long")
		}
		var ln [2]byte
		binary.BigEndian.PutUint16(ln[:], uint16(len(s)))
		buf.Write(ln[:])
		buf.WriteString(s)
	}
	buf.Write(e.Payload)
	return buf.Bytes(), nil
}

func decodeBinary(data []byte) (*envelope, error) {
	if len(data) < 1 {
		return nil, errors.New("rpc: short envelope")
	}
	e := &envelope{Kind: data[0]}
	rest := data[1:]

	next := func() (string, error) {
		if len(rest) < 2 {
			return "", errors.New("rpc: short envelope")
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < n {
			return "", errors.New("rpc: short envelope")
		}
		s := string(rest[:n])
		rest = rest[n:]
		return s, nil
	}

	var err error
	if e.ID, err = next(); err != nil {
		return nil, err
	}
	if e.Method, err = next(); err != nil {
		return nil, err
	}
	if e.Error, err = next(); err != nil {
		return nil, err
	}
	e.Payload = append([]byte(nil), rest...)
	return e, nil
}

func (e *envelope) encodeJSON() ([]byte, error) {
	return json.Marshal(e)
}

func decodeJSON(data []byte) (*envelope, error) {
	e := &envelope{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, errors.Wrap(err, "rpc: envelope")
	}
	return e, nil
}
