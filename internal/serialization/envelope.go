// Package serialization implements the payload envelope used on every
// job: a single format byte followed by the encoded body. The polling
// loop relies on format detection to spot corrupted payloads before a
// handler ever sees them.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Format identifies the encoding of a payload body.
type Format byte

const (
	// FormatJSON is the default encoding for producer-facing payloads.
	FormatJSON Format = 0x00
	// FormatProtobuf is used for high-volume relay payloads.
	FormatProtobuf Format = 0x01
)

var (
	ErrUnknownFormat = errors.New("unknown payload format")
	ErrEncodeFailed  = errors.New("failed to encode payload")
	ErrDecodeFailed  = errors.New("failed to decode payload")
)

// EncodeJSON wraps v as a JSON payload with the format prefix.
func EncodeJSON(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w (JSON): %v", ErrEncodeFailed, err)
	}
	return prefix(FormatJSON, body), nil
}

// EncodeProto wraps msg as a protobuf payload with the format prefix.
func EncodeProto(msg proto.Message) ([]byte, error) {
	body, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w (protobuf): %v", ErrEncodeFailed, err)
	}
	return prefix(FormatProtobuf, body), nil
}

// Decode unpacks a payload into v, detecting the format from the prefix.
// v must be a proto.Message for protobuf payloads.
func Decode(data []byte, v interface{}) error {
	format, body, err := DetectFormat(data)
	if err != nil {
		return err
	}

	switch format {
	case FormatJSON:
		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("%w (JSON): %v", ErrDecodeFailed, err)
		}
		return nil
	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			return fmt.Errorf("%w: target does not implement proto.Message", ErrDecodeFailed)
		}
		if err := proto.Unmarshal(body, msg); err != nil {
			return fmt.Errorf("%w (protobuf): %v", ErrDecodeFailed, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}
}

// DetectFormat returns the payload format and the body without the
// prefix. Bare JSON without a prefix is accepted for payloads written
// by older producers.
func DetectFormat(data []byte) (Format, []byte, error) {
	if len(data) == 0 {
		return FormatJSON, nil, fmt.Errorf("%w: empty payload", ErrUnknownFormat)
	}

	switch Format(data[0]) {
	case FormatJSON, FormatProtobuf:
		if len(data) < 2 {
			return Format(data[0]), nil, fmt.Errorf("%w: payload too short", ErrDecodeFailed)
		}
		return Format(data[0]), data[1:], nil
	default:
		if data[0] == '{' || data[0] == '[' {
			return FormatJSON, data, nil
		}
		return FormatJSON, data, fmt.Errorf("%w: leading byte 0x%02X", ErrUnknownFormat, data[0])
	}
}

// Valid reports whether data carries a decodable payload. The polling
// loop uses this as the integrity check before dispatch.
func Valid(data []byte) bool {
	_, _, err := DetectFormat(data)
	return err == nil
}

func prefix(format Format, body []byte) []byte {
	out := make([]byte, len(body)+1)
	out[0] = byte(format)
	copy(out[1:], body)
	return out
}
