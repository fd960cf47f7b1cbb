package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// DecodeError describes a message that could not be decoded.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

func badRequest(msg string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: msg}
}

// DecodeClientMessage parses one client frame. Unknown fields are ignored;
// unknown types decode successfully and are reported through Known.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if len(strings.TrimSpace(string(data))) == 0 {
		return msg, badRequest("empty message")
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, badRequest("invalid json: " + err.Error())
	}
	if msg.Type == "" {
		return msg, badRequest("missing type")
	}
	return msg, nil
}

// DecodeServerMessage parses one server frame with the same tolerance rules
// as DecodeClientMessage.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if len(strings.TrimSpace(string(data))) == 0 {
		return msg, badRequest("empty message")
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, badRequest("invalid json: " + err.Error())
	}
	if msg.Type == "" {
		return msg, badRequest("missing type")
	}
	return msg, nil
}

// CompatibleVersion reports whether v shares the major version of Version.
// An empty version is accepted for older peers.
func CompatibleVersion(v string) bool {
	if v == "" {
		return true
	}
	major, _, _ := strings.Cut(v, ".")
	want, _, _ := strings.Cut(Version, ".")
	return major == want
}

// IsDecodeError reports whether err came from a Decode function.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
