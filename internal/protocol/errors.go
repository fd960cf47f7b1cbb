package protocol

import "strings"

// ErrorClass is the client-side classification of a server error message.
type ErrorClass int

const (
	// Recoverable errors leave the session listening.
	Recoverable ErrorClass = iota
	// RestartRequired errors ask the server to rebuild its upstream stream.
	RestartRequired
	// Terminal errors end the session.
	Terminal
)

func (c ErrorClass) String() string {
	switch c {
	case Recoverable:
		return "recoverable"
	case RestartRequired:
		return "restart_required"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// recoverableMarkers are substrings of upstream faults the server recovers
// from on its own.
var recoverableMarkers = []string{
	"response stream",
	"model stream",
	"ModelStreamErrorException",
	"unexpected error during processing",
	"The first event must be a SessionStart event",
	"Stream processing error",
	"Premature close",
	"Error processing audio",
	"Message handling error",
}

var restartMarkers = []string{
	"ValidationException",
}

// ClassifyError maps a server error string onto an ErrorClass.
func ClassifyError(message string) ErrorClass {
	for _, m := range restartMarkers {
		if strings.Contains(message, m) {
			return RestartRequired
		}
	}
	for _, m := range recoverableMarkers {
		if strings.Contains(message, m) {
			return Recoverable
		}
	}
	return Terminal
}

// TransientMarkers returns the substrings that identify transient upstream
// faults; the server uses them to decide on a restart.
func TransientMarkers() []string {
	out := make([]string, 0, len(recoverableMarkers)+len(restartMarkers))
	out = append(out, recoverableMarkers...)
	return append(out, restartMarkers...)
}
