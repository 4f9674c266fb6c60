package trigger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/elhananby/ximea-camera/fault"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// KillCommand is the only command text the capture controller acts on
const KillCommand = "kill"

// Event is a Kalman track estimate published by the tracker.
// Only ObjID and Frame influence capture; they name the exported clip.
type Event struct {
	ObjID     uint32  `json:"obj_id"`
	Frame     uint64  `json:"frame"`
	Timestamp float64 `json:"timestamp"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	XVel      float64 `json:"xvel"`
	YVel      float64 `json:"yvel"`
	ZVel      float64 `json:"zvel"`
	P00       float64 `json:"P00"`
	P01       float64 `json:"P01"`
	P02       float64 `json:"P02"`
	P11       float64 `json:"P11"`
	P12       float64 `json:"P12"`
	P22       float64 `json:"P22"`
	P33       float64 `json:"P33"`
	P44       float64 `json:"P44"`
	P55       float64 `json:"P55"`
}

// ClipName returns the directory name used for a clip triggered by e
func (e Event) ClipName() string {
	return fmt.Sprintf("obj_id_%d_frame_%d", e.ObjID, e.Frame)
}

// Kind tags a decoded Message
type Kind int

const (
	KindEmpty Kind = iota
	KindTrigger
	KindMalformed
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindTrigger:
		return "trigger"
	case KindMalformed:
		return "malformed"
	case KindCommand:
		return "command"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is a decoded transport message. The zero value is an empty message.
type Message struct {
	Kind  Kind
	Event Event  // KindTrigger
	Raw   string // KindMalformed: payload as received
	Err   error  // KindMalformed: *fault.Error of KindDecode
	Text  string // KindCommand
}

// IsKill reports whether m is the shutdown command
func (m Message) IsKill() bool {
	return m.Kind == KindCommand && m.Text == KillCommand
}

// Decode classifies raw transport text.
//
// A leading "<topic> " token is discarded unless the text already starts
// with a JSON value. Payloads that are JSON-shaped but do not fit Event are
// Malformed; anything that is not JSON at all is a Command.
func Decode(raw string) Message {
	payload := strings.TrimSpace(stripTopic(strings.TrimLeft(raw, " \t\r\n")))
	if payload == "" {
		return Message{Kind: KindEmpty}
	}

	switch payload[0] {
	case '{':
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return malformed(payload, err)
		}
		return Message{Kind: KindTrigger, Event: ev}
	case '[':
		return malformed(payload, errors.New("expected trigger object, got array"))
	}

	// Scalars such as 42, "x" or null are JSON of the wrong shape
	if json.Valid([]byte(payload)) {
		return malformed(payload, fmt.Errorf("expected trigger object, got %q", payload))
	}
	return Message{Kind: KindCommand, Text: payload}
}

func malformed(payload string, err error) Message {
	return Message{Kind: KindMalformed, Raw: payload, Err: fault.Errorf(fault.KindDecode, "decode trigger", err)}
}

// stripTopic drops everything up to the first space. The payload may be
// empty, as in "trigger ".
func stripTopic(s string) string {
	if s == "" || s[0] == '{' || s[0] == '[' {
		return s
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[i+1:]
	}
	return s
}
