package recorder

import (
	"github.com/elhananby/ximea-camera/frame"
	"github.com/elhananby/ximea-camera/trigger"
)

// Packet is a finished capture window handed to the export worker.
// Frames are ordered oldest-first and must not be modified.
type Packet struct {
	Frames   []*frame.Frame
	Event    trigger.Event
	Name     string // clip directory name, obj_id_<id>_frame_<n>
	sentinel bool
}

// NewPacket builds a packet for frames captured around ev
func NewPacket(frames []*frame.Frame, ev trigger.Event) Packet {
	return Packet{
		Frames: frames,
		Event:  ev,
		Name:   ev.ClipName(),
	}
}

// Sentinel returns the packet that tells the export worker to stop once
// everything queued ahead of it has been written
func Sentinel() Packet {
	return Packet{sentinel: true}
}

// IsSentinel reports whether p is the shutdown marker
func (p Packet) IsSentinel() bool {
	return p.sentinel
}

// Span returns the first and last frame sequence numbers in the packet
func (p Packet) Span() (first, last uint32) {
	if len(p.Frames) == 0 {
		return 0, 0
	}
	return p.Frames[0].Seq, p.Frames[len(p.Frames)-1].Seq
}

// Sink receives finished packets. Push reports false when the packet was
// discarded by an overflow policy.
type Sink interface {
	Push(p Packet) bool
}
