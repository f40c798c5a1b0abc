package receiver

import (
	"github.com/kstaniek/go-can-example/internal/can"
)

// Event is one message from a loop delivered through an EventSink.
// Exactly one of Frame (Stopped false) or Stopped is meaningful.
type Event struct {
	Frame   can.Frame
	Stopped bool
	Err     error // terminal reason when Stopped; nil after a cancel
}

// EventSink forwards loop output over a channel. Publish blocks while the
// channel is full, so frames are never dropped or reordered. The channel is
// closed after the stop event.
type EventSink struct {
	ch chan Event
}

// NewEventSink creates an EventSink with the given channel capacity.
func NewEventSink(buf int) *EventSink { return &EventSink{ch: make(chan Event, buf)} }

// Events returns the receive side of the channel.
func (s *EventSink) Events() <-chan Event { return s.ch }

func (s *EventSink) Publish(fr can.Frame) { s.ch <- Event{Frame: fr} }

func (s *EventSink) Stopped(reason error) {
	s.ch <- Event{Stopped: true, Err: reason}
	close(s.ch)
}

// MultiSink fans one loop out to several sinks, in order.
type MultiSink []Sink

func (m MultiSink) Publish(fr can.Frame) {
	for _, s := range m {
		s.Publish(fr)
	}
}

func (m MultiSink) Stopped(reason error) {
	for _, s := range m {
		s.Stopped(reason)
	}
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	OnFrame   func(can.Frame)
	OnStopped func(error)
}

func (f SinkFuncs) Publish(fr can.Frame) {
	if f.OnFrame != nil {
		f.OnFrame(fr)
	}
}

func (f SinkFuncs) Stopped(reason error) {
	if f.OnStopped != nil {
		f.OnStopped(reason)
	}
}
