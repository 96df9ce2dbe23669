// Package stream buffers the outbound events of one session so a client can
// consume them over server-sent events and resume after a disconnect.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("stream closed")
	// ErrSuperseded ends a cursor whose stream gained a newer subscriber.
	ErrSuperseded = errors.New("stream superseded by a newer subscriber")
	// ErrReplayGap matches every *ReplayGapError.
	ErrReplayGap = errors.New("replay gap")
)

// ReplayGapError reports a resume point that the stream can no longer
// serve without losing events.
type ReplayGapError struct {
	LastEventID uint64
	Oldest      uint64
	Latest      uint64
}

func (e *ReplayGapError) Error() string {
	if e.LastEventID > e.Latest {
		return fmt.Sprintf("replay gap: event %d was never published (latest %d)", e.LastEventID, e.Latest)
	}
	return fmt.Sprintf("replay gap: event %d is older than the retained window starting at %d", e.LastEventID, e.Oldest)
}

func (e *ReplayGapError) Is(target error) bool {
	return target == ErrReplayGap
}

// Event is one published message. Ids start at 1 and increase by one.
type Event struct {
	ID   uint64
	Data []byte
}

// Stream is a bounded, append-only event buffer with a single live
// consumer. It is safe for concurrent use.
type Stream struct {
	mu        sync.Mutex
	retention int
	events    []Event
	lastID    uint64
	acked     uint64
	gen       uint64
	closed    bool
	wake      chan struct{}
}

// New returns a stream that retains the most recent retention events.
// Retention below one is treated as one.
func New(retention int) *Stream {
	return &Stream{
		retention: max(retention, 1),
		wake:      make(chan struct{}),
	}
}

// Publish appends data and returns its event id.
func (s *Stream) Publish(data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	s.lastID++
	s.events = append(s.events, Event{ID: s.lastID, Data: data})
	if over := len(s.events) - s.retention; over > 0 {
		clear(s.events[:over])
		s.events = s.events[over:]
	}
	s.broadcastLocked()
	return s.lastID, nil
}

// Close wakes every waiting cursor. Cursors drain the retained events they
// have not seen and then report io.EOF.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.broadcastLocked()
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LastID returns the id of the most recent event, or zero.
func (s *Stream) LastID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Oldest returns the id of the oldest retained event, or zero when nothing
// has been published.
func (s *Stream) Oldest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return 0
	}
	return s.events[0].ID
}

// Subscribe attaches a cursor positioned at the first event not yet
// delivered to any consumer. Any previous cursor is superseded.
func (s *Stream) Subscribe() *Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.acked + 1
	if oldest := s.oldestLocked(); next < oldest {
		next = oldest
	}
	return s.attachLocked(next)
}

// Resume attaches a cursor that yields every event after lastEventID. It
// fails with a *ReplayGapError when any of those events has been evicted,
// or when lastEventID is newer than anything published.
func (s *Stream) Resume(lastEventID uint64) (*Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lastEventID > s.lastID || lastEventID+1 < s.oldestLocked() {
		return nil, &ReplayGapError{
			LastEventID: lastEventID,
			Oldest:      s.oldestLocked(),
			Latest:      s.lastID,
		}
	}
	if lastEventID > s.acked {
		s.acked = lastEventID
	}
	return s.attachLocked(lastEventID + 1), nil
}

func (s *Stream) attachLocked(next uint64) *Cursor {
	s.gen++
	// wake the cursor being replaced so it observes the new generation
	s.broadcastLocked()
	return &Cursor{s: s, next: next, gen: s.gen}
}

func (s *Stream) oldestLocked() uint64 {
	if len(s.events) == 0 {
		return s.lastID + 1
	}
	return s.events[0].ID
}

func (s *Stream) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Cursor reads events from a Stream in id order.
type Cursor struct {
	s    *Stream
	next uint64
	gen  uint64
}

// Next blocks until at least one event is available and returns all
// available events. It returns io.EOF once the stream is closed and
// drained, ErrSuperseded when another cursor took over, a *ReplayGapError
// when unread events were evicted, or the context error.
func (c *Cursor) Next(ctx context.Context) ([]Event, error) {
	for {
		c.s.mu.Lock()
		if c.gen != c.s.gen {
			c.s.mu.Unlock()
			return nil, ErrSuperseded
		}
		oldest := c.s.oldestLocked()
		if c.next < oldest {
			err := &ReplayGapError{LastEventID: c.next - 1, Oldest: oldest, Latest: c.s.lastID}
			c.s.mu.Unlock()
			return nil, err
		}
		if c.next <= c.s.lastID {
			start := int(c.next - oldest)
			events := make([]Event, len(c.s.events)-start)
			copy(events, c.s.events[start:])
			c.next = c.s.lastID + 1
			c.s.mu.Unlock()
			return events, nil
		}
		if c.s.closed {
			c.s.mu.Unlock()
			return nil, io.EOF
		}
		wake := c.s.wake
		c.s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack records that every event up to id reached the client.
func (c *Cursor) Ack(id uint64) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if id > c.s.acked {
		c.s.acked = id
	}
}
