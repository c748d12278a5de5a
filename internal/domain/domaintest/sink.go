package domaintest

import (
	"context"
	"sync"

	"github.com/streamcord/spyglass/internal/domain"
)

// SinkEvent is one call captured by RecordingSink. StreamID is zero for offline events.
type SinkEvent struct {
	Online    bool
	StreamID  int64
	UserID    int64
	Timestamp string
}

// RecordingSink captures events instead of publishing them.
type RecordingSink struct {
	mu     sync.Mutex
	events []SinkEvent
	Err    error
}

var _ domain.EventSink = (*RecordingSink)(nil)

func (s *RecordingSink) SendOnlineEvent(_ context.Context, streamID, userID int64, ts string) error {
	return s.record(SinkEvent{Online: true, StreamID: streamID, UserID: userID, Timestamp: ts})
}

func (s *RecordingSink) SendOfflineEvent(_ context.Context, userID int64, ts string) error {
	return s.record(SinkEvent{UserID: userID, Timestamp: ts})
}

func (s *RecordingSink) record(e SinkEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *RecordingSink) Events() []SinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SinkEvent, len(s.events))
	copy(out, s.events)
	return out
}
