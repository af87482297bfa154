// Package service contains the session orchestration services.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/agentdesk/internal/domain/session"
	"github.com/Strob0t/agentdesk/internal/port/notifier"
)

const defaultNotificationBuffer = 1024

// NotificationService turns registry changes into outbound events and
// delivers them to every notifier from a single worker, so events of one
// session leave in the order they were committed.
type NotificationService struct {
	notifiers []notifier.Notifier
	ch        chan notifier.Event
	wg        sync.WaitGroup
	mu        sync.RWMutex // guards closed against sends on a closed channel
	closed    bool
	dropped   atomic.Int64
	timeout   time.Duration
}

// NewNotificationService creates a NotificationService and starts its worker.
func NewNotificationService(notifiers []notifier.Notifier, buffer int) *NotificationService {
	if buffer <= 0 {
		buffer = defaultNotificationBuffer
	}
	s := &NotificationService{
		notifiers: notifiers,
		ch:        make(chan notifier.Event, buffer),
		timeout:   5 * time.Second,
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// OnChange is a ChangeFunc for the registry. Every change yields a
// session_update; a control mode change also yields an ai_status_update.
func (s *NotificationService) OnChange(prev, next session.Session) {
	now := time.Now().UTC()
	snap := next
	s.enqueue(notifier.Event{
		Type:      notifier.EventSessionUpdate,
		SessionID: next.ID,
		Session:   &snap,
		At:        now,
	})

	if prev.ID != "" && (prev.ControlMode != next.ControlMode || prev.DegradedReason != next.DegradedReason) {
		s.enqueue(notifier.Event{
			Type:      notifier.EventAIStatusUpdate,
			SessionID: next.ID,
			AIStatus: &notifier.AIStatus{
				SessionID:      next.ID,
				ControlMode:    next.ControlMode,
				DegradedReason: next.DegradedReason,
			},
			At: now,
		})
	}
}

// enqueue never blocks; a full buffer drops the event.
func (s *NotificationService) enqueue(ev notifier.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		slog.Warn("notification buffer full, event dropped", "type", ev.Type, "session_id", ev.SessionID)
	}
}

func (s *NotificationService) drain() {
	defer s.wg.Done()
	for ev := range s.ch {
		for _, n := range s.notifiers {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			if err := n.Notify(ctx, ev); err != nil {
				slog.Warn("notification send failed",
					"notifier", n.Name(),
					"type", ev.Type,
					"session_id", ev.SessionID,
					"error", err,
				)
			}
			cancel()
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *NotificationService) Dropped() int64 {
	return s.dropped.Load()
}

// NotifierCount returns the number of registered notifiers.
func (s *NotificationService) NotifierCount() int {
	return len(s.notifiers)
}

// Close stops accepting events and waits for queued ones to be delivered.
func (s *NotificationService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.wg.Wait()
}
