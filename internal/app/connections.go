package app

import (
	"context"
	"time"

	"threadline/api/internal/realtime"
)

type presenceEvent struct {
	UserID   string     `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Connected registers a live socket. The first connection of a user
// announces them to their contacts and to their other devices.
func (s *Service) Connected(ctx context.Context, userID, connID string) error {
	online, err := s.presence.Register(ctx, userID, connID)
	if err != nil {
		return err
	}
	if online {
		s.announcePresence(ctx, userID, realtime.EventUserOnline, presenceEvent{UserID: userID})
	}
	return nil
}

// Disconnected releases a socket. Only the last one stamps lastSeen.
func (s *Service) Disconnected(ctx context.Context, userID, connID string) error {
	offline, lastSeen, err := s.presence.Unregister(ctx, userID, connID)
	if err != nil {
		return err
	}
	if offline {
		s.announcePresence(ctx, userID, realtime.EventUserOffline, presenceEvent{UserID: userID, LastSeen: &lastSeen})
	}
	return nil
}

func (s *Service) announcePresence(ctx context.Context, userID, event string, data presenceEvent) {
	contacts, err := s.store.ListContactIDs(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("load contacts for presence")
	}
	s.publishToUsers(ctx, append(contacts, userID), event, data)
}
