package essaysync

import (
	"context"

	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/backend"
	"github.com/longessay/writer-agent/internal/storage"
)

const sessionKey = "context"

// sessionState is the launch context kept between agent restarts.
type sessionState struct {
	Credentials backend.Credentials `json:"credentials"`
	ReturnURL   string              `json:"return_url"`
	// TimeOffset is the client minus server time in milliseconds.
	TimeOffset int64 `json:"time_offset"`
}

type sessionStore struct {
	namespace storage.Namespace
	logger    *zap.Logger
}

func (s *sessionStore) load(ctx context.Context) sessionState {
	var state sessionState
	if _, err := s.namespace.Get(ctx, sessionKey, &state); err != nil {
		s.logger.Error("session read failed",
			zap.String("operation", "essaysync.session.load"),
			zap.String("reason", "storage_read_failed"),
			zap.Error(err))
		return sessionState{}
	}
	return state
}

func (s *sessionStore) save(ctx context.Context, state sessionState) {
	if err := s.namespace.Set(ctx, sessionKey, state); err != nil {
		s.logger.Error("session write failed",
			zap.String("operation", "essaysync.session.save"),
			zap.String("reason", "storage_write_failed"),
			zap.Error(err))
	}
}

func (s *sessionStore) clear(ctx context.Context) {
	if err := s.namespace.Clear(ctx); err != nil {
		s.logger.Error("session clear failed",
			zap.String("operation", "essaysync.session.clear"),
			zap.String("reason", "storage_clear_failed"),
			zap.Error(err))
	}
}
