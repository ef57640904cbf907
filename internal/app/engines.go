package app

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/larksings/voiceagent/internal/config"
	"github.com/larksings/voiceagent/internal/room"
	"github.com/larksings/voiceagent/internal/voice"
)

func newEngineFactory(cfg config.Config, logger *slog.Logger) (voice.EngineFactory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.EngineMode)) {
	case "", "mock":
		logger.Info("using mock speech engine")
		return &voice.MockFactory{}, nil
	case "gateway":
		return voice.GatewayFactory{URL: cfg.EngineGatewayURL, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.EngineMode)
	}
}

// RoomFactory opens the room a job runs in.
type RoomFactory func(name, roomMetadata string) room.Room

// newRoomFactory joins rooms through the signaling service when one is
// configured and falls back to in-process rooms for local runs.
func newRoomFactory(cfg config.Config, logger *slog.Logger) RoomFactory {
	if strings.TrimSpace(cfg.RoomSignalURL) == "" {
		return func(name, roomMetadata string) room.Room {
			return room.NewLocalRoom(name, roomMetadata)
		}
	}
	return func(name, _ string) room.Room {
		return room.NewWSRoom(cfg.RoomSignalURL, cfg.RoomToken, name, logger)
	}
}
