package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/larksings/voiceagent/internal/app"
	"github.com/larksings/voiceagent/internal/config"
	"github.com/larksings/voiceagent/internal/room"
	"github.com/larksings/voiceagent/internal/voice"
)

func newRunCmd() *cobra.Command {
	var (
		roomName     string
		jobMetadata  string
		roomMetadata string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single session in the foreground",
		Long:  "Joins one room, runs its session until the room closes or the process is interrupted, then exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logger := setupLogging(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			built, err := app.Build(ctx, cfg, app.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				if err := built.Cleanup(); err != nil {
					logger.Warn("cleanup failed", "error", err)
				}
			}()

			var r room.Room = room.NewLocalRoom(roomName, roomMetadata)
			if cfg.RoomSignalURL != "" {
				r = room.NewWSRoom(cfg.RoomSignalURL, cfg.RoomToken, roomName, logger)
			}
			return built.Orchestrator.Run(ctx, voice.Job{
				RoomName:    roomName,
				JobMetadata: jobMetadata,
				Room:        r,
			})
		},
	}
	cmd.Flags().StringVar(&roomName, "room", "", "room to join")
	cmd.Flags().StringVar(&jobMetadata, "metadata", "", "job metadata JSON")
	cmd.Flags().StringVar(&roomMetadata, "room-metadata", "", "room metadata JSON for local rooms")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}
