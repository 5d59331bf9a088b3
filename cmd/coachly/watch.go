package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachly/coachly/internal/broadcast"
	"github.com/coachly/coachly/internal/broadcast/wsclient"
	"github.com/coachly/coachly/internal/logger"
)

// snapshotFrame carries the live transcript fetched after each connect.
const snapshotFrame = "transcript:snapshot"

func newWatchCommand() *cobra.Command {
	var (
		url     string
		apiBase string
		token   string
	)
	cmd := &cobra.Command{
		Use:   "watch <bot_id>...",
		Short: "Follow live transcript events of one or more bots",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			log := logger.L
			if apiBase == "" {
				if apiBase, err = wsclient.APIBase(url); err != nil {
					return err
				}
			}

			client := wsclient.New(log, wsclient.Config{
				URL:          url,
				Token:        token,
				PingInterval: cfg.Broadcast.PingInterval,
				WriteTimeout: cfg.Broadcast.WriteTimeout,
			})
			for _, botID := range args {
				if err := client.Join(broadcast.BotRoom(botID)); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			client.Subscribe(broadcast.AnyEvent, func(f wsclient.Frame) {
				if f.Type == broadcast.FramePong {
					return
				}
				_ = enc.Encode(f)
			})
			// Events published while disconnected are not replayed, so every
			// connect starts from the current live transcript.
			httpClient := &http.Client{Timeout: 10 * time.Second}
			client.OnConnected(func(ctx context.Context, rooms []string) {
				for _, room := range rooms {
					botID, ok := broadcast.BotIDFromRoom(room)
					if !ok {
						continue
					}
					body, err := wsclient.FetchTranscript(ctx, httpClient, apiBase, token, botID)
					if err != nil {
						log.Warn("catch-up fetch failed", slog.String("bot_id", botID), slog.Any("error", err))
						continue
					}
					_ = enc.Encode(wsclient.Frame{Type: snapshotFrame, Room: room, Data: body, Timestamp: time.Now()})
				}
			})
			client.OnState(func(from, to broadcast.ConnState) {
				log.Info("connection state", slog.String("from", from.String()), slog.String("to", to.String()))
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return client.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws", "live websocket url")
	cmd.Flags().StringVar(&apiBase, "api", "", "query API base url (default derived from --url)")
	cmd.Flags().StringVar(&token, "token", os.Getenv("COACHLY_TOKEN"), "JWT for the websocket (env COACHLY_TOKEN)")
	return cmd
}
