package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"rewardkit/analytics"
	"rewardkit/api/httpapi"
	"rewardkit/core"
	"rewardkit/engine"
	"rewardkit/leaderboard"
	"rewardkit/minigame"
	"rewardkit/realtime"
)

func main() {
	// Use readable text logging for development/demo
	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(textHandler)
	slog.SetDefault(logger)

	ctx := context.Background()
	hub := realtime.NewHub()
	stats := analytics.NewPlayStats()
	winners := leaderboard.NewWinners()

	now := time.Now()
	wheel := minigame.Game("spring-wheel").
		Named("Spring wheel", "Spin once a day for a discount or bonus points").
		Lasting(now.Add(-time.Hour), 7*24*time.Hour).
		Limits(3, 0).
		Reward("discount-10", core.RewardDiscount, 10, 60, 0).WithCode("SPRING10").
		Reward("points-500", core.RewardPoints, 500, 30, 50).
		Reward("free-delivery", core.RewardFreeDelivery, 0, 10, 5)

	svc, err := minigame.New(ctx,
		minigame.WithRealtime(hub),
		minigame.WithGames(wheel),
		minigame.WithNotifier(engine.LogNotifier{Logger: logger}),
		minigame.WithServiceOptions(engine.WithLogger(logger)),
	)
	if err != nil {
		slog.Error("demo setup failed", "error", err)
		os.Exit(1)
	}
	defer svc.Close()
	svc.Bus().SubscribeAll(analytics.Handler(stats), engine.AllEventTypes...)
	svc.Subscribe(core.EventRewardGranted, winners.OnEvent)

	handler := httpapi.NewMux(svc, hub, httpapi.Options{
		PathPrefix:      "/api",
		AllowCORSOrigin: "*",
		Stats:           stats,
		Winners:         winners,
		Logger:          logger,
	})

	slog.Info("starting demo server on :8080", "game", "spring-wheel")

	srv := &http.Server{Addr: ":8080", Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("demo server crashed", "error", err)
		os.Exit(1)
	}
}
