package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"schooladmin/internal/config"
	"schooladmin/internal/logging"
	"schooladmin/internal/queue"
	"schooladmin/internal/school"
	"schooladmin/internal/store"
)

// Worker consumes queued guardian invitations and records delivery.
// Actual mail/SMS transport hangs off this loop; for now delivery is the
// log line plus the sent stamp.
func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Log.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logging.Log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "schooladmin:invites")
	}

	repo := school.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		logging.Log.Fatalf("queue consume init failed: %v", err)
	}

	logging.Log.Info("worker started, waiting for invitations...")
	for msg := range messages {
		if msg.Type != queue.TypeInvite {
			continue
		}

		var inv school.Invitation
		if err := json.Unmarshal(msg.Body, &inv); err != nil {
			logging.Log.WithError(err).Warn("malformed invite message")
			continue
		}

		logging.Log.WithFields(map[string]any{
			"guardian_id": inv.GuardianID,
			"email":       inv.Email,
		}).Info("delivering guardian invitation")

		if err := repo.MarkInvitationSent(ctx, inv.GuardianID, time.Now().UTC()); err != nil {
			logging.Log.WithError(err).Warnf("mark invite sent failed for %s", inv.GuardianID)
		}
	}

	logging.Log.Info("worker stopped")
}
