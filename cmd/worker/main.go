package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/josmartin007/geoattend/internal/attendance"
	"github.com/josmartin007/geoattend/internal/config"
	"github.com/josmartin007/geoattend/internal/metrics"
	"github.com/josmartin007/geoattend/internal/queue"
	"github.com/josmartin007/geoattend/internal/session"
	"github.com/josmartin007/geoattend/internal/store"
)

// Worker consumes transition events from the queue and appends them to the
// attendance audit trail. Losing an event here never affects roster state;
// the durable roster is committed by the reconciler, not by this path.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "geoattend:transitions")
	}

	records := attendance.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("audit worker started, waiting for events...")
	for msg := range messages {
		var evt session.Event
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			log.Printf("drop malformed event %q: %v", msg.Type, err)
			continue
		}

		if err := records.InsertAudit(ctx, evt); err != nil {
			log.Printf("audit insert failed for %s/%s: %v", evt.Kind, evt.SessionID, err)
			continue
		}
		metrics.AuditEvents.Inc()
		log.Printf("audited %s session=%s participant=%s", evt.Kind, evt.SessionID, evt.ParticipantID)
	}

	log.Println("audit worker stopped")
}
