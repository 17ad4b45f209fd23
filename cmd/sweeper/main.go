package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/bracket"
	"rollcall/internal/config"
	"rollcall/internal/queue"
	"rollcall/internal/store"
	"rollcall/internal/token"
)

// Sweeper consumes sweep messages and fills in absent-by-omission records
// for dates that have closed. It also ticks on its own so forgotten dates
// get reconciled without anyone asking, and purges long-expired tokens.
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

	db, err := store.NewDB(cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:sweep")
	}

	loc := cfg.Location()

	repo := attendance.NewRepository(db.Client)
	brackets := bracket.NewRepository(db.Client)
	tokenRepo := token.NewRepository(db.Client)
	svc := attendance.NewService(repo, nil, brackets, nil, loc)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	log.Println("sweeper started, waiting for work...")
	for {
		select {
		case <-ctx.Done():
			log.Println("sweeper stopped")
			return

		case msg, ok := <-messages:
			if !ok {
				log.Println("sweeper stopped")
				return
			}
			if msg.Type != "sweep" {
				continue
			}
			date, err := time.ParseInLocation("2006-01-02", string(msg.Body), loc)
			if err != nil {
				log.Printf("bad sweep date %q: %v", msg.Body, err)
				continue
			}
			sweep(ctx, svc, date)

		case <-ticker.C:
			// Yesterday has fully elapsed everywhere the schedule runs.
			yesterday := time.Now().In(loc).AddDate(0, 0, -1)
			sweep(ctx, svc, yesterday)

			cutoff := time.Now().UTC().AddDate(0, 0, -7)
			if n, err := tokenRepo.PurgeExpired(ctx, cutoff); err != nil {
				log.Printf("token purge failed: %v", err)
			} else if n > 0 {
				log.Printf("purged %d expired tokens", n)
			}
		}
	}
}

func sweep(ctx context.Context, svc *attendance.Service, date time.Time) {
	n, err := svc.Sweep(ctx, date)
	if err != nil {
		log.Printf("sweep %s failed: %v", date.Format("2006-01-02"), err)
		return
	}
	if n > 0 {
		log.Printf("sweep %s: marked %d absent", date.Format("2006-01-02"), n)
	}
}
