package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"panelflow/arbitrator"
	"panelflow/auth"
	"panelflow/db"
	"panelflow/dispute"
	"panelflow/notify"
	"panelflow/panel"
	"panelflow/payment"
)

func main() {
	ctx := context.Background()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	owner := os.Getenv("OWNER_HANDLE")
	if owner == "" {
		owner = "court"
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	raterEndpoints, err := parseHandleMap(os.Getenv("RATER_ENDPOINTS"))
	if err != nil {
		log.Fatalf("parse RATER_ENDPOINTS: %v", err)
	}
	claimantCallbacks, err := parseHandleMap(os.Getenv("CLAIMANT_CALLBACKS"))
	if err != nil {
		log.Fatalf("parse CLAIMANT_CALLBACKS: %v", err)
	}

	disputeRepo := dispute.NewRepository(pool)
	panelSvc := panel.NewService(panel.NewRepository(pool), disputeRepo, owner)
	ledger := payment.NewLedger(pool)
	disputeSvc := dispute.NewService(pool, disputeRepo, panelSvc, ledger, newRaterResolver(raterEndpoints), owner)
	arb := arbitrator.NewService(disputeSvc, panelSvc)
	authSvc := auth.NewService(auth.NewRepository(pool), jwtSecret)

	worker := notify.NewWorker(pool, newClaimantResolver(claimantCallbacks), 2*time.Second)
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go func() {
		if err := worker.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			log.Printf("notify worker stopped: %v", err)
		}
	}()

	server := &Server{arb: arb, auth: authSvc}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("arbitration api listening on %s", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// parseHandleMap decodes a JSON object of handle -> URL.
func parseHandleMap(raw string) (map[string]string, error) {
	out := map[string]string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
