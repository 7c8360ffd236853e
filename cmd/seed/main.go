// seed inserts development sample run history for local testing of the history
// and trend endpoints. Idempotent: skips inserts when any run already exists.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"apex-test-suite/backend/internal/config"
	"apex-test-suite/backend/internal/db"
	"apex-test-suite/backend/internal/run/domain"
	"apex-test-suite/backend/internal/run/repository"
)

const devOrgID = "00Ddev0000000001"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	runs := repository.NewPostgresRepository(conn)
	ctx := context.Background()

	_, total, err := runs.List(ctx, 0, 1)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if total > 0 {
		log.Println("Seed already applied (runs exist). Skipping.")
		os.Exit(0)
	}

	// A week of daily runs with drifting pass rate and coverage, so the trend
	// charts have something to show.
	for day := 6; day >= 0; day-- {
		startedAt := time.Now().UTC().AddDate(0, 0, -day).Add(-30 * time.Minute)
		completedAt := startedAt.Add(90 * time.Second)
		passed := 8 + (6 - day)
		failed := 2
		if day%3 == 0 {
			failed = 4
		}

		run := &domain.Run{
			AsyncApexJobID: "707seed00000" + string(rune('0'+day)),
			OrgID:          devOrgID,
			Status:         domain.StatusQueued,
			StartedAt:      startedAt,
		}
		if err := runs.Create(ctx, run); err != nil {
			log.Fatalf("create run: %v", err)
		}

		results := make([]domain.Result, 0, passed+failed)
		for i := 0; i < passed; i++ {
			results = append(results, domain.Result{
				RunID:      run.ID,
				ClassName:  "AccountServiceTest",
				MethodName: "testScenario" + string(rune('A'+i)),
				Outcome:    domain.OutcomePass,
				RunTimeMs:  int64(40 + i*3),
			})
		}
		for i := 0; i < failed; i++ {
			results = append(results, domain.Result{
				RunID:      run.ID,
				ClassName:  "OpportunityServiceTest",
				MethodName: "testEdgeCase" + string(rune('A'+i)),
				Outcome:    domain.OutcomeFail,
				Message:    "System.AssertException: Assertion Failed",
				StackTrace: "Class.OpportunityServiceTest: line 42, column 1",
				RunTimeMs:  int64(120 + i*10),
			})
		}
		covered := 70 + (6-day)*3
		coverage := []domain.CoverageSnapshot{
			{RunID: run.ID, ClassName: "AccountService", LinesCovered: covered, LinesUncovered: 100 - covered, CoveragePercent: float64(covered)},
			{RunID: run.ID, ClassName: "OpportunityService", LinesCovered: 60, LinesUncovered: 40, CoveragePercent: 60},
		}

		finalized := &domain.Run{
			ID:          run.ID,
			Status:      domain.StatusCompleted,
			TotalTests:  passed + failed,
			PassCount:   passed,
			FailCount:   failed,
			CompletedAt: &completedAt,
		}
		if err := runs.FinalizeCompleted(ctx, finalized, results, coverage); err != nil {
			log.Fatalf("finalize run: %v", err)
		}
	}

	log.Println("Seed completed successfully.")
}
