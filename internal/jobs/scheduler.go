package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"mentora/internal/document"
	"mentora/internal/services"

	"github.com/robfig/cron/v3"
)

const (
	pruneSchedule   = "0 * * * *" // hourly
	cleanupSchedule = "* * * * *" // every minute
)

// Scheduler runs the periodic maintenance jobs: knowledge-base decay and
// generated-artifact cleanup.
type Scheduler struct {
	cron      *cron.Cron
	store     *services.ContextStore
	documents *document.Service
	metrics   *services.Metrics
}

// NewScheduler creates a scheduler. documents and metrics may be nil.
func NewScheduler(store *services.ContextStore, documents *document.Service, metrics *services.Metrics) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron:      cron.New(cron.WithParser(parser)),
		store:     store,
		documents: documents,
		metrics:   metrics,
	}
}

// Start registers the jobs and begins executing them.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(pruneSchedule, s.pruneContexts); err != nil {
		return fmt.Errorf("failed to schedule context pruning: %w", err)
	}

	if s.documents != nil {
		if _, err := s.cron.AddFunc(cleanupSchedule, s.documents.CleanupArtifacts); err != nil {
			return fmt.Errorf("failed to schedule artifact cleanup: %w", err)
		}
	}

	s.cron.Start()
	log.Printf("⏰ [JOBS] Scheduler started")
	return nil
}

// Stop shuts down the scheduler, waiting for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Printf("⏰ [JOBS] Scheduler stopped")
}

func (s *Scheduler) pruneContexts() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	removed, err := s.store.PruneAll(ctx)
	if err != nil {
		log.Printf("⚠️ [JOBS] Context sweep failed: %v", err)
		return
	}

	if removed > 0 {
		log.Printf("🧹 [JOBS] Context sweep removed %d expired facts", removed)
		if s.metrics != nil {
			s.metrics.FactsPruned.Add(float64(removed))
		}
	}
}
