package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/biosleuth/biosleuth/internal/store"
	"github.com/biosleuth/biosleuth/internal/supervisor"
)

// Scheduler re-runs questions on their cron schedule. A redis lock
// prevents duplicate launches when several replicas tick at once.
type Scheduler struct {
	Store    *store.Store
	Rdb      *redis.Client
	Launch   func(ctx context.Context, questionID, question string, opts supervisor.Options) (string, error)
	Interval time.Duration
	Stop     chan struct{}

	logger *log.Logger

	mu      sync.Mutex
	lastRun map[string]time.Time
	now     func() time.Time
}

func (s *Scheduler) Start() {
	if s.Interval <= 0 {
		s.Interval = time.Hour
	}
	if s.logger == nil {
		s.logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	ticker := time.NewTicker(s.Interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	questions, err := s.Store.ListScheduledQuestions(ctx)
	if err != nil {
		s.logger.Printf("listing scheduled questions: %v", err)
		return
	}
	for _, q := range questions {
		if !s.isDue(q) {
			continue
		}
		if s.Rdb != nil {
			lockKey := "sched:lock:" + q.ID
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
		}
		s.markRun(q.ID)
		go func(q store.Question) {
			// jitter to avoid stampedes
			time.Sleep(time.Duration(250+time.Now().UnixNano()%250) * time.Millisecond)
			runID, err := s.Launch(ctx, q.ID, q.Question, supervisor.Options{AutoApprove: true})
			if err != nil {
				s.logger.Printf("question %s: scheduled run failed to start: %v", q.ID, err)
				return
			}
			s.logger.Printf("question %s: started scheduled run %s", q.ID, runID)
		}(q)
	}
}

// isDue reports whether the question's cron schedule has fired since it
// last ran in this process. Never-run questions are due immediately.
func (s *Scheduler) isDue(q store.Question) bool {
	expr, err := cronexpr.Parse(q.ScheduleCron)
	if err != nil {
		s.logger.Printf("question %s: invalid cron %q: %v", q.ID, q.ScheduleCron, err)
		return false
	}
	clock := s.now
	if clock == nil {
		clock = time.Now
	}
	s.mu.Lock()
	last, ok := s.lastRun[q.ID]
	s.mu.Unlock()
	if !ok {
		return true
	}
	return !expr.Next(last).After(clock())
}

func (s *Scheduler) markRun(id string) {
	clock := s.now
	if clock == nil {
		clock = time.Now
	}
	s.mu.Lock()
	if s.lastRun == nil {
		s.lastRun = make(map[string]time.Time)
	}
	s.lastRun[id] = clock()
	s.mu.Unlock()
}
