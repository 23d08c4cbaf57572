// Package maintenance runs periodic housekeeping jobs on cron schedules:
// store compaction and a tracking summary in the log.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"trackbot/internal/storage"
	"trackbot/internal/tracking"
	logx "trackbot/pkg/logx"
)

const (
	JobCompact = "store.compact"
	JobReport  = "tracking.report"
)

type Config struct {
	Timezone string
	// Compact and Report are cron specs; empty disables the job.
	Compact string
	Report  string
}

// StatsSource is implemented by tracking.Tracker.
type StatsSource interface {
	Stats() tracking.Stats
}

// JobStatus is the outcome of a job's last run.
type JobStatus struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Runs    uint64        `json:"runs"`
	LastRun time.Time     `json:"last_run,omitzero"`
	LastErr string        `json:"last_err,omitempty"`
	Took    time.Duration `json:"took"`
	Next    time.Time     `json:"next,omitzero"`
}

type job struct {
	name string
	spec string
	fn   func(ctx context.Context) error
	id   cron.EntryID
}

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	jobs   []*job
	status map[string]*JobStatus
}

var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec is an accepted cron expression. Empty is
// valid and means disabled.
func ValidateSpec(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	_, err := specParser.Parse(strings.TrimSpace(spec))
	return err
}

// New registers the jobs cfg enables. The compact job is only registered
// when store supports compaction.
func New(cfg Config, store storage.Store, stats StatsSource, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("maintenance.timezone: %w", err)
		}
		loc = l
	}

	s := &Service{
		log:    log,
		parser: specParser,
		status: map[string]*JobStatus{},
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	if spec := strings.TrimSpace(cfg.Compact); spec != "" {
		if comp, ok := store.(storage.Compactor); ok {
			if err := s.add(JobCompact, spec, comp.Compact); err != nil {
				return nil, err
			}
		} else {
			log.Info("store does not support compaction; job skipped", logx.String("job", JobCompact))
		}
	}
	if spec := strings.TrimSpace(cfg.Report); spec != "" && stats != nil {
		err := s.add(JobReport, spec, func(ctx context.Context) error {
			st := stats.Stats()
			s.log.Info("tracking report",
				logx.Int("tracked", st.Tracked),
				logx.Int("scheduled", st.Scheduled),
				logx.Duration("interval", st.Interval),
				logx.Duration("cooldown", st.Cooldown),
				logx.Time("last_pop", st.LastPop),
			)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) add(name, spec string, fn func(ctx context.Context) error) error {
	j := &job{name: name, spec: spec, fn: fn}
	id, err := s.c.AddFunc(spec, func() { s.Run(name) })
	if err != nil {
		return fmt.Errorf("maintenance: %s: invalid spec %q: %w", name, spec, err)
	}
	j.id = id
	s.jobs = append(s.jobs, j)
	s.status[name] = &JobStatus{Name: name, Spec: spec}
	return nil
}

// Start begins triggering. Jobs run with ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.c.Start()
	s.log.Info("maintenance started", logx.Int("jobs", len(s.jobs)))
}

// Stop stops triggering and waits for running jobs or ctx.
func (s *Service) Stop(ctx context.Context) {
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
}

// Run executes the named job now. Unknown names are ignored.
func (s *Service) Run(name string) {
	var j *job
	for _, cand := range s.jobs {
		if cand.name == name {
			j = cand
		}
	}
	if j == nil {
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	jctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	start := time.Now()
	err := j.fn(jctx)
	took := time.Since(start)

	s.mu.Lock()
	st := s.status[name]
	st.Runs++
	st.LastRun = start
	st.Took = took
	st.LastErr = ""
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("maintenance job failed", logx.String("job", name), logx.Duration("took", took), logx.Err(err))
		return
	}
	s.log.Debug("maintenance job done", logx.String("job", name), logx.Duration("took", took))
}

// Status returns every registered job with its next trigger time.
func (s *Service) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := *s.status[j.name]
		st.Next = s.c.Entry(j.id).Next
		out = append(out, st)
	}
	return out
}
