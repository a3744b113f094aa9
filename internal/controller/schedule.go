package controller

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sweeney/pool-controller/internal/logging"
	"github.com/sweeney/pool-controller/internal/logic"
)

// Schedule is the daily pump timetable. Times are "HH:MM" in local time; an
// empty time means no trigger.
type Schedule struct {
	On  string `json:"on"`
	Off string `json:"off"`
}

// scheduleUpdate distinguishes an absent field (keep the job) from an empty
// one (remove it).
type scheduleUpdate struct {
	On  *string `json:"on"`
	Off *string `json:"off"`
}

// job is one independently addressable daily trigger.
type job struct {
	state logic.SwitchState
	at    string
	id    cron.EntryID
}

// Scheduler runs the daily on and off triggers. Each trigger calls the
// switch path exactly like a manual command.
type Scheduler struct {
	cron *cron.Cron
	log  *logging.Logger
	fire func(logic.SwitchState)

	mu  sync.Mutex
	on  job
	off job
}

// NewScheduler creates a stopped Scheduler firing in loc.
func NewScheduler(fn func(logic.SwitchState), loc *time.Location, log *logging.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		cron: cron.New(cron.WithLocation(loc)),
		log:  log,
		fire: fn,
		on:   job{state: logic.SwitchOn},
		off:  job{state: logic.SwitchOff},
	}
}

// Start begins firing triggers.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Apply replaces the triggers named in a JSON payload such as
// {"on":"08:00","off":"20:00"}. Fields left out keep their current job.
func (s *Scheduler) Apply(payload string) error {
	var u scheduleUpdate
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		return fmt.Errorf("parse schedule: %w", err)
	}
	// Validate both before touching either job.
	for _, at := range []*string{u.On, u.Off} {
		if at == nil || *at == "" {
			continue
		}
		if _, err := cronSpec(*at); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if u.On != nil {
		if err := s.replace(&s.on, *u.On); err != nil {
			return err
		}
	}
	if u.Off != nil {
		if err := s.replace(&s.off, *u.Off); err != nil {
			return err
		}
	}
	return nil
}

// replace retargets j alone. Caller holds mu.
func (s *Scheduler) replace(j *job, at string) error {
	if j.id != 0 {
		s.cron.Remove(j.id)
		j.id = 0
	}
	j.at = ""
	if at == "" {
		s.log.Info("schedule cleared", "state", j.state)
		return nil
	}

	spec, err := cronSpec(at)
	if err != nil {
		return err
	}
	state := j.state
	id, err := s.cron.AddFunc(spec, func() {
		s.log.Info("scheduled switch", "state", state)
		s.fire(state)
	})
	if err != nil {
		return fmt.Errorf("schedule %s at %s: %w", state, at, err)
	}
	j.id = id
	j.at = at
	s.log.Info("schedule set", "state", state, "at", at)
	return nil
}

// Current returns the active timetable.
func (s *Scheduler) Current() Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Schedule{On: s.on.at, Off: s.off.at}
}

// Next returns when the trigger for state fires next, or the zero time.
func (s *Scheduler) Next(state logic.SwitchState) time.Time {
	s.mu.Lock()
	id := s.on.id
	if state == logic.SwitchOff {
		id = s.off.id
	}
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// cronSpec turns "HH:MM" into a daily five-field cron spec.
func cronSpec(at string) (string, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(at), ":")
	if !ok {
		return "", fmt.Errorf("bad time %q: want HH:MM", at)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return "", fmt.Errorf("bad hour in %q", at)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return "", fmt.Errorf("bad minute in %q", at)
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}
