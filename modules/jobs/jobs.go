// Package jobs is a schedule service: each entity is a cron job, and every
// firing is emitted as a "tick" custom event on the service. Create
// validates the cron spec, remove unschedules, and the scheduler itself
// starts with the application through the setup hook.
//
// Specs use the standard five-field cron syntax, with an optional seconds
// field and @-descriptors ("@hourly", "@every 10s") also accepted.
package jobs

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/plume"
	"github.com/GoCodeAlone/plume/modules/store"
)

// EventTick is the custom event emitted on every job firing.
const EventTick = "tick"

var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type job struct {
	id        string
	name      string
	spec      string
	entry     cron.EntryID
	createdAt time.Time
	lastRun   time.Time
	runs      int
}

// Service schedules cron jobs and emits their ticks.
type Service struct {
	cron *cron.Cron

	mu   sync.Mutex
	jobs map[string]*job
	emit func(event string, data any)
}

var (
	_ plume.SetupHook = (*Service)(nil)
	_ io.Closer       = (*Service)(nil)
)

// New builds an empty schedule service.
func New() *Service {
	return &Service{
		cron: cron.New(cron.WithParser(specParser)),
		jobs: map[string]*job{},
	}
}

// ServiceEvents announces the tick event so transports relay it.
func (s *Service) ServiceEvents() []string { return []string{EventTick} }

// Setup binds the emitter and starts the scheduler. The wrapper runs it once
// when the application starts listening.
func (s *Service) Setup(app *plume.Application, path string) error {
	wrapped, err := app.Service(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.emit = wrapped.Emit
	s.mu.Unlock()
	s.cron.Start()
	app.Logger().Debug("Job scheduler started", "path", path)
	return nil
}

// Close stops the scheduler. Firings already in progress finish; no new
// ones start.
func (s *Service) Close() error {
	s.cron.Stop()
	return nil
}

// Find lists jobs matching the params query, ordered by id.
func (s *Service) Find(_ context.Context, params plume.Params) (any, error) {
	query, err := store.ParseParams(params)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	matched := make([]map[string]any, 0, len(s.jobs))
	for _, j := range s.jobs {
		entity := renderJob(j)
		if query.Match(entity) {
			matched = append(matched, entity)
		}
	}
	s.mu.Unlock()

	if len(query.Sort) == 0 {
		query.Sort = []store.SortField{{Field: "id"}}
	}
	return query.Apply(matched), nil
}

// Get returns one job by id.
func (s *Service) Get(_ context.Context, id string, _ plume.Params) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	return renderJob(j), nil
}

// Create validates the cron spec and schedules the job.
func (s *Service) Create(_ context.Context, data any, _ plume.Params) (any, error) {
	entity, ok := data.(map[string]any)
	if !ok {
		return nil, plume.NewBadRequest("job must be an object with name and spec")
	}
	spec, _ := entity["spec"].(string)
	if spec == "" {
		return nil, plume.NewBadRequest("job needs a cron spec")
	}
	schedule, err := specParser.Parse(spec)
	if err != nil {
		return nil, plume.NewBadRequest(fmt.Sprintf("invalid cron spec %q: %v", spec, err))
	}
	name, _ := entity["name"].(string)

	id, _ := entity["id"].(string)
	if id == "" {
		id = newID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return nil, plume.NewConflict(fmt.Sprintf("job %q already scheduled", id))
	}
	j := &job{id: id, name: name, spec: spec, createdAt: time.Now().UTC()}
	j.entry = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(id) }))
	s.jobs[id] = j
	return renderJob(j), nil
}

// Remove unschedules a job and returns its final state.
func (s *Service) Remove(_ context.Context, id string, _ plume.Params) (any, error) {
	if id == "" {
		return nil, plume.NewBadRequest("remove requires a job id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, id)
	return renderJob(j), nil
}

// fire records a run and emits the tick. A job removed between scheduling
// and firing is gone from the map, so its tick is dropped.
func (s *Service) fire(id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	j.runs++
	j.lastRun = time.Now().UTC()
	data := map[string]any{
		"id":      j.id,
		"name":    j.name,
		"spec":    j.spec,
		"runs":    j.runs,
		"firedAt": j.lastRun.Format(time.RFC3339Nano),
	}
	emit := s.emit
	s.mu.Unlock()

	if emit != nil {
		emit(EventTick, data)
	}
}

func renderJob(j *job) map[string]any {
	entity := map[string]any{
		"id":        j.id,
		"name":      j.name,
		"spec":      j.spec,
		"createdAt": j.createdAt.Format(time.RFC3339Nano),
		"runs":      j.runs,
	}
	if !j.lastRun.IsZero() {
		entity["lastRun"] = j.lastRun.Format(time.RFC3339Nano)
	}
	return entity
}

func notFound(id string) error {
	return plume.NewNotFound(fmt.Sprintf("no job with id %q", id))
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
