// Package service implements the environment lifecycle: create, list, get and
// delete on top of the record store, the renderer and the compose driver.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/web-casa/dad/internal/compose"
	"github.com/web-casa/dad/internal/event"
	"github.com/web-casa/dad/internal/model"
)

// Store is the durable record map.
type Store interface {
	Put(rec *model.Environment) error
	Get(id string) (*model.Environment, error)
	List() []*model.Environment
	Delete(id string) error
	ArtifactDir(id string) string
	WriteArtifacts(id string, files map[string][]byte) error
	RemoveArtifacts(id string) error
}

// Orchestrator brings compose projects up and down.
type Orchestrator interface {
	Up(ctx context.Context, project, dir string) error
	Down(ctx context.Context, project, dir string) error
	Logs(ctx context.Context, project, dir string, tail int) (string, error)
	LogsFollow(ctx context.Context, project, dir string, tail int) (io.ReadCloser, error)
}

// Inspector reports the live containers of a compose project.
type Inspector interface {
	Inspect(ctx context.Context, project, dir string) ([]model.Endpoint, error)
}

// Options tunes an EnvironmentService.
type Options struct {
	HostPortBase   int           // first published host port, 0 = assigned by Docker
	InspectTimeout time.Duration // bound for each live container query
}

const (
	defaultInspectTimeout = 10 * time.Second
	defaultLogTail        = 200
	maxLogTail            = 5000
	maxNameLength         = 128

	interruptedDetail = "interrupted during creation"
)

// DeleteResult reports the outcome of a delete. Warning carries the teardown
// diagnostic when compose down failed.
type DeleteResult struct {
	ID      string `json:"id"`
	Warning string `json:"warning,omitempty"`
}

// EnvironmentService owns every status change of every environment.
type EnvironmentService struct {
	store     Store
	renderer  *compose.Renderer
	orch      Orchestrator
	inspector Inspector
	bus       *event.Bus
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewEnvironmentService wires the lifecycle manager. bus may be nil.
func NewEnvironmentService(st Store, renderer *compose.Renderer, orch Orchestrator, inspector Inspector, bus *event.Bus, opts Options, logger *slog.Logger) *EnvironmentService {
	if opts.InspectTimeout <= 0 {
		opts.InspectTimeout = defaultInspectTimeout
	}
	return &EnvironmentService{
		store:     st,
		renderer:  renderer,
		orch:      orch,
		inspector: inspector,
		bus:       bus,
		opts:      opts,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

type createInput struct {
	name     string
	kind     model.DBKind
	version  string
	topology model.Topology
}

func validate(req model.CreateEnvironmentRequest) (createInput, error) {
	kind, ok := model.ParseDBKind(req.DBType)
	if !ok {
		return createInput{}, fmt.Errorf("%w: unsupported db_type %q", ErrValidation, req.DBType)
	}
	topology, ok := model.ParseTopology(req.ReplicationType)
	if !ok {
		return createInput{}, fmt.Errorf("%w: unsupported replication_type %q", ErrValidation, req.ReplicationType)
	}
	version := strings.TrimSpace(req.DBVersion)
	if version == "" {
		return createInput{}, fmt.Errorf("%w: db_version is required", ErrValidation)
	}
	if !compose.ValidVersion(version) {
		return createInput{}, fmt.Errorf("%w: db_version %q is not a valid image tag", ErrValidation, version)
	}
	name := strings.TrimSpace(req.Name)
	if len(name) > maxNameLength {
		return createInput{}, fmt.Errorf("%w: name longer than %d characters", ErrValidation, maxNameLength)
	}
	return createInput{name: name, kind: kind, version: version, topology: topology}, nil
}

// Create validates req, records a new environment and blocks until compose
// up finished or failed. The returned record is running or error. A non-nil
// error alongside a record means rendering failed; the record stays stored.
func (s *EnvironmentService) Create(ctx context.Context, req model.CreateEnvironmentRequest) (*model.Environment, error) {
	in, err := validate(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rec, err := s.begin(in)
	if err != nil {
		return nil, err
	}
	defer s.untrack(rec.ID)
	// A client hanging up must not abandon a half-started project.
	return s.provision(context.WithoutCancel(ctx), rec, in, start)
}

// CreateAsync validates req, records the environment as creating and finishes
// provisioning in the background. Wait drains pending creations.
func (s *EnvironmentService) CreateAsync(req model.CreateEnvironmentRequest) (*model.Environment, error) {
	in, err := validate(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rec, err := s.begin(in)
	if err != nil {
		return nil, err
	}
	snapshot := rec.Clone()

	go func() {
		defer s.untrack(rec.ID)
		if _, err := s.provision(context.Background(), rec, in, start); err != nil {
			s.logger.Warn("background create failed", "id", rec.ID, "err", err)
		}
	}()
	return snapshot, nil
}

// Wait blocks until every pending creation finished or ctx is done.
func (s *EnvironmentService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin stores the creating record and marks it in flight.
func (s *EnvironmentService) begin(in createInput) (*model.Environment, error) {
	creds, err := compose.NewCredentials()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	name := in.name
	if name == "" {
		name = id
	}
	rec := &model.Environment{
		ID:          id,
		Name:        name,
		DBKind:      in.kind,
		DBVersion:   in.version,
		Topology:    in.topology,
		Status:      model.StatusCreating,
		Containers:  []string{},
		Credentials: creds,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Put(rec); err != nil {
		return nil, fmt.Errorf("persist environment: %w", err)
	}
	s.track(id)

	s.logger.Info("environment created", "id", id, "db_type", in.kind, "db_version", in.version, "replication_type", in.topology)
	s.publish(event.Event{
		Type:          event.EnvironmentCreated,
		EnvironmentID: id,
		Status:        model.StatusCreating,
		Detail:        fmt.Sprintf("%s:%s %s", in.kind, in.version, in.topology),
	})
	return rec, nil
}

func (s *EnvironmentService) provision(ctx context.Context, rec *model.Environment, in createInput, start time.Time) (*model.Environment, error) {
	payload, err := s.renderer.Render(compose.Input{
		Kind:         in.kind,
		Version:      in.version,
		Topology:     in.topology,
		Namespace:    rec.ID,
		Credentials:  rec.Credentials,
		HostPortBase: s.opts.HostPortBase,
	})
	if err != nil {
		s.transition(rec, model.StatusError, "render: "+err.Error(), start)
		return rec, fmt.Errorf("render environment %s: %w", rec.ID, err)
	}
	if err := s.store.WriteArtifacts(rec.ID, payload.Files); err != nil {
		s.transition(rec, model.StatusError, "write artifacts: "+err.Error(), start)
		return rec, nil
	}

	dir := s.store.ArtifactDir(rec.ID)
	if err := s.orch.Up(ctx, rec.ID, dir); err != nil {
		s.logger.Error("compose up failed", "id", rec.ID, "err", err)
		s.transition(rec, model.StatusError, err.Error(), start)
		return rec, nil
	}

	endpoints, err := s.inspect(ctx, rec.ID)
	if err != nil {
		s.logger.Warn("cannot list containers after start", "id", rec.ID, "err", err)
		rec.Containers = projectContainers(payload.Project)
	} else {
		rec.Containers = containerNames(endpoints)
		rec.Endpoints = endpoints
	}
	s.transition(rec, model.StatusRunning, "", start)
	return rec, nil
}

// transition moves rec to next, persists it and publishes the change. Illegal
// transitions are logged and ignored.
func (s *EnvironmentService) transition(rec *model.Environment, next model.Status, detail string, start time.Time) {
	prev := rec.Status
	if !prev.CanTransition(next) {
		s.logger.Error("illegal status transition", "id", rec.ID, "from", prev, "to", next)
		return
	}
	rec.Status = next
	rec.UpdatedAt = time.Now().UTC()
	rec.ErrorDetail = ""
	if next == model.StatusError {
		rec.ErrorDetail = detail
	}
	if !next.HasContainers() {
		rec.Containers = []string{}
		rec.Endpoints = nil
	}
	if err := s.store.Put(rec); err != nil {
		s.logger.Error("persist status change failed", "id", rec.ID, "status", next, "err", err)
	}

	ev := event.Event{
		Type:          event.EnvironmentStatusChanged,
		EnvironmentID: rec.ID,
		Status:        next,
		Previous:      prev,
		Detail:        detail,
	}
	if prev == model.StatusCreating && !start.IsZero() {
		ev.Duration = time.Since(start)
	}
	s.logger.Info("environment status changed", "id", rec.ID, "from", prev, "to", next)
	s.publish(ev)
}

// List returns every record, including failed ones.
func (s *EnvironmentService) List(ctx context.Context) []*model.Environment {
	records := s.store.List()
	for _, rec := range records {
		s.refresh(ctx, rec)
	}
	return records
}

// Get returns one record or ErrNotFound.
func (s *EnvironmentService) Get(ctx context.Context, id string) (*model.Environment, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, rec)
	return rec, nil
}

// refresh replaces the stored container list with the live one. The status
// itself always comes from the store. The result is not written back.
func (s *EnvironmentService) refresh(ctx context.Context, rec *model.Environment) {
	if !rec.Status.HasContainers() {
		return
	}
	endpoints, err := s.inspect(ctx, rec.ID)
	if err != nil {
		s.logger.Debug("live container query failed, using stored list", "id", rec.ID, "err", err)
		return
	}
	rec.Endpoints = endpoints
	rec.Containers = containerNames(endpoints)
}

func (s *EnvironmentService) inspect(ctx context.Context, id string) ([]model.Endpoint, error) {
	if s.inspector == nil {
		return nil, errors.New("no container inspector configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.InspectTimeout)
	defer cancel()
	return s.inspector.Inspect(ctx, id, s.store.ArtifactDir(id))
}

// Delete tears the environment down and removes its artifacts and record.
// A failed compose down does not stop the removal; it is reported as a warning.
func (s *EnvironmentService) Delete(ctx context.Context, id string) (*DeleteResult, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if s.isInflight(id) {
		return nil, fmt.Errorf("%w: %s", ErrInProgress, id)
	}
	ctx = context.WithoutCancel(ctx)
	res := &DeleteResult{ID: id}

	dir := s.store.ArtifactDir(id)
	if hasComposeFile(dir) {
		if err := s.orch.Down(ctx, id, dir); err != nil {
			s.logger.Warn("compose down failed, removing environment anyway", "id", id, "err", err)
			res.Warning = err.Error()
		} else if rec.Status.CanTransition(model.StatusStopped) {
			s.transition(rec, model.StatusStopped, "", time.Time{})
		}
	} else {
		s.logger.Debug("no compose project on disk, skipping teardown", "id", id)
	}

	if err := s.store.RemoveArtifacts(id); err != nil {
		s.logger.Warn("remove artifacts failed", "id", id, "err", err)
		res.Warning = joinWarning(res.Warning, "remove artifacts: "+err.Error())
	}
	if err := s.store.Delete(id); err != nil {
		return nil, fmt.Errorf("delete record %s: %w", id, err)
	}

	s.logger.Info("environment deleted", "id", id)
	s.publish(event.Event{
		Type:          event.EnvironmentDeleted,
		EnvironmentID: id,
		Status:        rec.Status,
		Detail:        res.Warning,
	})
	return res, nil
}

// Logs returns the last tail lines of the environment's container output.
func (s *EnvironmentService) Logs(ctx context.Context, id string, tail int) (string, error) {
	dir, err := s.deployment(id)
	if err != nil {
		return "", err
	}
	return s.orch.Logs(ctx, id, dir, clampTail(tail))
}

// LogsFollow streams the environment's container output until the reader is
// closed or ctx is done.
func (s *EnvironmentService) LogsFollow(ctx context.Context, id string, tail int) (io.ReadCloser, error) {
	dir, err := s.deployment(id)
	if err != nil {
		return nil, err
	}
	return s.orch.LogsFollow(ctx, id, dir, clampTail(tail))
}

func (s *EnvironmentService) deployment(id string) (string, error) {
	if _, err := s.store.Get(id); err != nil {
		return "", err
	}
	dir := s.store.ArtifactDir(id)
	if !hasComposeFile(dir) {
		return "", fmt.Errorf("%w: %s", ErrNotDeployed, id)
	}
	return dir, nil
}

// Reconcile settles records left in creating by a previous process. Records
// whose containers are running become running, all others become error.
// It returns the number of records changed.
func (s *EnvironmentService) Reconcile(ctx context.Context) int {
	changed := 0
	for _, rec := range s.store.List() {
		if rec.Status != model.StatusCreating || s.isInflight(rec.ID) {
			continue
		}
		endpoints, err := s.inspect(ctx, rec.ID)
		if err == nil && anyRunning(endpoints) {
			rec.Containers = containerNames(endpoints)
			s.transition(rec, model.StatusRunning, "", time.Time{})
		} else {
			if err != nil {
				s.logger.Warn("cannot probe interrupted environment", "id", rec.ID, "err", err)
			}
			s.transition(rec, model.StatusError, interruptedDetail, time.Time{})
		}
		changed++
	}
	if changed > 0 {
		s.logger.Info("reconciled interrupted environments", "count", changed)
	}
	return changed
}

// Catalog lists the supported database/topology combinations.
func (s *EnvironmentService) Catalog() []compose.Key {
	return s.renderer.Catalog()
}

func (s *EnvironmentService) track(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[id] = struct{}{}
	s.wg.Add(1)
}

func (s *EnvironmentService) untrack(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *EnvironmentService) isInflight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

func (s *EnvironmentService) publish(e event.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func hasComposeFile(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, compose.ComposeFile))
	return err == nil
}

func containerNames(endpoints []model.Endpoint) []string {
	names := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		names = append(names, ep.Container)
	}
	return names
}

func projectContainers(p *compose.Project) []string {
	names := make([]string, 0, len(p.Services))
	for _, role := range []string{compose.RoleSource, compose.RoleReplica} {
		if svc, ok := p.Services[role]; ok {
			names = append(names, svc.ContainerName)
		}
	}
	return names
}

func anyRunning(endpoints []model.Endpoint) bool {
	for _, ep := range endpoints {
		if ep.State == "running" {
			return true
		}
	}
	return false
}

func clampTail(tail int) int {
	switch {
	case tail <= 0:
		return defaultLogTail
	case tail > maxLogTail:
		return maxLogTail
	}
	return tail
}

func joinWarning(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
