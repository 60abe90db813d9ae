// Package control is the command layer a front end drives: lifecycle,
// configuration and mapping operations plus the access log feed.
package control

import (
	"context"
	"strconv"
	"sync"

	"github.com/koblas/mockserver/pkg/accesslog"
	"github.com/koblas/mockserver/pkg/config"
	"github.com/koblas/mockserver/pkg/logging"
	"github.com/koblas/mockserver/pkg/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Server is the slice of the supervisor the control layer needs.
type Server interface {
	Start(ctx context.Context) (config.ServerState, error)
	Stop(ctx context.Context) (config.ServerState, error)
	State() config.ServerState
	ApplyConfig(cfg config.ServerConfig)
	Reload(ctx context.Context) error
}

type Service struct {
	// mu serializes config and mapping mutations so a uniqueness check and
	// the write that follows it can't interleave with another mutation.
	mu sync.Mutex

	store  store.Store
	server Server
	logs   *accesslog.Broadcaster
	log    logrus.FieldLogger
}

func New(st store.Store, server Server, logs *accesslog.Broadcaster, log logrus.FieldLogger) *Service {
	return &Service{
		store:  st,
		server: server,
		logs:   logs,
		log:    logging.OrNop(log),
	}
}

// Init publishes the stored config to the server so a stopped server reports
// the configured port.
func (s *Service) Init(ctx context.Context) error {
	cfg, err := s.store.LoadConfig(ctx)
	if err != nil {
		return persistenceError(errors.Wrap(err, "load config"))
	}
	s.server.ApplyConfig(cfg)
	return nil
}

func (s *Service) GetState(ctx context.Context) config.ServerState {
	return s.server.State()
}

func (s *Service) Start(ctx context.Context) (config.ServerState, error) {
	state, err := s.server.Start(ctx)
	return state, asControlError(err)
}

func (s *Service) Stop(ctx context.Context) (config.ServerState, error) {
	state, err := s.server.Stop(ctx)
	return state, asControlError(err)
}

func (s *Service) GetConfig(ctx context.Context) (config.ServerConfig, error) {
	cfg, err := s.store.LoadConfig(ctx)
	if err != nil {
		return config.ServerConfig{}, persistenceError(errors.Wrap(err, "load config"))
	}
	return cfg, nil
}

// UpdateConfig merges patch into the stored config. Policy fields apply to
// the next request; a port change applies on the next start.
func (s *Service) UpdateConfig(ctx context.Context, patch config.ConfigPatch) (config.ServerConfig, error) {
	if err := config.ValidatePatch(patch); err != nil {
		return config.ServerConfig{}, asControlError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.LoadConfig(ctx)
	if err != nil {
		return config.ServerConfig{}, persistenceError(errors.Wrap(err, "load config"))
	}

	next := patch.Apply(current)
	if err := config.ValidateConfig(next); err != nil {
		return config.ServerConfig{}, asControlError(err)
	}

	if err := s.store.UpsertConfig(ctx, next); err != nil {
		return config.ServerConfig{}, persistenceError(errors.Wrap(err, "save config"))
	}
	s.server.ApplyConfig(next)

	if patch.Port != nil && int(current.Port) != *patch.Port {
		s.log.WithField("port", next.Port).Info("port change applies on next start")
	}

	return next, nil
}

func (s *Service) ListMappings(ctx context.Context) ([]config.DirectoryMapping, error) {
	mappings, err := s.store.LoadMappings(ctx)
	if err != nil {
		return nil, persistenceError(errors.Wrap(err, "load mappings"))
	}
	return mappings, nil
}

// CreateMapping adds an enabled mapping from virtualPath to localPath.
func (s *Service) CreateMapping(ctx context.Context, virtualPath, localPath string) (config.DirectoryMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.LoadMappings(ctx)
	if err != nil {
		return config.DirectoryMapping{}, persistenceError(errors.Wrap(err, "load mappings"))
	}

	m, err := prepareMapping(config.DirectoryMapping{
		VirtualPath: virtualPath,
		LocalPath:   localPath,
		Enabled:     true,
	}, existing, true)
	if err != nil {
		return config.DirectoryMapping{}, asControlError(err)
	}

	m, err = s.store.UpsertMapping(ctx, m)
	if err != nil {
		return config.DirectoryMapping{}, persistenceError(errors.Wrap(err, "save mapping"))
	}

	s.log.WithField("id", m.ID).WithField("virtual_path", m.VirtualPath).Info("mapping created")
	s.reload(ctx)
	return m, nil
}

// UpdateMapping overlays patch on mapping id. The local path is checked when
// it changes or the mapping is being enabled; disabling never touches disk.
func (s *Service) UpdateMapping(ctx context.Context, id int64, patch config.MappingPatch) (config.DirectoryMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.LoadMappings(ctx)
	if err != nil {
		return config.DirectoryMapping{}, persistenceError(errors.Wrap(err, "load mappings"))
	}

	var current *config.DirectoryMapping
	for i := range existing {
		if existing[i].ID == id {
			current = &existing[i]
			break
		}
	}
	if current == nil {
		return config.DirectoryMapping{}, notFound(id)
	}

	checkLocal := patch.LocalPath != nil || (patch.Enabled != nil && *patch.Enabled)
	m, err := prepareMapping(patch.Apply(*current), existing, checkLocal)
	if err != nil {
		return config.DirectoryMapping{}, asControlError(err)
	}

	m, err = s.store.UpsertMapping(ctx, m)
	if err != nil {
		return config.DirectoryMapping{}, persistenceError(errors.Wrap(err, "save mapping"))
	}

	s.log.WithField("id", m.ID).Info("mapping updated")
	s.reload(ctx)
	return m, nil
}

func (s *Service) DeleteMapping(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteMapping(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound(id)
		}
		return persistenceError(errors.Wrap(err, "delete mapping"))
	}

	s.log.WithField("id", id).Info("mapping deleted")
	s.reload(ctx)
	return nil
}

// SubscribeLogs opens a feed of access log entries. Close the subscription
// when the consumer goes away.
func (s *Service) SubscribeLogs() *accesslog.Subscription {
	return s.logs.Subscribe()
}

// reload asks the server to pick up the stored mappings. The mutation has
// already been persisted, so a failure here is only logged.
func (s *Service) reload(ctx context.Context) {
	if err := s.server.Reload(ctx); err != nil {
		s.log.WithError(err).Warn("mapping reload failed")
	}
}

func notFound(id int64) *ControlError {
	return newError(CodeNotFound, errors.Wrap(store.ErrNotFound, "mapping "+strconv.FormatInt(id, 10)))
}

// prepareMapping normalizes m and checks it against the other mappings.
func prepareMapping(m config.DirectoryMapping, existing []config.DirectoryMapping, checkLocal bool) (config.DirectoryMapping, error) {
	if err := config.ValidateMapping(m); err != nil {
		return m, err
	}

	vpath, err := config.NormalizeVirtualPath(m.VirtualPath)
	if err != nil {
		return m, err
	}
	m.VirtualPath = vpath

	if checkLocal {
		local, err := config.CanonicalLocalPath(m.LocalPath)
		if err != nil {
			return m, err
		}
		m.LocalPath = local
	}

	for _, other := range existing {
		if other.ID == m.ID {
			continue
		}
		if normalized, err := config.NormalizeVirtualPath(other.VirtualPath); err == nil && normalized == vpath {
			return m, &config.ValidationError{
				Field:   "virtual_path",
				Message: "virtual path " + vpath + " is already mapped",
			}
		}
	}

	return m, nil
}
