package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koblas/mockserver/pkg/accesslog"
	"github.com/koblas/mockserver/pkg/config"
	"github.com/koblas/mockserver/pkg/store"
	"github.com/koblas/mockserver/pkg/supervisor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) UpsertMapping(context.Context, config.DirectoryMapping) (config.DirectoryMapping, error) {
	return config.DirectoryMapping{}, errors.New("disk full")
}

func (failingStore) UpsertConfig(context.Context, config.ServerConfig) error {
	return errors.New("disk full")
}

type unreadableStore struct {
	*store.MemoryStore
}

func (unreadableStore) LoadMappings(context.Context) ([]config.DirectoryMapping, error) {
	return nil, errors.New("permission denied")
}

func dir(t *testing.T) string {
	t.Helper()
	d, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return d
}

func newService(t *testing.T, st store.Store) (*Service, *supervisor.Supervisor) {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	cfg, err := st.LoadConfig(context.Background())
	require.NoError(t, err)
	cfg.Port = 0
	_ = st.UpsertConfig(context.Background(), cfg)

	logs := accesslog.NewBroadcaster(16)
	sup := supervisor.New(st, logs, supervisor.WithGracePeriod(time.Second))
	t.Cleanup(func() { _, _ = sup.Stop(context.Background()) })

	svc := New(st, sup, logs, nil)
	require.NoError(t, svc.Init(context.Background()))
	return svc, sup
}

func ptr[T any](v T) *T { return &v }

func TestCreateAndListMappings(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)
	local := dir(t)

	m, err := svc.CreateMapping(ctx, "/assets//", local)
	require.NoError(t, err)
	assert.NotZero(t, m.ID)
	assert.Equal(t, "/assets", m.VirtualPath)
	assert.Equal(t, local, m.LocalPath)
	assert.True(t, m.Enabled)

	list, err := svc.ListMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []config.DirectoryMapping{m}, list)
}

func TestCreateMappingValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)
	local := dir(t)
	file := filepath.Join(local, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("f"), 0o644))

	cases := []struct {
		name  string
		vpath string
		lpath string
	}{
		{"relative virtual path", "assets", local},
		{"dot segment", "/a/../b", local},
		{"non ascii", "/café", local},
		{"missing local path", "/a", filepath.Join(local, "nope")},
		{"local path is a file", "/a", file},
		{"empty local path", "/a", ""},
	}

	for _, tc := range cases {
		_, err := svc.CreateMapping(ctx, tc.vpath, tc.lpath)
		require.Error(t, err, tc.name)
		assert.Equal(t, CodeValidation, CodeOf(err), tc.name)
	}

	list, err := svc.ListMappings(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestVirtualPathUniqueness(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)
	local := dir(t)

	first, err := svc.CreateMapping(ctx, "/a", local)
	require.NoError(t, err)
	second, err := svc.CreateMapping(ctx, "/b", local)
	require.NoError(t, err)

	before, err := svc.ListMappings(ctx)
	require.NoError(t, err)

	_, err = svc.CreateMapping(ctx, "/a/", local)
	assert.Equal(t, CodeValidation, CodeOf(err))

	_, err = svc.UpdateMapping(ctx, second.ID, config.MappingPatch{VirtualPath: ptr("//a")})
	assert.Equal(t, CodeValidation, CodeOf(err))

	after, err := svc.ListMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Re-saving a mapping under its own path is not a collision.
	_, err = svc.UpdateMapping(ctx, first.ID, config.MappingPatch{VirtualPath: ptr("/a")})
	assert.NoError(t, err)
}

func TestUpdateMapping(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)
	a, b := dir(t), dir(t)

	m, err := svc.CreateMapping(ctx, "/a", a)
	require.NoError(t, err)

	updated, err := svc.UpdateMapping(ctx, m.ID, config.MappingPatch{LocalPath: ptr(b), Enabled: ptr(false)})
	require.NoError(t, err)
	assert.Equal(t, m.ID, updated.ID)
	assert.Equal(t, b, updated.LocalPath)
	assert.False(t, updated.Enabled)

	_, err = svc.UpdateMapping(ctx, 999, config.MappingPatch{Enabled: ptr(true)})
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestDisableMappingWithMissingDirectory(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)
	parent := dir(t)
	local := filepath.Join(parent, "gone")
	require.NoError(t, os.Mkdir(local, 0o755))

	m, err := svc.CreateMapping(ctx, "/g", local)
	require.NoError(t, err)
	require.NoError(t, os.Remove(local))

	_, err = svc.UpdateMapping(ctx, m.ID, config.MappingPatch{Enabled: ptr(false)})
	assert.NoError(t, err)

	_, err = svc.UpdateMapping(ctx, m.ID, config.MappingPatch{Enabled: ptr(true)})
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestDeleteMapping(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)

	m, err := svc.CreateMapping(ctx, "/a", dir(t))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteMapping(ctx, m.ID))
	assert.Equal(t, CodeNotFound, CodeOf(svc.DeleteMapping(ctx, m.ID)))

	list, err := svc.ListMappings(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdateConfig(t *testing.T) {
	ctx := context.Background()
	svc, sup := newService(t, nil)

	cfg, err := svc.UpdateConfig(ctx, config.ConfigPatch{
		CorsMode:    ptr(config.CorsAdvanced),
		CorsOrigins: ptr([]string{"http://app"}),
		CorsMaxAge:  ptr(60),
	})
	require.NoError(t, err)
	assert.Equal(t, config.CorsAdvanced, cfg.CorsMode)
	assert.Equal(t, 60, cfg.CorsMaxAge)
	assert.True(t, cfg.ShowDirectoryListing)

	// The live cell sees the change without a restart.
	assert.Equal(t, config.CorsAdvanced, sup.Config().CorsMode)

	stored, err := svc.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg, stored)

	for _, patch := range []config.ConfigPatch{
		{CorsMaxAge: ptr(-1)},
		{Port: ptr(70000)},
		{Port: ptr(-5)},
		{CorsMode: ptr(config.CorsMode("loose"))},
	} {
		_, err := svc.UpdateConfig(ctx, patch)
		assert.Equal(t, CodeValidation, CodeOf(err))
	}

	after, err := svc.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg, after)
}

func TestPortChangeWaitsForRestart(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)

	state, err := svc.Start(ctx)
	require.NoError(t, err)
	bound := state.Port

	_, err = svc.UpdateConfig(ctx, config.ConfigPatch{Port: ptr(bound + 1)})
	require.NoError(t, err)
	assert.Equal(t, bound, svc.GetState(ctx).Port)
}

func TestLifecycleErrors(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)

	state, err := svc.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.StatusStopped, state.Status)

	_, err = svc.Start(ctx)
	require.NoError(t, err)

	state, err = svc.Start(ctx)
	assert.Equal(t, CodeAlreadyRunning, CodeOf(err))
	assert.Equal(t, config.StatusRunning, state.Status)

	state, err = svc.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.StatusStopped, state.Status)
}

func TestBindErrorCode(t *testing.T) {
	ctx := context.Background()
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	svc, _ := newService(t, nil)
	_, err = svc.UpdateConfig(ctx, config.ConfigPatch{Port: ptr(busy.Addr().(*net.TCPAddr).Port)})
	require.NoError(t, err)

	state, err := svc.Start(ctx)
	assert.Equal(t, CodeBindError, CodeOf(err))
	assert.Equal(t, config.StatusStopped, state.Status)
}

func TestPersistenceErrorLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, failingStore{store.NewMemoryStore()})

	_, err := svc.CreateMapping(ctx, "/a", dir(t))
	assert.Equal(t, CodePersistence, CodeOf(err))

	_, err = svc.UpdateConfig(ctx, config.ConfigPatch{CorsMaxAge: ptr(1)})
	assert.Equal(t, CodePersistence, CodeOf(err))

	list, err := svc.ListMappings(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	cfg, err := svc.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultCorsMaxAge, cfg.CorsMaxAge)
}

func TestStartWithUnreadableStore(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, unreadableStore{store.NewMemoryStore()})

	state, err := svc.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, CodePersistence, CodeOf(err))
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, config.StatusStopped, state.Status)
	assert.Equal(t, config.StatusStopped, svc.GetState(ctx).Status)
}

func TestMappingChangesReachRunningServer(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)
	local := dir(t)
	require.NoError(t, os.WriteFile(filepath.Join(local, "hello.txt"), []byte("hi\n"), 0o644))

	state, err := svc.Start(ctx)
	require.NoError(t, err)
	url := fmt.Sprintf("http://127.0.0.1:%d/assets/hello.txt", state.Port)

	sub := svc.SubscribeLogs()
	defer sub.Close()

	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	m, err := svc.CreateMapping(ctx, "/assets", local)
	require.NoError(t, err)
	assert.Equal(t, 1, svc.GetState(ctx).MappingCount)

	resp, err = http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, svc.DeleteMapping(ctx, m.ID))
	assert.Equal(t, 0, svc.GetState(ctx).MappingCount)

	statuses := []int{}
	for len(statuses) < 2 {
		select {
		case e := <-sub.Entries():
			statuses = append(statuses, e.Status)
		case <-time.After(2 * time.Second):
			t.Fatal("missing log entry")
		}
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusOK}, statuses)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, CodeNotFound, CodeOf(errors.Wrap(store.ErrNotFound, "mapping 3")))
	assert.Equal(t, CodeBusy, CodeOf(supervisor.ErrBusy))
	assert.Equal(t, CodeValidation, CodeOf(&config.ValidationError{Field: "port", Message: "bad"}))
	assert.Equal(t, CodePersistence, CodeOf(&supervisor.StoreError{Op: "load config", Err: errors.New("eof")}))

	cerr := persistenceError(errors.New("disk full"))
	assert.Equal(t, CodePersistence, CodeOf(errors.Wrap(cerr, "context")))
	assert.Equal(t, "disk full", cerr.Error())
}
