package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koblas/mockserver/pkg/accesslog"
	"github.com/koblas/mockserver/pkg/config"
	"github.com/koblas/mockserver/pkg/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return uint16(port)
}

func docroot(t *testing.T, files map[string]string) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func newSupervisor(t *testing.T, port uint16) (*Supervisor, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := config.DefaultServerConfig()
	cfg.Port = port
	require.NoError(t, st.UpsertConfig(context.Background(), cfg))

	sup := New(st, accesslog.NewBroadcaster(16), WithGracePeriod(time.Second))
	t.Cleanup(func() { _, _ = sup.Stop(context.Background()) })
	return sup, st
}

func get(t *testing.T, port int, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestStartServesMappings(t *testing.T) {
	sup, st := newSupervisor(t, 0)
	dir := docroot(t, map[string]string{"hello.txt": "hi\n"})
	_, err := st.UpsertMapping(context.Background(), config.DirectoryMapping{VirtualPath: "/assets", LocalPath: dir, Enabled: true})
	require.NoError(t, err)

	state, err := sup.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.StatusRunning, state.Status)
	assert.NotZero(t, state.Port)
	assert.Equal(t, 1, state.MappingCount)
	require.NotNil(t, state.StartedAt)

	code, body := get(t, state.Port, "/assets/hello.txt")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hi\n", body)
}

func TestDoubleStart(t *testing.T) {
	port := freePort(t)
	sup, _ := newSupervisor(t, port)

	state, err := sup.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int(port), state.Port)

	state, err = sup.Start(context.Background())
	assert.Equal(t, ErrAlreadyRunning, err)
	assert.Equal(t, config.StatusRunning, state.Status)
	assert.Equal(t, int(port), state.Port)
}

func TestStopIsIdempotent(t *testing.T) {
	port := freePort(t)
	sup, _ := newSupervisor(t, port)

	state, err := sup.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.StatusStopped, state.Status)

	_, err = sup.Start(context.Background())
	require.NoError(t, err)

	state, err = sup.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.StatusStopped, state.Status)
	assert.Nil(t, state.StartedAt)
	assert.Equal(t, int(port), state.Port)

	state, err = sup.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.StatusStopped, state.Status)

	// The port is released and the server can come back on it.
	state, err = sup.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int(port), state.Port)
}

func TestBindError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	sup, _ := newSupervisor(t, uint16(busy.Addr().(*net.TCPAddr).Port))

	state, err := sup.Start(context.Background())
	require.Error(t, err)
	var bindErr *BindError
	assert.True(t, errors.As(err, &bindErr))
	assert.Equal(t, config.StatusStopped, state.Status)
	assert.NotEmpty(t, state.LastError)
	assert.Equal(t, Stopped, sup.Phase())
}

func TestReloadWhileStoppedIsNoop(t *testing.T) {
	sup, st := newSupervisor(t, 0)
	_, err := st.UpsertMapping(context.Background(), config.DirectoryMapping{VirtualPath: "/a", LocalPath: docroot(t, nil), Enabled: true})
	require.NoError(t, err)

	require.NoError(t, sup.Reload(context.Background()))
	assert.Equal(t, 0, sup.Routes().Len())
	assert.Equal(t, 0, sup.State().MappingCount)
}

func TestReloadSwapsRoutesAtomically(t *testing.T) {
	one := docroot(t, map[string]string{"f.txt": "one"})
	two := docroot(t, map[string]string{"f.txt": "two"})

	sup, st := newSupervisor(t, 0)
	m, err := st.UpsertMapping(context.Background(), config.DirectoryMapping{VirtualPath: "/x", LocalPath: one, Enabled: true})
	require.NoError(t, err)

	state, err := sup.Start(context.Background())
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		stop    atomic.Bool
		badResp atomic.Int64
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 5 * time.Second}
			for !stop.Load() {
				resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/x/f.txt", state.Port))
				if err != nil {
					badResp.Add(1)
					continue
				}
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK || (string(body) != "one" && string(body) != "two") {
					badResp.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			m.LocalPath = two
		} else {
			m.LocalPath = one
		}
		m, err = st.UpsertMapping(context.Background(), m)
		require.NoError(t, err)
		require.NoError(t, sup.Reload(context.Background()))
		time.Sleep(2 * time.Millisecond)
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, badResp.Load())
}

// gatedLoader holds the next LoadMappings call open until gate is closed.
type gatedLoader struct {
	*store.MemoryStore
	armed   atomic.Bool
	entered chan struct{}
	gate    chan struct{}
}

func (l *gatedLoader) LoadMappings(ctx context.Context) ([]config.DirectoryMapping, error) {
	mappings, err := l.MemoryStore.LoadMappings(ctx)
	if l.armed.CompareAndSwap(true, false) {
		close(l.entered)
		<-l.gate
	}
	return mappings, err
}

func TestSlowReloadDoesNotOverwriteNewer(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := config.DefaultServerConfig()
	cfg.Port = 0
	require.NoError(t, st.UpsertConfig(ctx, cfg))
	_, err := st.UpsertMapping(ctx, config.DirectoryMapping{VirtualPath: "/one", LocalPath: docroot(t, nil), Enabled: true})
	require.NoError(t, err)

	loader := &gatedLoader{MemoryStore: st, entered: make(chan struct{}), gate: make(chan struct{})}
	sup := New(loader, accesslog.NewBroadcaster(16), WithGracePeriod(time.Second))
	t.Cleanup(func() { _, _ = sup.Stop(context.Background()) })

	_, err = sup.Start(ctx)
	require.NoError(t, err)

	loader.armed.Store(true)
	slow := make(chan error, 1)
	go func() { slow <- sup.Reload(ctx) }()
	<-loader.entered

	_, err = st.UpsertMapping(ctx, config.DirectoryMapping{VirtualPath: "/two", LocalPath: docroot(t, nil), Enabled: true})
	require.NoError(t, err)
	fast := make(chan error, 1)
	go func() { fast <- sup.Reload(ctx) }()

	time.Sleep(50 * time.Millisecond)
	close(loader.gate)

	require.NoError(t, <-slow)
	require.NoError(t, <-fast)
	assert.Equal(t, 2, sup.Routes().Len())
	assert.Equal(t, 2, sup.State().MappingCount)
}

type unreadableStore struct {
	*store.MemoryStore
}

func (unreadableStore) LoadMappings(context.Context) ([]config.DirectoryMapping, error) {
	return nil, errors.New("disk on fire")
}

func TestStartReportsStoreFailure(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := config.DefaultServerConfig()
	cfg.Port = 0
	require.NoError(t, st.UpsertConfig(context.Background(), cfg))

	sup := New(unreadableStore{st}, accesslog.NewBroadcaster(16))

	state, err := sup.Start(context.Background())
	require.Error(t, err)
	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "load mappings", storeErr.Op)
	assert.Equal(t, config.StatusStopped, state.Status)
	assert.Contains(t, state.LastError, "disk on fire")
	assert.Equal(t, Stopped, sup.Phase())
}

// rawStatus sends a request with one header of the given size and returns
// the response status line.
func rawStatus(t *testing.T, port, headerSize int) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	req := "GET /missing HTTP/1.1\r\nHost: localhost\r\nX-Big: " + strings.Repeat("a", headerSize) + "\r\nConnection: close\r\n\r\n"
	_, err = io.WriteString(conn, req)
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

func TestHeadersOverEightKiBAreRejected(t *testing.T) {
	sup, _ := newSupervisor(t, 0)
	state, err := sup.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "HTTP/1.1 404 Not Found", rawStatus(t, state.Port, 6*1024))
	for _, size := range []int{9 * 1024, 11 * 1024} {
		assert.True(t, strings.HasPrefix(rawStatus(t, state.Port, size), "HTTP/1.1 431"), "size %d", size)
	}
}

func TestApplyConfigIsLive(t *testing.T) {
	sup, st := newSupervisor(t, 0)
	dir := docroot(t, map[string]string{"f.txt": "f"})
	_, err := st.UpsertMapping(context.Background(), config.DirectoryMapping{VirtualPath: "/d", LocalPath: dir, Enabled: true})
	require.NoError(t, err)

	state, err := sup.Start(context.Background())
	require.NoError(t, err)

	code, _ := get(t, state.Port, "/d/")
	assert.Equal(t, http.StatusOK, code)

	cfg := sup.Config().Clone()
	cfg.ShowDirectoryListing = false
	sup.ApplyConfig(cfg)

	code, _ = get(t, state.Port, "/d/")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStoppedStateReportsConfiguredPort(t *testing.T) {
	sup, _ := newSupervisor(t, 0)
	cfg := config.DefaultServerConfig()
	cfg.Port = 9123
	sup.ApplyConfig(cfg)

	state := sup.State()
	assert.Equal(t, config.StatusStopped, state.Status)
	assert.Equal(t, 9123, state.Port)
	assert.Nil(t, state.StartedAt)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
}
