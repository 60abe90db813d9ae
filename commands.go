package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	box "github.com/Delta456/box-cli-maker/v2"
	"github.com/koblas/mockserver/pkg/accesslog"
	"github.com/koblas/mockserver/pkg/admin"
	"github.com/koblas/mockserver/pkg/config"
	"github.com/koblas/mockserver/pkg/supervisor"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

type serveCommand struct {
	Admin     string `short:"a" long:"admin" default:"127.0.0.1:7070" description:"Address the control API listens on"`
	Host      string `long:"host" default:"127.0.0.1" description:"Interface the mock server binds to (empty for all)"`
	Autostart bool   `short:"s" long:"autostart" description:"Start the mock server immediately"`
	AccessLog bool   `short:"l" long:"access-log" description:"Write every mock server request to the log"`
}

func (c *serveCommand) Execute([]string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, supervisor.WithHost(c.Host))
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", c.Admin)
	if err != nil {
		return errors.Wrapf(err, "control API on %s", c.Admin)
	}
	adminSrv := &http.Server{
		Handler:           admin.New(a.svc, a.log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := adminSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "control API")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), supervisor.DefaultGracePeriod+time.Second)
		defer cancel()

		if _, err := a.svc.Stop(shutdownCtx); err != nil {
			a.log.WithError(err).Warn("mock server did not stop cleanly")
		}
		return adminSrv.Shutdown(shutdownCtx)
	})

	if c.AccessLog {
		sub := a.svc.SubscribeLogs()
		g.Go(func() error {
			defer sub.Close()
			return logEntries(gctx, a, sub)
		})
	}

	lines := []string{fmt.Sprintf("- Control API:  http://%s", ln.Addr())}
	if c.Autostart {
		state, err := a.svc.Start(ctx)
		if err != nil {
			a.log.WithError(err).Error("mock server failed to start")
		} else {
			lines = append(lines, fmt.Sprintf("- Mock server:  http://%s", net.JoinHostPort(displayHost(c.Host), fmt.Sprint(state.Port))))
		}
	}
	lines = append(lines, fmt.Sprintf("- Store:        %s", a.store.Path()))

	bx := box.New(box.Config{Px: 4, Py: 1})
	bx.Println("Serving!", strings.Join(lines, "\n"))

	return g.Wait()
}

func displayHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "localhost"
	}
	return host
}

func logEntries(ctx context.Context, a *app, sub *accesslog.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.Entries():
			if !ok {
				return nil
			}
			entry := a.log.WithField("method", e.Method).
				WithField("path", e.Path).
				WithField("status", e.Status).
				WithField("elapsed_ms", e.ElapsedMs)
			if e.Size != nil {
				entry = entry.WithField("size", *e.Size)
			}
			entry.Info("request")
		}
	}
}

type mappingsListCommand struct{}

func (mappingsListCommand) Execute([]string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}

	mappings, err := a.svc.ListMappings(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVIRTUAL PATH\tLOCAL PATH\tENABLED")
	for _, m := range mappings {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\n", m.ID, m.VirtualPath, m.LocalPath, m.Enabled)
	}
	return tw.Flush()
}

type mappingsAddCommand struct {
	Args struct {
		VirtualPath string `positional-arg-name:"virtual-path" description:"URL prefix, e.g. /assets"`
		LocalPath   string `positional-arg-name:"local-path" description:"Directory to serve"`
	} `positional-args:"yes" required:"yes"`
	Disabled bool `long:"disabled" description:"Create the mapping disabled"`
}

func (c *mappingsAddCommand) Execute([]string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}

	m, err := a.svc.CreateMapping(ctx, c.Args.VirtualPath, c.Args.LocalPath)
	if err != nil {
		return err
	}
	if c.Disabled {
		enabled := false
		if m, err = a.svc.UpdateMapping(ctx, m.ID, config.MappingPatch{Enabled: &enabled}); err != nil {
			return err
		}
	}

	fmt.Printf("%d\t%s -> %s\n", m.ID, m.VirtualPath, m.LocalPath)
	return nil
}

type mappingsRemoveCommand struct {
	Args struct {
		ID int64 `positional-arg-name:"id"`
	} `positional-args:"yes" required:"yes"`
}

func (c *mappingsRemoveCommand) Execute([]string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	return a.svc.DeleteMapping(ctx, c.Args.ID)
}

type mappingsSetCommand struct {
	Args struct {
		ID int64 `positional-arg-name:"id"`
	} `positional-args:"yes" required:"yes"`
	VirtualPath *string `long:"virtual-path" description:"New URL prefix"`
	LocalPath   *string `long:"local-path" description:"New directory"`
	Enabled     *bool   `long:"enable" description:"Enable the mapping"`
	Disabled    *bool   `long:"disable" description:"Disable the mapping"`
}

func (c *mappingsSetCommand) Execute([]string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}

	patch := config.MappingPatch{VirtualPath: c.VirtualPath, LocalPath: c.LocalPath}
	switch {
	case c.Enabled != nil && c.Disabled != nil:
		return errors.New("--enable and --disable are exclusive")
	case c.Enabled != nil:
		patch.Enabled = c.Enabled
	case c.Disabled != nil:
		enabled := !*c.Disabled
		patch.Enabled = &enabled
	}

	m, err := a.svc.UpdateMapping(ctx, c.Args.ID, patch)
	if err != nil {
		return err
	}
	fmt.Printf("%d\t%s -> %s\tenabled=%t\n", m.ID, m.VirtualPath, m.LocalPath, m.Enabled)
	return nil
}

type configShowCommand struct {
	JSON bool `long:"json" description:"Print JSON instead of YAML"`
}

func (c *configShowCommand) Execute([]string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}

	cfg, err := a.svc.GetConfig(ctx)
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}
	return yaml.NewEncoder(os.Stdout).Encode(cfg)
}

type configSetCommand struct {
	Port        *int     `short:"p" long:"port" description:"Port the mock server listens on (0 for any free port)"`
	CorsMode    *string  `long:"cors-mode" choice:"simple" choice:"advanced" description:"CORS policy"`
	CorsOrigins []string `long:"cors-origin" description:"Allowed origin in advanced mode (repeatable)"`
	CorsMethods []string `long:"cors-method" description:"Allowed method in advanced mode (repeatable)"`
	CorsHeaders []string `long:"cors-header" description:"Allowed request header in advanced mode (repeatable)"`
	CorsMaxAge  *int     `long:"cors-max-age" description:"Preflight cache lifetime in seconds"`
	Listing     *bool    `long:"listing" description:"Render directory listings"`
	NoListing   *bool    `long:"no-listing" description:"Serve index.html or 404 for directories"`
	Unlisted    []string `long:"unlisted" description:"Glob of names hidden from listings (repeatable)"`
	Compression *bool    `long:"compression" description:"Gzip responses"`
	NoCompress  *bool    `long:"no-compression" description:"Disable gzip responses"`
}

func (c *configSetCommand) patch() config.ConfigPatch {
	p := config.ConfigPatch{
		Port:       c.Port,
		CorsMaxAge: c.CorsMaxAge,
	}
	if c.CorsMode != nil {
		mode := config.CorsMode(*c.CorsMode)
		p.CorsMode = &mode
	}
	if c.CorsOrigins != nil {
		p.CorsOrigins = &c.CorsOrigins
	}
	if c.CorsMethods != nil {
		p.CorsMethods = &c.CorsMethods
	}
	if c.CorsHeaders != nil {
		p.CorsHeaders = &c.CorsHeaders
	}
	if c.Unlisted != nil {
		p.Unlisted = &c.Unlisted
	}
	p.ShowDirectoryListing = toggle(c.Listing, c.NoListing)
	p.Compression = toggle(c.Compression, c.NoCompress)
	return p
}

// toggle folds an --x / --no-x flag pair into one optional value.
func toggle(on, off *bool) *bool {
	switch {
	case off != nil:
		v := !*off
		return &v
	case on != nil:
		return on
	}
	return nil
}

func (c *configSetCommand) Execute([]string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}

	cfg, err := a.svc.UpdateConfig(ctx, c.patch())
	if err != nil {
		return err
	}
	return yaml.NewEncoder(os.Stdout).Encode(cfg)
}
