package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/koblas/mockserver/pkg/accesslog"
	"github.com/koblas/mockserver/pkg/control"
	"github.com/koblas/mockserver/pkg/logging"
	"github.com/koblas/mockserver/pkg/store"
	"github.com/koblas/mockserver/pkg/supervisor"
	"github.com/sirupsen/logrus"
)

const version = "0.1.0"

type globalOptions struct {
	DataDir   string `short:"D" long:"data-dir" env:"MOCKSERVER_DATA_DIR" description:"Directory holding mockserver.yaml (default: user config dir)"`
	Debug     bool   `short:"d" long:"debug" description:"Shows debugging information"`
	LogFormat string `long:"log-format" choice:"text" choice:"json" default:"text" description:"Log output format"`
}

var opts globalOptions

func (o *globalOptions) logger() logrus.FieldLogger {
	return logging.New(o.Debug, o.LogFormat)
}

func (o *globalOptions) dataDir() (string, error) {
	if o.DataDir != "" {
		return o.DataDir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "mockserver"), nil
}

// app is everything a command needs to drive the control service.
type app struct {
	log   logrus.FieldLogger
	store *store.FileStore
	logs  *accesslog.Broadcaster
	sup   *supervisor.Supervisor
	svc   *control.Service
}

func openApp(ctx context.Context, supOpts ...supervisor.Option) (*app, error) {
	log := opts.logger()

	dir, err := opts.dataDir()
	if err != nil {
		return nil, err
	}
	st, err := store.OpenFileStore(dir)
	if err != nil {
		return nil, err
	}
	log.WithField("path", st.Path()).Debug("opened store")

	logs := accesslog.NewBroadcaster(accesslog.DefaultBufferSize)
	sup := supervisor.New(st, logs, append([]supervisor.Option{supervisor.WithLogger(log)}, supOpts...)...)
	svc := control.New(st, sup, logs, log)
	if err := svc.Init(ctx); err != nil {
		return nil, err
	}

	return &app{log: log, store: st, logs: logs, sup: sup, svc: svc}, nil
}

type versionCommand struct{}

func (versionCommand) Execute([]string) error {
	fmt.Println(version)
	return nil
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)

	mustAdd(parser.AddCommand("serve", "Run the control API and the mock server", "", &serveCommand{}))
	mustAdd(parser.AddCommand("version", "Display the current version", "", &versionCommand{}))

	mappings := mustAdd(parser.AddCommand("mappings", "Manage directory mappings", "", &struct{}{}))
	mustAdd(mappings.AddCommand("list", "List mappings", "", &mappingsListCommand{}))
	mustAdd(mappings.AddCommand("add", "Map a URL prefix to a directory", "", &mappingsAddCommand{}))
	mustAdd(mappings.AddCommand("rm", "Remove a mapping", "", &mappingsRemoveCommand{}))
	mustAdd(mappings.AddCommand("set", "Change a mapping", "", &mappingsSetCommand{}))

	cfg := mustAdd(parser.AddCommand("config", "Show or change the server config", "", &struct{}{}))
	mustAdd(cfg.AddCommand("show", "Print the stored config", "", &configShowCommand{}))
	mustAdd(cfg.AddCommand("set", "Change config fields", "", &configSetCommand{}))

	if _, err := parser.Parse(); err != nil {
		// flags.Default has already printed err.
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func mustAdd(cmd *flags.Command, err error) *flags.Command {
	if err != nil {
		panic(err)
	}
	return cmd
}
