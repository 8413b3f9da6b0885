// cmd/bk/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// bk makes deduplicated, encrypted backups of files, folders and volumes.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/mmp/bkcas/backup"
	"github.com/mmp/bkcas/config"
	"github.com/mmp/bkcas/container"
	"github.com/mmp/bkcas/manifest"
	"github.com/mmp/bkcas/storage"
	u "github.com/mmp/bkcas/util"
)

var log *u.Logger

var cli struct {
	Config  string `help:"YAML configuration file." type:"path" env:"BK_CONFIG"`
	DotEnv  string `name:"dotenv" help:"File with BK_* environment settings." default:".env"`
	Verbose bool   `short:"v" help:"Report progress."`
	Debug   bool   `help:"Print debugging output."`
	JSON    bool   `help:"Log JSON objects rather than text."`

	Backup  backupCmd  `cmd:"" help:"Back up files and folders."`
	Volume  volumeCmd  `cmd:"" help:"Back up a volume, reading it through a snapshot."`
	Restore restoreCmd `cmd:"" help:"Restore files from a backup."`
	List    listCmd    `cmd:"" help:"List backups."`
	Mount   mountCmd   `cmd:"" help:"Mount all backups as a read-only FUSE filesystem."`
	Fsck    fsckCmd    `cmd:"" help:"Check that stored backups are complete and intact."`
	Readme  readmeCmd  `cmd:"" help:"Describe the storage format."`
}

func main() {
	kctx := kong.Parse(&cli, kong.Name("bk"), kong.UsageOnError())

	if cli.JSON {
		log = u.NewJSONLogger(os.Stderr, cli.Verbose, cli.Debug)
	} else {
		log = u.NewLogger(cli.Verbose, cli.Debug)
	}
	storage.SetLogger(log)
	container.SetLogger(log)
	manifest.SetLogger(log)
	backup.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := &appContext{ctx: ctx}
	err := kctx.Run(app)
	app.close()
	if err != nil {
		log.Fatal("%s", err)
	}
}

// appContext is passed to each command's Run method; it opens the
// storage stack on demand.
type appContext struct {
	ctx     context.Context
	cfg     *config.Config
	engine  *backup.Engine
	backend storage.Backend
	closer  func() error
}

func (a *appContext) config() (*config.Config, error) {
	if a.cfg == nil {
		cfg, err := config.Load(cli.Config, cli.DotEnv)
		if err != nil {
			return nil, err
		}
		a.cfg = cfg
	}
	return a.cfg, nil
}

// open returns the backup engine. If confirm is true and the passphrase
// has to be entered interactively, it's asked for twice.
func (a *appContext) open(confirm bool) (*backup.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if err := cfg.ResolvePassphrase(config.TerminalPrompt, confirm); err != nil {
		return nil, err
	}
	a.backend, a.closer, err = cfg.OpenBackend(a.ctx)
	if err != nil {
		return nil, err
	}
	content, err := storage.NewContentStore(a.backend, cfg.ContentOptions())
	if err != nil {
		return nil, err
	}
	a.engine, err = backup.NewEngine(content, backup.Options{
		Chunker:     cfg.Splitter(),
		Incremental: backup.IncrementalPolicy(cfg.Incremental),
		Exclude:     cfg.Exclude,
	})
	return a.engine, err
}

func (a *appContext) close() {
	if a.engine != nil {
		a.engine.Content().LogStats()
	}
	if a.closer != nil {
		if err := a.closer(); err != nil {
			log.Error("%s", err)
		}
	}
}
