// cmd/bk/commands.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/disiqueira/gotree/v3"
	"github.com/mmp/bkcas/backup"
	"github.com/mmp/bkcas/manifest"
	"github.com/mmp/bkcas/storage"
	u "github.com/mmp/bkcas/util"
)

type backupCmd struct {
	Target string   `help:"What the paths are: file, folder, or auto to decide from the paths." enum:"auto,file,folder" default:"auto"`
	Paths  []string `arg:"" type:"existingpath" help:"Files and folders to back up."`
}

func (c *backupCmd) Run(app *appContext) error {
	e, err := app.open(true)
	if err != nil {
		return err
	}

	target := manifest.File
	switch c.Target {
	case "folder":
		target = manifest.Folder
	case "auto":
		for _, p := range c.Paths {
			if fi, err := os.Stat(p); err == nil && fi.IsDir() {
				target = manifest.Folder
			}
		}
	}

	m, report, err := e.RunBackup(app.ctx, c.Paths, target)
	if err != nil {
		return err
	}
	return summarize("backup", m, report)
}

type volumeCmd struct {
	Root string `arg:"" type:"existingdir" help:"Mount point of the volume."`
}

func (c *volumeCmd) Run(app *appContext) error {
	e, err := app.open(true)
	if err != nil {
		return err
	}
	m, report, err := e.RunVolumeBackup(app.ctx, c.Root)
	if err != nil {
		return err
	}
	return summarize("volume backup", m, report)
}

func summarize(what string, m *manifest.Manifest, report backup.Report) error {
	fmt.Printf("%s %s (%s): %d files stored, %d unchanged, %d skipped; %s in %s uploaded\n",
		what, m.ID, m.Type, report.Processed, report.Reused, report.Skipped,
		u.FmtBytes(m.TotalSize), u.FmtBytes(m.BackupSize))
	return failures(report)
}

func failures(report backup.Report) error {
	for _, f := range report.Failures {
		fmt.Fprintln(os.Stderr, f.Error())
	}
	if n := len(report.Failures); n > 0 {
		return errors.Newf("%d items failed", n)
	}
	return nil
}

type restoreCmd struct {
	Policy string   `help:"What to do with files that already exist." enum:"overwrite,skip,rename" default:"overwrite"`
	File   []string `help:"Only restore these files or folders, given relative to the backup root."`
	ID     string   `arg:"" help:"Backup id, a unique prefix of one, or \"latest\"."`
	Dest   string   `arg:"" type:"path" help:"Directory to restore into."`
}

func (c *restoreCmd) Run(app *appContext) error {
	e, err := app.open(false)
	if err != nil {
		return err
	}
	m, err := e.LoadManifest(app.ctx, c.ID)
	if err != nil {
		return err
	}
	policy, err := backup.ParseConflictPolicy(c.Policy)
	if err != nil {
		return err
	}

	opts := backup.RecoverOptions{Policy: policy}
	if len(c.File) > 0 {
		opts.Filter = func(rec *manifest.FileRecord) bool { return selected(rec, c.File) }
	}
	report, err := e.Recover(app.ctx, m, c.Dest, opts)
	if err != nil {
		return err
	}
	fmt.Printf("restored %d files from %s to %s (%d skipped)\n", report.Processed, m.ID, c.Dest,
		report.Skipped)
	return failures(report)
}

// selected reports whether rec is one of the given files or is inside one
// of the given folders.
func selected(rec *manifest.FileRecord, files []string) bool {
	rel := rec.RelativePath
	if rel == "" {
		rel = rec.Path
	}
	for _, f := range files {
		if rec.Path == f {
			return true
		}
		f = strings.Trim(f, "/")
		if f == "" || rel == f || strings.HasPrefix(rel, f+"/") {
			return true
		}
	}
	return false
}

type listCmd struct {
	Tree bool   `help:"Show the files in each backup."`
	ID   string `arg:"" optional:"" help:"Only list this backup."`
}

func (c *listCmd) Run(app *appContext) error {
	e, err := app.open(false)
	if err != nil {
		return err
	}
	var manifests []*manifest.Manifest
	if c.ID != "" {
		m, err := e.LoadManifest(app.ctx, c.ID)
		if err != nil {
			return err
		}
		manifests = []*manifest.Manifest{m}
	} else if manifests, err = e.ListManifests(app.ctx); err != nil {
		return err
	}

	if c.Tree {
		fmt.Print(manifestTree(manifests).Print())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tTYPE\tTARGET\tFILES\tSIZE\tUPLOADED")
	for _, m := range manifests {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", m.ShortID(),
			m.Timestamp.Local().Format("2006-01-02 15:04:05"), m.Type, m.Target, len(m.Files),
			u.FmtBytes(m.TotalSize), u.FmtBytes(m.BackupSize))
	}
	return w.Flush()
}

// manifestTree returns a tree with a node for each manifest and the files
// it records below it.
func manifestTree(manifests []*manifest.Manifest) gotree.Tree {
	root := gotree.New("backups")
	for _, m := range manifests {
		mt := root.Add(fmt.Sprintf("%s %s %s (%d files, %s)", m.Timestamp.Local().Format("2006-01-02 15:04:05"),
			m.Type, m.ShortID(), len(m.Files), u.FmtBytes(m.TotalSize)))
		dirs := map[string]gotree.Tree{"": mt}
		var dir func(p string) gotree.Tree
		dir = func(p string) gotree.Tree {
			if t, ok := dirs[p]; ok {
				return t
			}
			parent, name := "", p
			if i := strings.LastIndex(p, "/"); i >= 0 {
				parent, name = p[:i], p[i+1:]
			}
			t := dir(parent).Add(name + "/")
			dirs[p] = t
			return t
		}
		for i := range m.Files {
			rec := &m.Files[i]
			rel := displayPath(rec)
			if rec.StructureKind == manifest.FolderOnly {
				dir(rel)
				continue
			}
			parent, name := "", rel
			if i := strings.LastIndex(rel, "/"); i >= 0 {
				parent, name = rel[:i], rel[i+1:]
			}
			ft := dir(parent).Add(fmt.Sprintf("%s (%s)", name, u.FmtBytes(rec.Size)))
			for _, c := range rec.Components {
				ft.Add(fmt.Sprintf("%s (%s)", c.Name, u.FmtBytes(c.Size)))
			}
		}
	}
	return root
}

// displayPath returns the slash-separated path a file is shown and mounted
// at within its backup.
func displayPath(rec *manifest.FileRecord) string {
	if rec.RelativePath != "" {
		return rec.RelativePath
	}
	p := strings.ReplaceAll(rec.Path, "\\", "/")
	return p[strings.LastIndex(p, "/")+1:]
}

type mountCmd struct {
	Dir string `arg:"" type:"existingdir" help:"Mount point."`
}

func (c *mountCmd) Run(app *appContext) error {
	e, err := app.open(false)
	if err != nil {
		return err
	}
	manifests, err := e.ListManifests(app.ctx)
	if err != nil {
		return err
	}
	return mountFUSE(c.Dir, newMountTree(e, manifests))
}

type fsckCmd struct {
	ID string `arg:"" optional:"" help:"Only check this backup."`
}

func (c *fsckCmd) Run(app *appContext) error {
	e, err := app.open(false)
	if err != nil {
		return err
	}

	// Objects in the disk store have parity sidecars; check those first,
	// so that repairable damage is fixed before it's read below.
	if v, ok := app.backend.(storage.Verifier); ok {
		n, err := v.Verify(app.ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Warning("%d stored objects couldn't be read", n)
		}
	}

	var manifests []*manifest.Manifest
	if c.ID != "" {
		m, err := e.LoadManifest(app.ctx, c.ID)
		if err != nil {
			return err
		}
		manifests = []*manifest.Manifest{m}
	} else if manifests, err = e.ListManifests(app.ctx); err != nil {
		return err
	}

	cfg, err := app.config()
	if err != nil {
		return err
	}
	report := e.Verify(app.ctx, manifests, cfg.Parallelism)
	fmt.Printf("checked %d files in %d backups\n", report.Processed, len(manifests))
	return failures(report)
}

type readmeCmd struct{}

func (c *readmeCmd) Run() error {
	fmt.Print(readmeText)
	return nil
}
