// backup/walk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	u "github.com/mmp/bkcas/util"
	"github.com/spf13/afero"
)

// entry is a file or empty directory found while walking a backup
// target.
type entry struct {
	// Where the file is recorded as living.
	path string
	// Where its contents are read from; this differs from path when
	// reading from a snapshot.
	readPath string
	// Slash-separated path relative to the walk root; "" for targets that
	// are files.
	rel   string
	info  os.FileInfo
	empty bool
}

type walker struct {
	fs      afero.Fs
	acl     ACLProvider
	exclude []string
	report  *Report
	// Directory ACLs, keyed by walk-relative path.
	dirACLs map[string]string
}

func (w *walker) excluded(p string) bool {
	for _, excl := range w.exclude {
		if strings.Contains(p, excl) {
			return true
		}
	}
	return false
}

// walk returns the files under root, reading them from readRoot, which is
// either root itself or a snapshot of it. Subdirectories are visited with
// an explicit stack so that deep trees don't grow the goroutine stack.
func (w *walker) walk(ctx context.Context, root, readRoot string) ([]entry, error) {
	var entries []entry
	stack := []string{"."}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dir := filepath.Join(readRoot, filepath.FromSlash(rel))
		if acl, err := w.acl.Get(dir); err != nil {
			log.Warning("%s: unable to read ACL: %s", dir, err)
		} else if acl != "" {
			w.dirACLs[rel] = acl
		}

		infos, err := afero.ReadDir(w.fs, dir)
		if err != nil {
			if rel == "." {
				return nil, u.Wrapf(u.ErrIO, err, "%s", root)
			}
			w.report.fail(filepath.Join(root, filepath.FromSlash(rel)), "", u.Wrapf(u.ErrIO, err, "read directory"))
			continue
		}

		if len(infos) == 0 && rel != "." {
			fi, err := w.fs.Stat(dir)
			if err != nil {
				w.report.fail(filepath.Join(root, filepath.FromSlash(rel)), "", u.Wrapf(u.ErrIO, err, "stat"))
				continue
			}
			entries = append(entries, entry{
				path:     filepath.Join(root, filepath.FromSlash(rel)),
				readPath: dir,
				rel:      rel,
				info:     fi,
				empty:    true,
			})
			continue
		}

		// Push subdirectories in reverse so that they're visited in
		// name order.
		var subdirs []string
		for _, fi := range infos {
			childRel := path.Join(rel, fi.Name())
			livePath := filepath.Join(root, filepath.FromSlash(childRel))
			if w.excluded(livePath) {
				log.Verbose("%s: excluding from backup", livePath)
				continue
			}

			mode := fi.Mode()
			switch {
			case mode&os.ModeSymlink != 0:
				log.Debug("%s: skipping symlink", livePath)
				w.report.Skipped++
			case fi.IsDir():
				if strings.HasPrefix(fi.Name(), ".") {
					log.Debug("%s: skipping hidden directory", livePath)
					w.report.Skipped++
					continue
				}
				subdirs = append(subdirs, childRel)
			case mode.IsRegular():
				entries = append(entries, entry{
					path:     livePath,
					readPath: filepath.Join(readRoot, filepath.FromSlash(childRel)),
					rel:      childRel,
					info:     fi,
				})
			default:
				log.Debug("%s: skipping non-regular file (%s)", livePath, mode.Type())
				w.report.Skipped++
			}
		}
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}
	return entries, nil
}
