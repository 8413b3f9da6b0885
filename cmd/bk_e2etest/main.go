// cmd/bk_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// bk_e2etest repeatedly mutates a random directory tree, backs it up with
// the bk binary found in $PATH, restores the latest backup, and checks
// that the restored tree matches. Backups may be killed partway through
// and are then retried; any stored objects from the killed run must be
// reused or harmlessly ignored.
package main

import (
	"bytes"
	"io/fs"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	u "github.com/mmp/bkcas/util"
)

var log *u.Logger

var cli struct {
	Dir   string `default:"/tmp/bk_e2e" help:"Backup directory; it's removed first."`
	Iters int    `default:"20" help:"Number of backup and restore rounds."`
	Seed  int64  `help:"Random seed; the process id if zero."`
	Kill  bool   `help:"Randomly kill backups while they run."`
}

var errKilled = errors.New("killed while running")

type tester struct {
	rng     *rand.Rand
	created map[string]bool
	nDirs   int
}

func main() {
	kong.Parse(&cli, kong.Name("bk_e2etest"))
	log = u.NewLogger(true, false)

	if cli.Seed == 0 {
		cli.Seed = int64(os.Getpid())
	}
	log.Print("seed %d", cli.Seed)
	t := &tester{rng: rand.New(rand.NewSource(cli.Seed)), created: make(map[string]bool), nDirs: 1}

	_ = os.RemoveAll(cli.Dir)
	if err := os.MkdirAll(cli.Dir, 0700); err != nil {
		log.Fatal("%s", err)
	}
	os.Setenv("BK_STORE", "disk")
	os.Setenv("BK_DIR", cli.Dir)
	if t.randBool() {
		os.Setenv("BK_ENCRYPTION", "aes256-gcm")
		os.Setenv("BK_PASSPHRASE", "foobar")
	} else {
		os.Setenv("BK_ENCRYPTION", "none")
	}
	policy := "store"
	if t.randBool() {
		policy = "reuse"
	}
	os.Setenv("BK_INCREMENTAL", policy)
	log.Print("encryption %s, incremental policy %s", os.Getenv("BK_ENCRYPTION"), policy)

	if err := t.run(cli.Iters); err != nil {
		log.Fatal("%s", err)
	}
}

func (t *tester) randBool() bool {
	return t.rng.Float32() < .5
}

// Sizes are exponentially distributed up to 16MB.
func (t *tester) expSize() int64 {
	logSize := t.rng.Intn(24) - 1
	if logSize < 0 {
		return 0
	}
	s := int64(1) << uint(logSize)
	return s + t.rng.Int63n(s)
}

func (t *tester) run(iters int) error {
	src, err := os.MkdirTemp("", "bk-test-src")
	if err != nil {
		return err
	}
	defer os.RemoveAll(src)
	dst, err := os.MkdirTemp("", "bk-test-dst")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dst)
	log.Print("source %s, restoring to %s", src, dst)

	for i := 0; i < iters; i++ {
		// Modification times are compared to decide what changed; make
		// sure that updates land after the previous backup.
		time.Sleep(time.Second)

		if err := t.update(src); err != nil {
			return err
		}
		if err := t.backup(src); err != nil {
			return errors.Wrapf(err, "backup %d", i)
		}
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
		if _, err := bk("restore", "latest", dst); err != nil {
			return errors.Wrapf(err, "restore %d", i)
		}
		if err := compare(src, dst); err != nil {
			return errors.Wrapf(err, "round %d", i)
		}
	}
	return nil
}

func bk(args ...string) ([]byte, error) {
	log.Print("running bk %s", strings.Join(args, " "))
	cmd := exec.Command("bk", args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func (t *tester) backup(dir string) error {
	for {
		var err error
		if cli.Kill {
			err = t.runButPossiblyKill("backup", "--target", "folder", dir)
		} else {
			_, err = bk("backup", "--target", "folder", dir)
		}
		if !errors.Is(err, errKilled) {
			return err
		}
	}
}

func (t *tester) runButPossiblyKill(args ...string) error {
	log.Print("running bk %s", strings.Join(args, " "))
	cmd := exec.Command("bk", args...)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}

	killed := make(chan bool, 1)
	if t.randBool() {
		wait := time.Duration(1<<uint(t.rng.Intn(16))) * time.Millisecond
		log.Verbose("will try to kill bk in %s", wait)
		time.AfterFunc(wait, func() {
			killed <- cmd.Process.Kill() == nil
		})
	} else {
		killed <- false
	}

	err := cmd.Wait()
	if <-killed && err != nil {
		// Partially-written objects are left behind as .tmp files.
		err := filepath.WalkDir(cli.Dir, func(path string, d fs.DirEntry, err error) error {
			if err == nil && strings.HasSuffix(path, ".tmp") {
				log.Verbose("%s: removing", path)
				return os.Remove(path)
			}
			return err
		})
		if err != nil {
			return err
		}
		return errKilled
	}
	return err
}

var fodder = []string{"car", "house", "food", "cat", "monkey", "bird", "yellow",
	"blue", "fast", "sky", "table", "pen", "round", "book", "towel", "hair",
	"laugh", "airplane", "banana", "tape", "report.zip", "notes.gz"}

func (t *tester) name(dir string) string {
	s := ""
	for {
		s += fodder[t.rng.Intn(len(fodder))]
		if !t.created[s] {
			break
		}
		s += "_"
	}
	t.created[s] = true
	return filepath.Join(dir, s)
}

func (t *tester) randomBytes(n int64) []byte {
	b := make([]byte, n)
	_, _ = t.rng.Read(b)
	return b
}

// update creates, modifies, and truncates files and directories under dir.
// Files named like containers get random contents, so they're stored
// opaquely; that still goes through decomposition and repacking.
func (t *tester) update(dir string) error {
	filesLeft, dirsLeft := 20, 5
	log.Print("updating %s", dir)

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			for i := 0; i < dirsLeft; i++ {
				if t.rng.Intn(t.nDirs) == 0 {
					n := t.name(path)
					if err := os.Mkdir(n, 0700); err != nil {
						return err
					}
					log.Verbose("%s: created directory", n)
					t.nDirs++
					dirsLeft--
				}
			}
			for i := 0; i < filesLeft; i++ {
				if t.rng.Intn(t.nDirs) == 0 {
					n := t.name(path)
					b := t.randomBytes(t.expSize())
					if err := os.WriteFile(n, b, 0600); err != nil {
						return err
					}
					log.Verbose("%s: created file, length %d", n, len(b))
					filesLeft--
				}
			}
			return nil
		}

		if t.randBool() {
			// Advance the modification time, but not into the future.
			mt := info.ModTime().Add(time.Duration(t.rng.Intn(10000)) * time.Millisecond)
			if mt.Before(time.Now()) {
				if err := os.Chtimes(path, mt, mt); err != nil {
					return err
				}
				log.Verbose("%s: advanced modification time to %s", path, mt)
			}
		}

		perm := info.Mode().Perm()
		if t.randBool() {
			perm = os.FileMode(t.rng.Intn(0777)) | 0600
			if err := os.Chmod(path, perm); err != nil {
				return err
			}
			log.Verbose("%s: changed permissions to %#o", path, perm)
		}

		if t.randBool() && perm&0600 == 0600 {
			return t.scribble(path, info)
		}
		return nil
	})
}

func (t *tester) scribble(path string, info os.FileInfo) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	offset := int64(0)
	if info.Size() > 0 {
		offset = t.rng.Int63n(info.Size())
	}
	b := t.randomBytes(t.expSize())
	if _, err := f.WriteAt(b, offset); err != nil {
		return err
	}
	log.Verbose("%s: wrote %d bytes at offset %d", path, len(b), offset)

	if t.randBool() && info.Size() > 0 {
		sz := t.rng.Int63n(info.Size())
		if err := f.Truncate(sz); err != nil {
			return err
		}
		log.Verbose("%s: truncated at %d", path, sz)
	}
	return nil
}

// compare checks that every file under a has a matching file under b.
// Directory metadata is only restored for empty directories, so only
// their existence is checked.
func compare(a, b string) error {
	mismatches := 0
	err := filepath.Walk(a, func(pa string, ia os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(a, pa)
		if err != nil {
			return err
		}
		pb := filepath.Join(b, rel)

		ib, err := os.Stat(pb)
		if os.IsNotExist(err) {
			log.Warning("%s: not found", pb)
			mismatches++
			return nil
		} else if err != nil {
			return err
		}
		if ia.IsDir() != ib.IsDir() {
			log.Warning("%s: file/directory mismatch with %s", pa, pb)
			mismatches++
			return nil
		}
		if ia.IsDir() {
			return nil
		}

		if ia.Mode() != ib.Mode() {
			log.Warning("%s: mode %s mismatches %s mode %s", pa, ia.Mode(), pb, ib.Mode())
			mismatches++
		}
		if !ia.ModTime().Equal(ib.ModTime()) {
			log.Warning("%s: mod time %s mismatches %s mod time %s", pa, ia.ModTime(),
				pb, ib.ModTime())
			mismatches++
		}
		if ia.Size() != ib.Size() {
			log.Warning("%s: size %d mismatches %s size %d", pa, ia.Size(), pb, ib.Size())
			mismatches++
			return nil
		}

		da, err := os.ReadFile(pa)
		if err != nil {
			return err
		}
		db, err := os.ReadFile(pb)
		if err != nil {
			return err
		}
		if !bytes.Equal(da, db) {
			log.Warning("%s and %s differ", pa, pb)
			mismatches++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if mismatches > 0 {
		return errors.Newf("%d file mismatches", mismatches)
	}
	return nil
}
