// config/open.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/mmp/bkcas/storage"
	u "github.com/mmp/bkcas/util"
	"golang.org/x/term"
)

// OpenBackend returns the storage backend that c describes, along with a
// function that releases its resources.
func (c *Config) OpenBackend(ctx context.Context) (storage.Backend, func() error, error) {
	nop := func() error { return nil }
	switch c.Store {
	case "disk":
		b, err := storage.NewDisk(c.Dir, storage.DiskOptions{
			DataShards:   c.Parity.DataShards,
			ParityShards: c.Parity.ParityShards,
			HashRate:     c.Parity.HashRate,
		})
		return b, nop, err

	case "gcs":
		b, err := storage.NewGCS(ctx, storage.GCSOptions{
			BucketName:                c.GCS.Bucket,
			ProjectId:                 c.GCS.Project,
			Location:                  c.GCS.Location,
			MaxUploadBytesPerSecond:   c.GCS.UploadLimit,
			MaxDownloadBytesPerSecond: c.GCS.DownloadLimit,
		})
		if err != nil {
			return nil, nil, err
		}
		if c.Cache == "" || c.Cache == "none" {
			return b, nop, nil
		}
		if c.Cache != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(c.Cache), 0700); err != nil {
				return nil, nil, u.Wrapf(u.ErrIO, err, "%s", c.Cache)
			}
		}
		cb, err := storage.NewCached(b, c.Cache)
		if err != nil {
			return nil, nil, err
		}
		return cb, cb.Close, nil

	default:
		return nil, nil, errors.Newf("%q: unknown store type", c.Store)
	}
}

// Splitter returns the chunker that c describes.
func (c *Config) Splitter() storage.Chunker {
	return storage.Chunker{Min: c.Chunker.Min, Avg: c.Chunker.Avg, Max: c.Chunker.Max}
}

func (c *Config) ContentOptions() storage.ContentOptions {
	return storage.ContentOptions{
		Compression: c.Compression,
		Encryption:  c.Encryption,
		Passphrase:  c.Passphrase,
	}
}

// PromptFunc asks the user for a secret.
type PromptFunc func(prompt string) ([]byte, error)

// TerminalPrompt reads a secret from the terminal without echoing it.
func TerminalPrompt(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal; set BK_PASSPHRASE instead")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return b, err
}

// ResolvePassphrase makes sure that a passphrase is available if
// encryption is enabled, asking for one if it wasn't given in the
// environment. If confirm is true, it must be entered twice.
func (c *Config) ResolvePassphrase(prompt PromptFunc, confirm bool) error {
	if c.Encryption == storage.EncryptionNone || !c.Passphrase.Empty() {
		return nil
	}
	p, err := prompt("Passphrase: ")
	if err != nil {
		return errors.Wrap(err, "passphrase")
	}
	if len(p) == 0 {
		return errors.New("empty passphrase")
	}
	if confirm {
		again, err := prompt("Repeat passphrase: ")
		if err != nil {
			return errors.Wrap(err, "passphrase")
		}
		if string(again) != string(p) {
			return errors.New("passphrases don't match")
		}
	}
	c.Passphrase = u.Secret(p)
	return nil
}
