// cmd/rdso/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple tool to apply Reed-Solomon encoding to files. Provides facilities
// to check the integrity of encoded files and to recover corrupt files.
// The sidecars it writes are the same as the ones the bk disk store keeps
// next to each object, so it can also be used to inspect and repair a bk
// repository by hand.
package main

import (
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/mmp/bkcas/rdso"
	"github.com/mmp/bkcas/storage"
	u "github.com/mmp/bkcas/util"
)

var log *u.Logger

var cli struct {
	Verbose bool `short:"v" help:"Report progress." default:"true" negatable:""`

	Encode  encodeCmd  `cmd:"" help:"Write a .rs parity file for each file."`
	Check   checkCmd   `cmd:"" help:"Check files against their .rs parity files."`
	Restore restoreCmd `cmd:"" help:"Write a repaired copy of each file to <file>.recovered."`
}

type encodeCmd struct {
	NShards  int      `name:"nshards" help:"Number of data shards."`
	NParity  int      `name:"nparity" help:"Number of parity shards."`
	HashRate int64    `name:"hashrate" help:"Chunk size for shard hashes."`
	Files    []string `arg:"" type:"existingfile"`
}

func (c *encodeCmd) Run() error {
	// The disk store's defaults.
	if c.NShards == 0 {
		c.NShards = storage.DefaultDiskOptions.DataShards
	}
	if c.NParity == 0 {
		c.NParity = storage.DefaultDiskOptions.ParityShards
	}
	if c.HashRate == 0 {
		c.HashRate = storage.DefaultDiskOptions.HashRate
	}

	for _, fn := range c.Files {
		if strings.HasSuffix(fn, ".rs") {
			log.Warning("%s: skipping Reed-Solomon encoding of .rs file", fn)
			continue
		}
		rsfn := fn + ".rs"
		if err := rdso.EncodeFile(fn, rsfn, c.NShards, c.NParity, c.HashRate); err != nil {
			log.Error("%s: %s", fn, err)
			continue
		}
		log.Verbose("%s: created Reed-Solomon encoding file", rsfn)
	}
	return nil
}

type checkCmd struct {
	Files []string `arg:"" type:"existingfile"`
}

func (c *checkCmd) Run() error {
	for _, fn := range c.Files {
		if err := rdso.CheckFile(fn, fn+".rs", log); err != nil {
			log.Error("%s: %s", fn, err)
		}
	}
	return nil
}

type restoreCmd struct {
	Files []string `arg:"" type:"existingfile"`
}

func (c *restoreCmd) Run() error {
	for _, fn := range c.Files {
		if err := rdso.RestoreFile(fn, fn+".rs", log); err != nil {
			log.Error("%s: %s", fn, err)
			continue
		}
		log.Verbose("%s: wrote %s.recovered", fn, fn)
	}
	return nil
}

func main() {
	kctx := kong.Parse(&cli, kong.Name("rdso"), kong.UsageOnError())
	log = u.NewLogger(cli.Verbose, false)

	if err := kctx.Run(); err != nil {
		log.Fatal("%s", err)
	}
	if n := log.Errors(); n > 0 {
		log.Fatal("%s", errors.Newf("%d errors", n))
	}
}
