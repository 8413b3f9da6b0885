// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config loads bk's settings and builds the storage stack they
// describe.
//
// Settings come from three places, in increasing order of precedence: a
// YAML file, a .env file, and BK_* environment variables. The passphrase
// is never read from the YAML file.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/mmp/bkcas/storage"
	u "github.com/mmp/bkcas/util"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// "disk" or "gcs".
	Store string `yaml:"store"`
	// Backup directory for the disk store; also the default location of
	// the gcs object cache.
	Dir string    `yaml:"dir"`
	GCS GCSConfig `yaml:"gcs"`
	// sqlite database that caches object properties for remote stores;
	// "none" disables it.
	Cache string `yaml:"cache"`

	Compression string        `yaml:"compression"`
	Encryption  string        `yaml:"encryption"`
	Chunker     ChunkerConfig `yaml:"chunker"`
	Parity      ParityConfig  `yaml:"parity"`

	// "store" or "reuse"; see backup.IncrementalPolicy.
	Incremental string   `yaml:"incremental"`
	Exclude     []string `yaml:"exclude"`
	// Number of objects checked concurrently by fsck.
	Parallelism int `yaml:"parallelism"`

	Passphrase u.Secret `yaml:"-"`
}

type GCSConfig struct {
	Bucket   string `yaml:"bucket"`
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
	// Bytes per second; zero is unlimited.
	UploadLimit   int `yaml:"upload_limit"`
	DownloadLimit int `yaml:"download_limit"`
}

type ChunkerConfig struct {
	Min int `yaml:"min"`
	Avg int `yaml:"avg"`
	Max int `yaml:"max"`
}

type ParityConfig struct {
	DataShards   int   `yaml:"data_shards"`
	ParityShards int   `yaml:"parity_shards"`
	HashRate     int64 `yaml:"hash_rate"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	c := storage.DefaultChunker()
	return &Config{
		Store:       "disk",
		Compression: storage.EncodingGzip,
		Encryption:  storage.EncryptionAESGCM,
		Chunker:     ChunkerConfig{Min: c.Min, Avg: c.Avg, Max: c.Max},
		Parity: ParityConfig{
			DataShards:   storage.DefaultDiskOptions.DataShards,
			ParityShards: storage.DefaultDiskOptions.ParityShards,
			HashRate:     storage.DefaultDiskOptions.HashRate,
		},
		Incremental: "store",
		Parallelism: 16,
	}
}

// Load reads the YAML file at path, if path is non-empty, then applies
// settings from the given .env file, if it exists, and finally from the
// process's environment.
func Load(path, dotenv string) (*Config, error) {
	env := make(map[string]string)
	if dotenv != "" {
		m, err := godotenv.Read(dotenv)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, u.Wrapf(u.ErrSerialization, err, "%s", dotenv)
		}
		for k, v := range m {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, "BK_") {
			env[k] = v
		}
	}
	return load(path, env)
}

func load(path string, env map[string]string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, u.Wrapf(u.ErrIO, err, "%s", path)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		// An empty file decodes to io.EOF.
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, u.Wrapf(u.ErrSerialization, err, "%s", path)
		}
	}
	if err := c.applyEnv(env); err != nil {
		return nil, err
	}
	if c.Cache == "" && c.Dir != "" {
		c.Cache = filepath.Join(c.Dir, "cache.db")
	}
	return c, c.Validate()
}

func (c *Config) applyEnv(env map[string]string) error {
	strs := map[string]*string{
		"BK_STORE":        &c.Store,
		"BK_DIR":          &c.Dir,
		"BK_CACHE":        &c.Cache,
		"BK_GCS_BUCKET":   &c.GCS.Bucket,
		"BK_GCS_PROJECT":  &c.GCS.Project,
		"BK_GCS_LOCATION": &c.GCS.Location,
		"BK_COMPRESSION":  &c.Compression,
		"BK_ENCRYPTION":   &c.Encryption,
		"BK_INCREMENTAL":  &c.Incremental,
	}
	for k, p := range strs {
		if v, ok := env[k]; ok {
			*p = v
		}
	}

	ints := map[string]*int{
		"BK_GCS_UPLOAD_LIMIT":   &c.GCS.UploadLimit,
		"BK_GCS_DOWNLOAD_LIMIT": &c.GCS.DownloadLimit,
		"BK_PARALLELISM":        &c.Parallelism,
	}
	for k, p := range ints {
		if v, ok := env[k]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "%s", k)
			}
			*p = n
		}
	}

	if v, ok := env["BK_EXCLUDE"]; ok {
		c.Exclude = nil
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				c.Exclude = append(c.Exclude, e)
			}
		}
	}
	if v, ok := env["BK_PASSPHRASE"]; ok {
		c.Passphrase = u.Secret(v)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Store {
	case "disk":
		if c.Dir == "" {
			return errors.New("no backup directory specified; set \"dir\" or BK_DIR")
		}
	case "gcs":
		if c.GCS.Bucket == "" {
			return errors.New("no GCS bucket specified; set \"gcs.bucket\" or BK_GCS_BUCKET")
		}
	default:
		return errors.Newf("%q: unknown store type", c.Store)
	}
	if _, err := storage.CompressorByName(c.Compression); err != nil {
		return err
	}
	if !storage.ValidEncryption(c.Encryption) {
		return errors.Newf("%q: unknown encryption mode", c.Encryption)
	}
	if _, err := storage.NewChunker(c.Chunker.Min, c.Chunker.Avg, c.Chunker.Max); err != nil {
		return err
	}
	switch c.Incremental {
	case "", "store", "reuse":
	default:
		return errors.Newf("%q: unknown incremental policy", c.Incremental)
	}
	if c.Parallelism < 1 {
		return errors.Newf("%d: parallelism must be positive", c.Parallelism)
	}
	return nil
}
