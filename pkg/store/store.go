// Package store owns the on-disk chunk layout of one peer:
// <root>/<port>/content/ holds chunks this peer owns, <root>/<port>/backup/
// mirrors the chunks owned by its successor.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/hazardous-sun/ouroboros-fs/pkg/fingerprint"
)

// ErrNotFound is returned when a requested chunk file does not exist.
var ErrNotFound = errors.New("chunk not found")

// fpSeed is a fixed evaluation point so chunk fingerprints are comparable
// across peers and restarts.
const fpSeed uint64 = 0x9e3779b97f4a7c15

// Store is the chunk store of a single peer.
type Store struct {
	root string
	port string
	fp   *fingerprint.Fingerprint
}

// New creates the content/ and backup/ directories for a peer.
func New(root, port string) (*Store, error) {
	s := &Store{root: root, port: port, fp: fingerprint.NewWithSeed(fpSeed)}
	for _, dir := range []string{s.ContentDir(), s.BackupDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) ContentDir() string {
	return filepath.Join(s.root, s.port, "content")
}

func (s *Store) BackupDir() string {
	return filepath.Join(s.root, s.port, "backup")
}

// SaveContent writes an owned chunk atomically.
func (s *Store) SaveContent(chunk string, data []byte) error {
	return s.save(s.ContentDir(), chunk, data)
}

// SaveBackup writes a mirrored successor chunk atomically.
func (s *Store) SaveBackup(chunk string, data []byte) error {
	return s.save(s.BackupDir(), chunk, data)
}

func (s *Store) save(dir, chunk string, data []byte) error {
	path := filepath.Join(dir, chunk)
	if err := atomicWrite(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	log.WithFields(log.Fields{
		"node":  s.port,
		"chunk": chunk,
		"bytes": len(data),
		"fp":    fmt.Sprintf("%016x", s.fp.Eval(data)),
	}).Debug("chunk saved")
	return nil
}

// ReadContent reads an owned chunk. Missing files surface as ErrNotFound.
func (s *Store) ReadContent(chunk string) ([]byte, error) {
	return s.read(s.ContentDir(), chunk)
}

// ReadBackup reads a mirrored chunk. Missing files surface as ErrNotFound.
func (s *Store) ReadBackup(chunk string) ([]byte, error) {
	return s.read(s.BackupDir(), chunk)
}

func (s *Store) read(dir, chunk string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, chunk))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", chunk, ErrNotFound)
	}
	return data, err
}

// Fingerprint evaluates the store's fixed-seed fingerprint over data, used
// to spot-check that a fetched backup matches what the owner saved.
func (s *Store) Fingerprint(data []byte) uint64 {
	return s.fp.Eval(data)
}

// atomicWrite writes data to path + ".tmp" then renames, guaranteeing that
// either the file is fully written or not present at all.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
