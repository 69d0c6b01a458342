// Package spool implements the on-disk job status/stream layout of
// spec.md §3/§4.A: one directory per non-blocking job, three files,
// atomic status updates.
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	pxperrors "github.com/pxp-agent/pxp-agent/pkg/errors"
)

const (
	statusFile = "status"
	stdoutFile = "stdout"
	stderrFile = "stderr"

	maxJobIDAttempts = 5
)

// Status is the JSON record written to <job>/status (spec.md §3).
type Status struct {
	Module   string `json:"module"`
	Action   string `json:"action"`
	Status   string `json:"status"` // "running" or "completed"
	Duration string `json:"duration"`
	Input    string `json:"input"`
}

// Store owns the spool root directory.
type Store struct {
	root string
}

// New creates the spool root if absent. Failure is fatal to startup
// per spec.md §4.A.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, &pxperrors.FatalError{Op: "create spool root " + root, Err: err}
	}
	return &Store{root: root}, nil
}

// PrepareJob draws a job id and creates its spool directory, retrying
// on collision up to maxJobIDAttempts times before giving up with a
// request_processing_error (spec.md §3 "Job record" invariant, §8
// idempotence property).
func (s *Store) PrepareJob(transactionID string) (jobID, path string, err error) {
	for attempt := 0; attempt < maxJobIDAttempts; attempt++ {
		id := uuid.NewString()
		dir := filepath.Join(s.root, id)
		mkErr := os.Mkdir(dir, 0o750)
		if mkErr == nil {
			return id, dir, nil
		}
		if !os.IsExist(mkErr) {
			return "", "", &pxperrors.RequestProcessingError{TransactionID: transactionID, Err: mkErr}
		}
		// collision: draw again
	}
	return "", "", &pxperrors.RequestProcessingError{
		TransactionID: transactionID,
		Err:           fmt.Errorf("could not allocate a unique job id after %d attempts", maxJobIDAttempts),
	}
}

// WriteStatus atomically replaces the status file: write to a temp
// file in the same directory, then rename over the target.
func (s *Store) WriteStatus(path string, st Status) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	body = append(body, '\n')
	return writeAtomic(filepath.Join(path, statusFile), body)
}

// WriteStreams overwrites stdout and stderr in one call. Each stream is
// written with a trailing newline, even when empty, per spec.md §9's
// resolved design note.
func (s *Store) WriteStreams(path string, stdout, stderr []byte) error {
	if err := writeAtomic(filepath.Join(path, stdoutFile), appendNewline(stdout)); err != nil {
		return fmt.Errorf("write stdout: %w", err)
	}
	if err := writeAtomic(filepath.Join(path, stderrFile), appendNewline(stderr)); err != nil {
		return fmt.Errorf("write stderr: %w", err)
	}
	return nil
}

func appendNewline(b []byte) []byte {
	if len(b) == 0 {
		return []byte("\n")
	}
	if b[len(b)-1] == '\n' {
		return b
	}
	out := make([]byte, len(b)+1)
	copy(out, b)
	out[len(b)] = '\n'
	return out
}

func writeAtomic(dst string, data []byte) error {
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
