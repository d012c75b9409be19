// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/gomlx/lottery/pkg/ml/train/optimizers"
	"github.com/gomlx/lottery/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// Handler saves and loads the checkpoints of a pruning run in a directory, one file per
// (round, epoch).
type Handler struct {
	dir       string
	binFormat BinFormat
}

// New creates a Handler for the checkpoints in dir, creating the directory if it doesn't exist.
// A "~" prefix is replaced by the user's home directory.
func New(dir string) (*Handler, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, errors.New("checkpoints directory not set")
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoints directory %q", dir)
	}
	return &Handler{dir: dir}, nil
}

// WithCompression sets the format used by the following calls to Save. The default is BinGZIP.
func (h *Handler) WithCompression(bf BinFormat) *Handler {
	h.binFormat = bf
	return h
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.dir)
}

// Dir returns the directory holding the checkpoints.
func (h *Handler) Dir() string { return h.dir }

// Name returns the file name of the checkpoint for the round and epoch.
func Name(round, epoch int) string {
	return fmt.Sprintf("%d_%d", round, epoch)
}

// Path returns the file path of the checkpoint for the round and epoch.
func (h *Handler) Path(round, epoch int) string {
	return filepath.Join(h.dir, Name(round, epoch))
}

// Exists returns whether the checkpoint for the round and epoch was saved.
func (h *Handler) Exists(round, epoch int) bool {
	exists, err := fsutil.FileExists(h.Path(round, epoch))
	return err == nil && exists
}

// Save the values of params and the optimizer state (if not nil) as the checkpoint for
// round and epoch, replacing any previous one.
func (h *Handler) Save(round, epoch int, runID string, params *model.Params, optState *optimizers.State) error {
	ckpt := FromParams(params)
	ckpt.Round, ckpt.Epoch, ckpt.RunID = round, epoch, runID
	ckpt.Optimizer = optState
	filePath := h.Path(round, epoch)
	if err := Write(filePath, ckpt, h.binFormat); err != nil {
		return errors.WithMessagef(err, "%s: saving round %d, epoch %d", h, round, epoch)
	}
	klog.V(1).Infof("saved checkpoint %q", filePath)
	return nil
}

// Load the checkpoint for round and epoch. Failures are reported as *LoadError.
//
// Use RestoreParams to copy its values into a model.
func (h *Handler) Load(round, epoch int) (*Checkpoint, error) {
	ckpt, err := Read(h.Path(round, epoch))
	if err != nil {
		return nil, err
	}
	if ckpt.Round != round || ckpt.Epoch != epoch {
		return nil, newLoadError(ckpt.Path, errors.Errorf("file holds round %d, epoch %d", ckpt.Round, ckpt.Epoch))
	}
	return ckpt, nil
}

// Entry identifies a checkpoint in the Handler directory.
type Entry struct {
	Round, Epoch int
}

var checkpointNameRegex = regexp.MustCompile(`^(\d+)_(\d+)$`)

// List returns the checkpoints in the directory, ordered by round and epoch.
func (h *Handler) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	var entries []Entry
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}
		matches := checkpointNameRegex.FindStringSubmatch(dirEntry.Name())
		if matches == nil {
			continue
		}
		round, err1 := strconv.Atoi(matches[1])
		epoch, err2 := strconv.Atoi(matches[2])
		if err1 != nil || err2 != nil {
			continue
		}
		entries = append(entries, Entry{Round: round, Epoch: epoch})
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		if a.Round != b.Round {
			return a.Round - b.Round
		}
		return a.Epoch - b.Epoch
	})
	return entries, nil
}
