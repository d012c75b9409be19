// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/lottery/pkg/ml/initializer"
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/gomlx/lottery/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newParams creates a small model with numClasses outputs, initialized with seed.
func newParams(seed uint64, numClasses int) *model.Params {
	params := model.NewParams(seed)
	conv := params.In("conv_000")
	conv.Variable(model.WeightsName, initializer.He(), 4, 3, 3, 3)
	conv.Variable(model.BiasesName, initializer.Normal(0.1), 4)
	bn := params.In("bn_000")
	bn.Variable("scale", initializer.One, 4)
	bn.NonTrainable("mean", initializer.Normal(1), 4)
	cls := params.In("classifier")
	cls.Variable(model.WeightsName, initializer.He(), 4, numClasses)
	cls.Variable(model.BiasesName, initializer.Normal(0.1), numClasses)
	return params
}

func requireSameValues(t *testing.T, want, got *model.Params) {
	require.Equal(t, want.Len(), got.Len())
	for v := range want.All() {
		other, found := got.Get(v.ScopeAndName())
		require.True(t, found, v.ScopeAndName())
		require.Equal(t, v.Value.Flat(), other.Value.Flat(), v.ScopeAndName())
	}
}

func TestHandlerSaveLoad(t *testing.T) {
	for _, bf := range []BinFormat{BinGZIP, BinUncompressed} {
		t.Run(bf.String(), func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "models")
			handler, err := New(dir)
			require.NoError(t, err)
			handler.WithCompression(bf)
			assert.False(t, handler.Exists(1, 2))

			// Take one optimizer step, so there is some state to save.
			params := newParams(1, 10)
			for _, v := range params.Trainable() {
				v.Grad.Fill(0.5)
			}
			opt := optimizers.StochasticGradientDescent().Done()
			require.NoError(t, opt.Step(params))
			require.NoError(t, handler.Save(1, 2, "run-id", params, opt.State()))
			assert.True(t, handler.Exists(1, 2))
			assert.Equal(t, filepath.Join(dir, "1_2"), handler.Path(1, 2))

			ckpt, err := handler.Load(1, 2)
			require.NoError(t, err)
			assert.Equal(t, 1, ckpt.Round)
			assert.Equal(t, 2, ckpt.Epoch)
			assert.Equal(t, "run-id", ckpt.RunID)
			assert.Equal(t, params.NumElements(), ckpt.NumElements())
			var names []string
			for v := range params.All() {
				names = append(names, v.ScopeAndName())
			}
			assert.Equal(t, names, ckpt.Names)

			restored := newParams(2, 10)
			require.NoError(t, RestoreParams(restored, ckpt, ""))
			requireSameValues(t, params, restored)

			require.NotNil(t, ckpt.Optimizer)
			want := opt.State()
			assert.Equal(t, want.Name, ckpt.Optimizer.Name)
			assert.Equal(t, want.LearningRate, ckpt.Optimizer.LearningRate)
			assert.Equal(t, want.Step, ckpt.Optimizer.Step)
			require.Len(t, ckpt.Optimizer.Slots, len(want.Slots))
			for key, slot := range want.Slots {
				assert.True(t, slot.Equal(ckpt.Optimizer.Slots[key]), key)
			}
			restoredOpt := optimizers.StochasticGradientDescent().Done()
			require.NoError(t, restoredOpt.LoadState(ckpt.Optimizer, restored))
		})
	}
}

func TestHandlerList(t *testing.T) {
	handler, err := New(t.TempDir())
	require.NoError(t, err)
	params := newParams(1, 10)
	for _, entry := range []Entry{{2, 3}, {0, 3}, {10, 3}, {2, 1}} {
		require.NoError(t, handler.Save(entry.Round, entry.Epoch, "", params, nil))
	}
	require.NoError(t, os.WriteFile(filepath.Join(handler.Dir(), "notes.txt"), []byte("x"), 0o644))
	entries, err := handler.List()
	require.NoError(t, err)
	assert.Equal(t, []Entry{{0, 3}, {2, 1}, {2, 3}, {10, 3}}, entries)

	ckpt, err := handler.Load(2, 1)
	require.NoError(t, err)
	assert.Nil(t, ckpt.Optimizer)
}

func TestLoadErrors(t *testing.T) {
	handler, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = handler.Load(0, 1)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, handler.Path(0, 1), loadErr.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Corrupted: not a checkpoint.
	require.NoError(t, os.WriteFile(handler.Path(0, 2), []byte("not a checkpoint"), 0o644))
	_, err = handler.Load(0, 2)
	require.ErrorAs(t, err, &loadErr)

	// Corrupted: truncated data.
	params := newParams(1, 10)
	require.NoError(t, handler.WithCompression(BinUncompressed).Save(0, 3, "", params, nil))
	contents, err := os.ReadFile(handler.Path(0, 3))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(handler.Path(0, 3), contents[:len(contents)-8], 0o644))
	_, err = handler.Load(0, 3)
	require.ErrorAs(t, err, &loadErr)

	// File renamed to another round.
	require.NoError(t, handler.Save(0, 4, "", params, nil))
	require.NoError(t, os.Rename(handler.Path(0, 4), handler.Path(5, 4)))
	_, err = handler.Load(5, 4)
	require.ErrorAs(t, err, &loadErr)
}

// writeRaw writes a checkpoint file with the given compression, metadata and data, without
// any validation.
func writeRaw(t *testing.T, filePath, compression string, metadataLen uint32, metadata string, data []byte) {
	var contents []byte
	contents = append(contents, binHeader...)
	contents = append(contents, byte(len(compression)))
	contents = append(contents, compression...)
	contents = binary.BigEndian.AppendUint32(contents, metadataLen)
	contents = append(contents, metadata...)
	contents = append(contents, data...)
	require.NoError(t, os.WriteFile(filePath, contents, 0o644))
}

func TestReadCorruptedHeader(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		name, compression string
		metadataLen       uint32 // 0 means len(metadata).
		metadata          string
	}{
		{"huge metadata length", "uncompressed", 0xFFFFFFFF, `{}`},
		{"overflowing dimensions", "uncompressed", 0,
			`{"Variables":[{"Name":"/a/weights","Dimensions":[4611686018427387904,3],"Pos":0,"Length":12}]}`},
		{"overflowing dimensions gzip", "gzip", 0,
			`{"Variables":[{"Name":"/a/weights","Dimensions":[4611686018427387904,3],"Pos":0,"Length":12}]}`},
		{"dimensions larger than data", "uncompressed", 0,
			`{"Variables":[{"Name":"/a/weights","Dimensions":[1099511627776],"Pos":0,"Length":4398046511104}]}`},
		{"negative dimension", "uncompressed", 0,
			`{"Variables":[{"Name":"/a/weights","Dimensions":[0,-2],"Pos":0,"Length":0}]}`},
		{"length mismatch", "uncompressed", 0,
			`{"Variables":[{"Name":"/a/weights","Dimensions":[2],"Pos":0,"Length":4}]}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			filePath := filepath.Join(dir, tc.name)
			metadataLen := tc.metadataLen
			if metadataLen == 0 {
				metadataLen = uint32(len(tc.metadata))
			}
			writeRaw(t, filePath, tc.compression, metadataLen, tc.metadata, make([]byte, 16))
			var ckpt *Checkpoint
			var err error
			require.NotPanics(t, func() { ckpt, err = Read(filePath) })
			assert.Nil(t, ckpt)
			var loadErr *LoadError
			require.ErrorAs(t, err, &loadErr)
			assert.Equal(t, filePath, loadErr.Path)
		})
	}

	// A well-formed raw file reads fine.
	filePath := filepath.Join(dir, "valid")
	metadata := `{"Variables":[{"Name":"/a/weights","Dimensions":[2,2],"Pos":0,"Length":16}]}`
	writeRaw(t, filePath, "uncompressed", uint32(len(metadata)), metadata, make([]byte, 16))
	ckpt, err := Read(filePath)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, ckpt.Variables["/a/weights"].Shape())
}

func TestSnapshotRestore(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "init", "snapshot")
	initial := newParams(1, 10)
	require.NoError(t, SaveSnapshot(snapshotPath, initial))
	snapshot, err := LoadSnapshot(snapshotPath)
	require.NoError(t, err)
	assert.Nil(t, snapshot.Optimizer)
	assert.Equal(t, snapshotPath, snapshot.Path)

	// Same shapes: everything is restored.
	params := newParams(2, 10)
	require.NoError(t, RestoreParams(params, snapshot, ""))
	requireSameValues(t, initial, params)

	// Different number of classes: only possible excluding the classifier, which keeps its values.
	params100 := newParams(3, 100)
	before := params100.Values()
	err = RestoreParams(params100, snapshot, "")
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	for v := range params100.All() {
		assert.Equal(t, before[v.ScopeAndName()].Flat(), v.Value.Flat(), "nothing changes on failure")
	}
	require.NoError(t, RestoreParams(params100, snapshot, model.ClassifierScope))
	for v := range params100.All() {
		if v.InScope(model.ClassifierScope) {
			assert.Equal(t, before[v.ScopeAndName()].Flat(), v.Value.Flat(), v.ScopeAndName())
		} else {
			want, _ := initial.Get(v.ScopeAndName())
			assert.Equal(t, want.Value.Flat(), v.Value.Flat(), v.ScopeAndName())
		}
	}

	// Missing variable.
	extended := newParams(1, 10)
	extended.In("extra").Variable(model.WeightsName, initializer.One, 2)
	require.ErrorAs(t, RestoreParams(extended, snapshot, ""), &loadErr)

	_, err = LoadSnapshot(filepath.Join(t.TempDir(), "missing"))
	require.ErrorAs(t, err, &loadErr)
}
