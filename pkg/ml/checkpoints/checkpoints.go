// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and loads the state of a pruning run: model variables and,
// optionally, the optimizer state.
//
// Each checkpoint is a single file. The Handler manages the per-round checkpoints of a run,
// one file per (round, epoch) named "{round}_{epoch}" in its directory. SaveSnapshot and
// LoadSnapshot handle the initialization snapshot, used to rewind the weights at every
// pruning round, which uses the same file format without optimizer state.
//
// Example:
//
//	handler := must.M1(checkpoints.New(*flagModelsPath))
//	…
//	// At the end of a round:
//	err := handler.Save(round, epoch, runID, net.Params(), optimizer.State())
//	…
//	// At the start of the next round:
//	ckpt, err := handler.Load(round-1, epoch)
//	if err == nil {
//		err = checkpoints.RestoreParams(net.Params(), ckpt, "")
//	}
//
// File format:
//
//	| "lottery_checkpoint" | len(compression) uint8 | compression | len(json) uint32 | json | data |
//
// The JSON metadata lists the variables with their positions in the (decompressed) data,
// which holds the values as little-endian float32.
package checkpoints

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/gomlx/lottery/pkg/ml/model"
	"github.com/gomlx/lottery/pkg/ml/train/optimizers"
	"github.com/gomlx/lottery/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// LoadError is returned when a checkpoint or snapshot is missing, corrupted, or incompatible
// with the model it is loaded into.
type LoadError struct {
	Path string
	Err  error
}

// Error implements error.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load checkpoint %q: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error { return e.Err }

func newLoadError(path string, err error) *LoadError {
	return &LoadError{Path: path, Err: err}
}

// BinFormat defines the compression of the variables data.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed data format, the default.
	BinGZIP BinFormat = iota

	// BinUncompressed stores the values as is, faster to write for large models.
	BinUncompressed
)

// String implements fmt.Stringer. It is the compression name stored in the files.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

const binHeader = "lottery_checkpoint"

// float32Size is the number of bytes used to store each value.
const float32Size = 4

// maxDeflateRatio bounds how much deflate can expand its input.
const maxDeflateRatio = 1032

// Checkpoint is the content of a checkpoint or snapshot file.
type Checkpoint struct {
	// Path of the file it was read from, empty if not read from a file.
	Path string

	// Round and Epoch the checkpoint was saved at. Snapshots have both set to 0.
	Round, Epoch int

	// RunID identifies the run that created the checkpoint.
	RunID string

	// Names of the variables in the order they were saved.
	Names []string

	// Variables values keyed by scope and name.
	Variables map[string]*tensors.Tensor

	// Optimizer state, nil for snapshots.
	Optimizer *optimizers.State
}

// FromParams creates a Checkpoint with copies of the values of params.
func FromParams(params *model.Params) *Checkpoint {
	ckpt := &Checkpoint{
		Names:     make([]string, 0, params.Len()),
		Variables: make(map[string]*tensors.Tensor, params.Len()),
	}
	for v := range params.All() {
		name := v.ScopeAndName()
		ckpt.Names = append(ckpt.Names, name)
		ckpt.Variables[name] = v.Value.Clone()
	}
	return ckpt
}

// NumElements returns the total number of values of the variables.
func (c *Checkpoint) NumElements() int {
	total := 0
	for _, t := range c.Variables {
		total += t.Size()
	}
	return total
}

// serializedData is how the metadata is read and written from storage.
type serializedData struct {
	Round, Epoch int
	RunID        string `json:",omitempty"`

	// BinFormat describes the format used by the data. It is informative.
	BinFormat string

	Variables []serializedVar
	Optimizer *serializedOptimizer `json:",omitempty"`
}

// serializedVar contains information about the variable that was serialized.
type serializedVar struct {
	Name string

	// Dimensions of the shape.
	Dimensions []int

	// Pos, Length in bytes in the data.
	Pos, Length int
}

type serializedOptimizer struct {
	Name         string
	LearningRate float64
	Step         int64

	// Slots are stored after the variables, with the names being slot keys.
	Slots []serializedVar
}

// Write saves ckpt to filePath, replacing any previous file only once fully written.
func Write(filePath string, ckpt *Checkpoint, bf BinFormat) error {
	if bf != BinGZIP && bf != BinUncompressed {
		return errors.Errorf("invalid checkpoint format %d", bf)
	}
	serialized := &serializedData{
		Round:     ckpt.Round,
		Epoch:     ckpt.Epoch,
		RunID:     ckpt.RunID,
		BinFormat: bf.String(),
	}
	var values []*tensors.Tensor
	pos := 0
	addVar := func(vars []serializedVar, name string, t *tensors.Tensor) []serializedVar {
		length := t.Size() * float32Size
		vars = append(vars, serializedVar{Name: name, Dimensions: t.Shape(), Pos: pos, Length: length})
		values = append(values, t)
		pos += length
		return vars
	}
	for _, name := range ckpt.Names {
		t, found := ckpt.Variables[name]
		if !found {
			return errors.Errorf("checkpoint has no value for variable %q", name)
		}
		serialized.Variables = addVar(serialized.Variables, name, t)
	}
	if state := ckpt.Optimizer; state != nil {
		serialized.Optimizer = &serializedOptimizer{
			Name:         state.Name,
			LearningRate: state.LearningRate,
			Step:         state.Step,
		}
		for _, key := range state.SortedSlotKeys() {
			serialized.Optimizer.Slots = addVar(serialized.Optimizer.Slots, key, state.Slots[key])
		}
	}
	metadata, err := json.Marshal(serialized)
	if err != nil {
		return errors.Wrapf(err, "failed to encode checkpoint metadata for %q", filePath)
	}

	return fsutil.WriteFileAtomic(filePath, func(w io.Writer) error {
		buffered := bufio.NewWriter(w)
		var header []byte
		header = append(header, binHeader...)
		header = append(header, byte(len(bf.String())))
		header = append(header, bf.String()...)
		header = binary.BigEndian.AppendUint32(header, uint32(len(metadata)))
		header = append(header, metadata...)
		if _, err := buffered.Write(header); err != nil {
			return errors.Wrap(err, "write header")
		}
		var dataWriter io.Writer = buffered
		var gz *gzip.Writer
		if bf == BinGZIP {
			gz = gzip.NewWriter(buffered)
			dataWriter = gz
		}
		for _, t := range values {
			if err := binary.Write(dataWriter, binary.LittleEndian, t.Flat()); err != nil {
				return errors.Wrap(err, "write values")
			}
		}
		if gz != nil {
			if err := gz.Close(); err != nil {
				return errors.Wrap(err, "close gzip stream")
			}
		}
		return buffered.Flush()
	})
}

// Read loads the checkpoint in filePath. Any failure is reported as a *LoadError.
func Read(filePath string) (*Checkpoint, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, newLoadError(filePath, errors.Wrap(err, "open"))
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, newLoadError(filePath, errors.Wrap(err, "stat"))
	}
	var ckpt *Checkpoint
	panicErr := exceptions.TryCatch[error](func() {
		ckpt, err = decode(bufio.NewReader(f), info.Size())
	})
	if panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return nil, newLoadError(filePath, err)
	}
	ckpt.Path = filePath
	return ckpt, nil
}

// numBytes returns the number of bytes of a tensor with the given dimensions, or an error if
// any dimension is negative or the size doesn't fit in maxBytes.
func numBytes(dimensions []int, maxBytes int64) (int64, error) {
	for _, dim := range dimensions {
		if dim < 0 {
			return 0, errors.Errorf("invalid dimensions %v", dimensions)
		}
		if dim == 0 {
			return 0, nil
		}
	}
	size := int64(float32Size)
	for _, dim := range dimensions {
		if size > maxBytes/int64(dim) {
			return 0, errors.Errorf("dimensions %v too large for %d bytes of data", dimensions, maxBytes)
		}
		size *= int64(dim)
	}
	if size > maxBytes {
		return 0, errors.Errorf("dimensions %v too large for %d bytes of data", dimensions, maxBytes)
	}
	return size, nil
}

// decode reads a checkpoint from r, which holds fileSize bytes. Sizes read from the file are
// checked against fileSize before anything is allocated.
func decode(r io.Reader, fileSize int64) (*Checkpoint, error) {
	buf := make([]byte, len(binHeader)+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(buf[:len(binHeader)]) != binHeader {
		return nil, errors.New("not a checkpoint file, invalid header")
	}
	compression := make([]byte, buf[len(binHeader)])
	if _, err := io.ReadFull(r, compression); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	var metadataLen uint32
	if err := binary.Read(r, binary.BigEndian, &metadataLen); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	headerLen := int64(len(buf)+len(compression)) + 4
	if int64(metadataLen) > fileSize-headerLen {
		return nil, errors.Errorf("metadata length %d exceeds the file size %d", metadataLen, fileSize)
	}
	dataSize := fileSize - headerLen - int64(metadataLen)
	metadata := make([]byte, metadataLen)
	if _, err := io.ReadFull(r, metadata); err != nil {
		return nil, errors.Wrap(err, "read metadata")
	}
	var serialized serializedData
	if err := json.Unmarshal(metadata, &serialized); err != nil {
		return nil, errors.Wrap(err, "decode metadata")
	}

	dataReader := r
	maxDataBytes := dataSize
	switch string(compression) {
	case BinGZIP.String():
		if dataSize > math.MaxInt64/maxDeflateRatio {
			return nil, errors.Errorf("invalid data size %d", dataSize)
		}
		maxDataBytes = dataSize * maxDeflateRatio
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "read gzip header")
		}
		defer func() { _ = gz.Close() }()
		dataReader = gz
	case BinUncompressed.String():
	default:
		return nil, errors.Errorf("unsupported compression %q", compression)
	}

	ckpt := &Checkpoint{
		Round:     serialized.Round,
		Epoch:     serialized.Epoch,
		RunID:     serialized.RunID,
		Names:     make([]string, 0, len(serialized.Variables)),
		Variables: make(map[string]*tensors.Tensor, len(serialized.Variables)),
	}
	// Values are stored in order, variables first and then the optimizer slots.
	var memoryPos int64
	readVar := func(varInfo serializedVar) (*tensors.Tensor, error) {
		length, err := numBytes(varInfo.Dimensions, maxDataBytes-memoryPos)
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %q at position %d", varInfo.Name, varInfo.Pos)
		}
		if int64(varInfo.Pos) != memoryPos || int64(varInfo.Length) != length {
			return nil, errors.Errorf("variable %q %v at position %d with length %d, expected position %d and length %d",
				varInfo.Name, varInfo.Dimensions, varInfo.Pos, varInfo.Length, memoryPos, length)
		}
		t := tensors.FromShape(varInfo.Dimensions...)
		memoryPos += length
		if err := binary.Read(dataReader, binary.LittleEndian, t.Flat()); err != nil {
			return nil, errors.Wrapf(err, "failed to read contents of variable %q at position %d", varInfo.Name, varInfo.Pos)
		}
		return t, nil
	}
	for _, varInfo := range serialized.Variables {
		if _, found := ckpt.Variables[varInfo.Name]; found {
			return nil, errors.Errorf("variable %q stored twice", varInfo.Name)
		}
		t, err := readVar(varInfo)
		if err != nil {
			return nil, err
		}
		ckpt.Names = append(ckpt.Names, varInfo.Name)
		ckpt.Variables[varInfo.Name] = t
	}
	if opt := serialized.Optimizer; opt != nil {
		ckpt.Optimizer = &optimizers.State{
			Name:         opt.Name,
			LearningRate: opt.LearningRate,
			Step:         opt.Step,
			Slots:        make(map[string]*tensors.Tensor, len(opt.Slots)),
		}
		for _, varInfo := range opt.Slots {
			t, err := readVar(varInfo)
			if err != nil {
				return nil, err
			}
			ckpt.Optimizer.Slots[varInfo.Name] = t
		}
	}
	return ckpt, nil
}

// RestoreParams copies the values of ckpt into params. Variables in excludeScope (if not
// empty) keep their current values.
//
// It fails with a *LoadError if a variable of params (outside excludeScope) is missing from
// the checkpoint or has a different shape. Checkpoint variables unknown to params are ignored.
// Nothing is changed on failure.
func RestoreParams(params *model.Params, ckpt *Checkpoint, excludeScope string) error {
	var toCopy []*model.Variable
	for v := range params.All() {
		if excludeScope != "" && v.InScope(excludeScope) {
			continue
		}
		value, found := ckpt.Variables[v.ScopeAndName()]
		if !found {
			return newLoadError(ckpt.Path, errors.Errorf("variable %q missing", v.ScopeAndName()))
		}
		if !value.SameShape(v.Value) {
			return newLoadError(ckpt.Path, errors.Errorf("variable %q is shaped %s, but the model expects %s",
				v.ScopeAndName(), value.ShapeString(), v.Value.ShapeString()))
		}
		toCopy = append(toCopy, v)
	}
	for _, v := range toCopy {
		copy(v.Value.Flat(), ckpt.Variables[v.ScopeAndName()].Flat())
	}
	return nil
}

// SaveSnapshot writes the current values of params as the initialization snapshot in filePath.
func SaveSnapshot(filePath string, params *model.Params) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	return Write(filePath, FromParams(params), BinGZIP)
}

// LoadSnapshot reads the initialization snapshot in filePath.
func LoadSnapshot(filePath string) (*Checkpoint, error) {
	expanded, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, newLoadError(filePath, err)
	}
	return Read(expanded)
}
