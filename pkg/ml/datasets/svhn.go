// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"os"
	"path/filepath"

	"github.com/daniellowtw/matlab"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/pkg/errors"
)

// SVHN (Street View House Numbers), cropped digits format, see http://ufldl.stanford.edu/housenumbers/.
//
// The Matlab files hold "X", shaped [32, 32, 3, numExamples] in column-major order, and "y"
// with labels 1 to 10, where 10 stands for the digit 0.
const (
	SVHNUrl    = "http://ufldl.stanford.edu/housenumbers/"
	SVHNSubDir = "svhn"

	svhnTrainFile = "train_32x32.mat"
	svhnTestFile  = "test_32x32.mat"
)

// Per-channel statistics of the SVHN training images.
var (
	SVHNMean   = []float32{0.4377, 0.4438, 0.4728}
	SVHNStddev = []float32{0.1980, 0.2010, 0.1970}
)

// DownloadSVHN downloads the SVHN train and test files into baseDir/svhn, if not there yet.
func DownloadSVHN(baseDir string) error {
	for _, file := range []string{svhnTrainFile, svhnTestFile} {
		if err := DownloadIfMissing(SVHNUrl+file, filepath.Join(baseDir, SVHNSubDir, file), ""); err != nil {
			return err
		}
	}
	return nil
}

// matlabNumber converts the numeric values returned by the Matlab parser.
func matlabNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case uint8:
		return float64(v), true
	case int8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case int16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// readSVHN parses an SVHN Matlab file.
func readSVHN(name, filePath string) (*InMemoryDataset, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	matlabFile, err := matlab.NewFileFromReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse Matlab file %q", filePath)
	}
	matImages, found := matlabFile.GetVar("X")
	if !found {
		return nil, errors.Errorf("failed to parse var \"X\" in Matlab file %q", filePath)
	}
	matLabels, found := matlabFile.GetVar("y")
	if !found {
		return nil, errors.Errorf("failed to parse var \"y\" in Matlab file %q", filePath)
	}

	labelValues := matLabels.Value()
	numExamples := len(labelValues)
	labels := make([]int32, numExamples)
	for ii, value := range labelValues {
		label, ok := matlabNumber(value)
		if !ok || label < 1 || label > 10 {
			return nil, errors.Errorf("invalid label %v for example %d in %q", value, ii, filePath)
		}
		labels[ii] = int32(label) % 10
	}

	pixelValues := matImages.Value()
	if len(pixelValues) != numExamples*imageSizeBytes {
		return nil, errors.Errorf("%q has %d pixel values, expected %d for %d examples of 32x32x3",
			filePath, len(pixelValues), numExamples*imageSizeBytes, numExamples)
	}
	images := tensors.FromShape(numExamples, Depth, Height, Width)
	data := images.Flat()
	// Column-major [h, w, c, n]: h varies fastest.
	idx := 0
	for example := range numExamples {
		for ch := range Depth {
			for x := range Width {
				for y := range Height {
					v, ok := matlabNumber(pixelValues[idx])
					if !ok {
						return nil, errors.Errorf("invalid pixel value %v in %q", pixelValues[idx], filePath)
					}
					data[((example*Depth+ch)*Height+y)*Width+x] = float32(v / 255)
					idx++
				}
			}
		}
	}
	return InMemoryFromData(name, images, labels)
}

// LoadSVHN downloads (if needed) and loads the train or test split of SVHN from baseDir.
// Images are normalized with SVHNMean and SVHNStddev.
//
// The Matlab parser materializes every pixel as an interface value, so loading the training
// split temporarily needs several GiB of memory.
func LoadSVHN(baseDir string, train bool) (*InMemoryDataset, error) {
	if err := DownloadSVHN(baseDir); err != nil {
		return nil, err
	}
	file, name := svhnTestFile, "svhn-test"
	if train {
		file, name = svhnTrainFile, "svhn-train"
	}
	ds, err := readSVHN(name, filepath.Join(baseDir, SVHNSubDir, file))
	if err != nil {
		return nil, err
	}
	return ds, ds.Normalize(SVHNMean, SVHNStddev)
}
