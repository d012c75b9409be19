// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/pkg/errors"
)

// CIFAR-10 and CIFAR-100, see https://www.cs.toronto.edu/~kriz/cifar.html
const (
	C10Url     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	C10TarName = "cifar-10-binary.tar.gz"
	C10SubDir  = "cifar-10-batches-bin"

	C100Url     = "https://www.cs.toronto.edu/~kriz/cifar-100-binary.tar.gz"
	C100TarName = "cifar-100-binary.tar.gz"
	C100SubDir  = "cifar-100-binary"

	// C10ExamplesPerFile is the number of examples in each of the CIFAR-10 binary files.
	C10ExamplesPerFile = 10000

	// CifarNumTrainExamples and CifarNumTestExamples are the same for CIFAR-10 and CIFAR-100.
	CifarNumTrainExamples = 50000
	CifarNumTestExamples  = 10000
)

// Width, Height and Depth are the dimensions of the images of all datasets.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3

	imageSizeBytes = Height * Width * Depth
)

// Per-channel statistics of the training splits, used to normalize the images.
var (
	C10Mean    = []float32{0.4914, 0.4822, 0.4465}
	C10Stddev  = []float32{0.2470, 0.2435, 0.2616}
	C100Mean   = []float32{0.5071, 0.4865, 0.4409}
	C100Stddev = []float32{0.2673, 0.2564, 0.2762}
)

// DownloadCifar10 downloads and untars CIFAR-10 into baseDir, if not there yet.
func DownloadCifar10(baseDir string) error {
	return DownloadAndUntarIfMissing(C10Url, baseDir, C10TarName, C10SubDir,
		"c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd")
}

// DownloadCifar100 downloads and untars CIFAR-100 into baseDir, if not there yet.
func DownloadCifar100(baseDir string) error {
	return DownloadAndUntarIfMissing(C100Url, baseDir, C100TarName, C100SubDir,
		"58a81ae192c23a4be8b1804d68e518ed807d710a4eb253b1f2a199162a40d8ec")
}

// readCifarFiles reads records of labelBytes label bytes followed by a 32x32x3 image (channels
// first, the same layout used by the models) from the given files. The label used is the last
// of the label bytes (the fine label for CIFAR-100).
func readCifarFiles(name string, files []string, labelBytes, numExamples int) (*InMemoryDataset, error) {
	images := tensors.FromShape(numExamples, Depth, Height, Width)
	labels := make([]int32, numExamples)
	data := images.Flat()
	record := make([]byte, labelBytes+imageSizeBytes)
	exampleIdx := 0
	for _, filePath := range files {
		f, err := os.Open(filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "opening data file %q", filePath)
		}
		r := bufio.NewReader(f)
		for {
			_, err = io.ReadFull(r, record)
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = f.Close()
				return nil, errors.Wrapf(err, "reading example %d from %q", exampleIdx, filePath)
			}
			if exampleIdx >= numExamples {
				_ = f.Close()
				return nil, errors.Errorf("more than the expected %d examples in %v", numExamples, files)
			}
			labels[exampleIdx] = int32(record[labelBytes-1])
			pixels := data[exampleIdx*imageSizeBytes : (exampleIdx+1)*imageSizeBytes]
			for ii, b := range record[labelBytes:] {
				pixels[ii] = float32(b) / 255
			}
			exampleIdx++
		}
		_ = f.Close()
	}
	if exampleIdx != numExamples {
		return nil, errors.Errorf("read %d examples from %v, expected %d", exampleIdx, files, numExamples)
	}
	return InMemoryFromData(name, images, labels)
}

// LoadCifar10 downloads (if needed) and loads the train or test split of CIFAR-10 from baseDir.
// Images are normalized with C10Mean and C10Stddev.
func LoadCifar10(baseDir string, train bool) (*InMemoryDataset, error) {
	if err := DownloadCifar10(baseDir); err != nil {
		return nil, err
	}
	dir := filepath.Join(baseDir, C10SubDir)
	var files []string
	numExamples := CifarNumTestExamples
	name := "cifar10-test"
	if train {
		for fileIdx := range CifarNumTrainExamples / C10ExamplesPerFile {
			files = append(files, filepath.Join(dir, fmt.Sprintf("data_batch_%d.bin", fileIdx+1)))
		}
		numExamples = CifarNumTrainExamples
		name = "cifar10-train"
	} else {
		files = []string{filepath.Join(dir, "test_batch.bin")}
	}
	ds, err := readCifarFiles(name, files, 1, numExamples)
	if err != nil {
		return nil, err
	}
	return ds, ds.Normalize(C10Mean, C10Stddev)
}

// LoadCifar100 downloads (if needed) and loads the train or test split of CIFAR-100 from baseDir,
// with its 100 fine labels. Images are normalized with C100Mean and C100Stddev.
func LoadCifar100(baseDir string, train bool) (*InMemoryDataset, error) {
	if err := DownloadCifar100(baseDir); err != nil {
		return nil, err
	}
	dir := filepath.Join(baseDir, C100SubDir)
	file, numExamples, name := "test.bin", CifarNumTestExamples, "cifar100-test"
	if train {
		file, numExamples, name = "train.bin", CifarNumTrainExamples, "cifar100-train"
	}
	ds, err := readCifarFiles(name, []string{filepath.Join(dir, file)}, 2, numExamples)
	if err != nil {
		return nil, err
	}
	return ds, ds.Normalize(C100Mean, C100Stddev)
}
