// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"compress/gzip"
	"encoding/binary"
	"image"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/lottery/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Fashion-MNIST, see https://github.com/zalandoresearch/fashion-mnist.
//
// The 28x28 grayscale images are resized to 32x32 and replicated over 3 channels, so they can
// be used with the same models as the other datasets.
const (
	FashionMNISTUrl    = "http://fashion-mnist.s3-website.eu-central-1.amazonaws.com"
	FashionMNISTSubDir = "fashion-mnist"

	fashionTrainImages = "train-images-idx3-ubyte.gz"
	fashionTrainLabels = "train-labels-idx1-ubyte.gz"
	fashionTestImages  = "t10k-images-idx3-ubyte.gz"
	fashionTestLabels  = "t10k-labels-idx1-ubyte.gz"

	idxImageMagic = 0x00000803
	idxLabelMagic = 0x00000801
)

// Statistics of the Fashion-MNIST training images, the same for the 3 replicated channels.
var (
	FashionMNISTMean   = []float32{0.2860, 0.2860, 0.2860}
	FashionMNISTStddev = []float32{0.3530, 0.3530, 0.3530}
)

type idxImageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type idxLabelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// DownloadFashionMNIST downloads the Fashion-MNIST files into baseDir/fashion-mnist, if not there yet.
func DownloadFashionMNIST(baseDir string) error {
	for _, file := range []string{fashionTrainImages, fashionTrainLabels, fashionTestImages, fashionTestLabels} {
		fileURL, err := url.JoinPath(FashionMNISTUrl, file)
		if err != nil {
			return errors.Wrapf(err, "invalid URL for %q", file)
		}
		if err = DownloadIfMissing(fileURL, filepath.Join(baseDir, FashionMNISTSubDir, file), ""); err != nil {
			return err
		}
	}
	return nil
}

// openGzip opens a gzip compressed file. Closing the returned reader closes the file.
func openGzip(filePath string) (io.ReadCloser, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	return &gzipFile{Reader: gz, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	_ = g.Reader.Close()
	return g.f.Close()
}

// readIDXImages reads the grayscale images of an IDX file.
func readIDXImages(filePath string) (images []*image.Gray, err error) {
	r, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	var header idxImageFileHeader
	if err = binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != idxImageMagic || header.NumImages < 0 || header.Height <= 0 || header.Width <= 0 {
		return nil, errors.Errorf("invalid IDX images header in %q: %+v", filePath, header)
	}
	height, width := int(header.Height), int(header.Width)
	images = make([]*image.Gray, header.NumImages)
	for ii := range images {
		img := image.NewGray(image.Rect(0, 0, width, height))
		if _, err = io.ReadFull(r, img.Pix); err != nil {
			return nil, errors.Wrapf(err, "failed to read image %d of %q", ii, filePath)
		}
		images[ii] = img
	}
	return images, nil
}

// readIDXLabels reads the labels of an IDX file.
func readIDXLabels(filePath string) ([]int32, error) {
	r, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	var header idxLabelFileHeader
	if err = binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != idxLabelMagic || header.NumLabels < 0 {
		return nil, errors.Errorf("invalid IDX labels header in %q: %+v", filePath, header)
	}
	raw := make([]byte, header.NumLabels)
	if _, err = io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read labels of %q", filePath)
	}
	labels := make([]int32, len(raw))
	for ii, b := range raw {
		labels[ii] = int32(b)
	}
	return labels, nil
}

// grayToTensor resizes the images to Height x Width (bilinear) and writes them, replicated
// over Depth channels and scaled to [0, 1], as a tensor shaped [numImages, Depth, Height, Width].
func grayToTensor(images []*image.Gray) *tensors.Tensor {
	t := tensors.FromShape(len(images), Depth, Height, Width)
	data := t.Flat()
	planeSize := Height * Width
	for ii, img := range images {
		resized := imaging.Resize(img, Width, Height, imaging.Linear)
		example := data[ii*imageSizeBytes : (ii+1)*imageSizeBytes]
		for y := range Height {
			for x := range Width {
				// imaging returns NRGBA: for a gray source R == G == B.
				v := float32(resized.Pix[y*resized.Stride+x*4]) / 255
				for ch := range Depth {
					example[ch*planeSize+y*Width+x] = v
				}
			}
		}
	}
	return t
}

// LoadFashionMNIST downloads (if needed) and loads the train or test split of Fashion-MNIST
// from baseDir. Images are resized to 32x32, replicated over 3 channels and normalized.
func LoadFashionMNIST(baseDir string, train bool) (*InMemoryDataset, error) {
	if err := DownloadFashionMNIST(baseDir); err != nil {
		return nil, err
	}
	imagesFile, labelsFile, name := fashionTestImages, fashionTestLabels, "fashionmnist-test"
	if train {
		imagesFile, labelsFile, name = fashionTrainImages, fashionTrainLabels, "fashionmnist-train"
	}
	dir := filepath.Join(baseDir, FashionMNISTSubDir)
	return loadIDX(name, filepath.Join(dir, imagesFile), filepath.Join(dir, labelsFile))
}

func loadIDX(name, imagesPath, labelsPath string) (*InMemoryDataset, error) {
	images, err := readIDXImages(imagesPath)
	if err != nil {
		return nil, err
	}
	labels, err := readIDXLabels(labelsPath)
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, errors.Errorf("%d images in %q but %d labels in %q", len(images), imagesPath, len(labels), labelsPath)
	}
	ds, err := InMemoryFromData(name, grayToTensor(images), labels)
	if err != nil {
		return nil, err
	}
	return ds, ds.Normalize(FashionMNISTMean, FashionMNISTStddev)
}
