// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	// Extra image formats, on top of the ones registered by imaging.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ImageExtensions are the (lower-case) file extensions recognized as images by ScanImageFolder.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".bmp"}

// ImageSample is one image file and its class label.
type ImageSample struct {
	Path  string
	Label int64
}

// ImageFolder is the list of images of a directory organized as `<dir>/<class>/<image>`.
// Class labels are the indices of the class directory names, sorted.
type ImageFolder struct {
	Dir     string
	Classes []string
	Samples []ImageSample
}

// ScanImageFolder lists the images under dir, scanning up to `workers` class directories in parallel.
// Files with extensions not in ImageExtensions are ignored.
//
// It returns an error if dir has no class subdirectories.
func ScanImageFolder(ctx context.Context, dir string, workers int) (*ImageFolder, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "ScanImageFolder(%q)", dir)
	}
	folder := &ImageFolder{Dir: dir}
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			folder.Classes = append(folder.Classes, entry.Name())
		}
	}
	if len(folder.Classes) == 0 {
		return nil, errors.Errorf("ScanImageFolder(%q): no class directories found", dir)
	}
	slices.Sort(folder.Classes)

	perClass := make([][]ImageSample, len(folder.Classes))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for label, class := range folder.Classes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			classDir := filepath.Join(dir, class)
			files, err := os.ReadDir(classDir)
			if err != nil {
				return errors.Wrapf(err, "ScanImageFolder: reading class %q", classDir)
			}
			var samples []ImageSample
			for _, file := range files {
				if file.IsDir() || !IsImageFile(file.Name()) {
					continue
				}
				samples = append(samples, ImageSample{Path: filepath.Join(classDir, file.Name()), Label: int64(label)})
			}
			perClass[label] = samples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, samples := range perClass {
		folder.Samples = append(folder.Samples, samples...)
	}
	klog.V(1).Infof("ScanImageFolder(%q): %d images in %d classes", dir, len(folder.Samples), len(folder.Classes))
	return folder, nil
}

// IsImageFile returns whether the file name has one of the ImageExtensions.
func IsImageFile(name string) bool {
	return slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(name)))
}

// Len returns the number of images.
func (f *ImageFolder) Len() int { return len(f.Samples) }

// NumClasses returns the number of classes.
func (f *ImageFolder) NumClasses() int { return len(f.Classes) }

// Load decodes the i-th image, applying the EXIF orientation if present.
func (f *ImageFolder) Load(i int) (image.Image, int64, error) {
	sample := f.Samples[i]
	img, err := imaging.Open(sample.Path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to decode image %q", sample.Path)
	}
	return img, sample.Label, nil
}
