// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"image"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Transform is an image augmentation or preprocessing step. It must be safe for concurrent use: randomness
// comes from the given rng, owned by the caller.
type Transform interface {
	Apply(img image.Image, rng *rand.Rand) image.Image
}

// TransformFn adapts a function to a Transform.
type TransformFn func(img image.Image, rng *rand.Rand) image.Image

// Apply implements Transform.
func (fn TransformFn) Apply(img image.Image, rng *rand.Rand) image.Image { return fn(img, rng) }

// Compose applies the transforms in order.
func Compose(transforms ...Transform) Transform {
	return TransformFn(func(img image.Image, rng *rand.Rand) image.Image {
		for _, t := range transforms {
			img = t.Apply(img, rng)
		}
		return img
	})
}

// RandomResizedCrop crops a random region of the image, covering a fraction in [minScale, 1] of its area with a
// random aspect ratio in [3/4, 4/3], and resizes it to size x size.
// If no valid region is found after 10 attempts, it falls back to a center crop.
func RandomResizedCrop(size int, minScale float64) Transform {
	const attempts = 10
	logRatioMin, logRatioMax := math.Log(3.0/4.0), math.Log(4.0/3.0)
	return TransformFn(func(img image.Image, rng *rand.Rand) image.Image {
		bounds := img.Bounds()
		width, height := bounds.Dx(), bounds.Dy()
		area := float64(width * height)
		for range attempts {
			targetArea := area * (minScale + rng.Float64()*(1-minScale))
			ratio := math.Exp(logRatioMin + rng.Float64()*(logRatioMax-logRatioMin))
			w := int(math.Round(math.Sqrt(targetArea * ratio)))
			h := int(math.Round(math.Sqrt(targetArea / ratio)))
			if w <= 0 || h <= 0 || w > width || h > height {
				continue
			}
			x0 := bounds.Min.X + rng.IntN(width-w+1)
			y0 := bounds.Min.Y + rng.IntN(height-h+1)
			cropped := imaging.Crop(img, image.Rect(x0, y0, x0+w, y0+h))
			return imaging.Resize(cropped, size, size, imaging.Linear)
		}
		side := min(width, height)
		return imaging.Resize(imaging.CropCenter(img, side, side), size, size, imaging.Linear)
	})
}

// RandomHorizontalFlip flips the image horizontally with probability 0.5.
func RandomHorizontalFlip() Transform {
	return TransformFn(func(img image.Image, rng *rand.Rand) image.Image {
		if rng.IntN(2) == 0 {
			return img
		}
		return imaging.FlipH(img)
	})
}

// Resize scales the image so that its shorter side is `size`, preserving the aspect ratio.
func Resize(size int) Transform {
	return TransformFn(func(img image.Image, _ *rand.Rand) image.Image {
		bounds := img.Bounds()
		if bounds.Dx() <= bounds.Dy() {
			return imaging.Resize(img, size, 0, imaging.Linear)
		}
		return imaging.Resize(img, 0, size, imaging.Linear)
	})
}

// CenterCrop crops the center size x size region of the image.
func CenterCrop(size int) Transform {
	return TransformFn(func(img image.Image, _ *rand.Rand) image.Image {
		return imaging.CropCenter(img, size, size)
	})
}

// TrainTransforms returns the augmentation used for training: a random resized crop followed by a random
// horizontal flip.
func TrainTransforms(size int, minScale float64) Transform {
	return Compose(RandomResizedCrop(size, minScale), RandomHorizontalFlip())
}

// ValResizeFactor is the ratio between the resize and the center crop of the validation transforms.
const ValResizeFactor = 1.14

// ValTransforms returns the preprocessing used for validation: resize to size*ValResizeFactor and center crop.
func ValTransforms(size int) Transform {
	return Compose(Resize(int(float64(size)*ValResizeFactor)), CenterCrop(size))
}

// Per-channel mean and standard deviation of the ImageNet training set, used to normalize the inputs.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ToNormalizedHWC writes the RGB values of a size x size image into dst (length size*size*3), in height, width,
// channel order, normalized with ImageNetMean and ImageNetStd.
func ToNormalizedHWC(img image.Image, size int, dst []float32) error {
	bounds := img.Bounds()
	if bounds.Dx() != size || bounds.Dy() != size {
		return errors.Errorf("ToNormalizedHWC: expected a %dx%d image, got %dx%d", size, size, bounds.Dx(), bounds.Dy())
	}
	if len(dst) != size*size*3 {
		return errors.Errorf("ToNormalizedHWC: dst has %d values, expected %d", len(dst), size*size*3)
	}
	nrgba := imaging.Clone(img)
	pos := 0
	for y := range size {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*size]
		for x := range size {
			for c := range 3 {
				v := float32(row[4*x+c]) / 255.0
				dst[pos] = (v - ImageNetMean[c]) / ImageNetStd[c]
				pos++
			}
		}
	}
	return nil
}
