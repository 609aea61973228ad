// Package util discovers and loads image inputs.
package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detect/models/model/preprocess"
)

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
	// Format is the sniffed image format.
	Format preprocess.ImageFormat
	// Frame is the trailing number of the file name, e.g. 12 for frame-12.jpg, or -1.
	Frame int
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true,
	".gif": true, ".tif": true, ".tiff": true, ".webp": true,
}

// LoadImageFiles reads one image file, or every image file directly inside a directory.
//
// Directory entries are selected by extension and then sniffed; files whose content is not a
// supported image are skipped. Results are ordered by frame number, then by name.
//
// Arguments:
//   - path: An image file or a directory of images.
//
// Returns:
//   - []ImageFile: The images, each with its raw bytes.
//   - error: If path cannot be read, or names a single file that is not a supported image.
func LoadImageFiles(path string) ([]ImageFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat input")
	}

	if !info.IsDir() {
		file, err := loadImageFile(path)
		if err != nil {
			return nil, err
		}
		return []ImageFile{file}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read directory %s", path)
	}

	var images []ImageFile
	for _, entry := range entries {
		if entry.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		file, err := loadImageFile(filepath.Join(path, entry.Name()))
		if errors.Is(err, preprocess.ErrUnsupportedFormat) {
			continue
		}
		if err != nil {
			return nil, err
		}
		images = append(images, file)
	}

	sort.Slice(images, func(i, j int) bool {
		if images[i].Frame != images[j].Frame {
			return images[i].Frame < images[j].Frame
		}
		return images[i].Path < images[j].Path
	})

	return images, nil
}

func loadImageFile(path string) (ImageFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImageFile{}, errors.Wrapf(err, "failed to read %s", path)
	}
	format, err := preprocess.DetectFormat(data)
	if err != nil {
		return ImageFile{}, errors.Wrap(err, path)
	}
	return ImageFile{Path: path, Data: data, Format: format, Frame: frameNumber(path)}, nil
}

// frameNumber parses the digits ending a file name, ignoring the extension.
func frameNumber(path string) int {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return -1
	}
	frame, err := strconv.Atoi(name[i:])
	if err != nil {
		return -1
	}
	return frame
}
