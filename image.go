package ufsck

import (
	"context"
	"errors"
	"fmt"
)

// Image provides the public API for checking UFS image files. It wraps a
// locked FileStore and, for images created with New, the Builder that lays
// the filesystem out.
type Image struct {
	store   *FileStore
	builder *Builder

	imagePath string
	readOnly  bool
}

// New creates an image file for the filesystem described by p. The image
// path must be specified via WithImagePath. Allocate through Builder, then
// call Save to write the filesystem out.
func New(p Params, opts ...ImageOption) (*Image, error) {
	img := &Image{}
	for _, opt := range opts {
		opt(img)
	}

	if img.imagePath == "" {
		return nil, errors.New("image path is required: use WithImagePath")
	}

	store, err := CreateFileStore(img.imagePath, p.ImageBytes())
	if err != nil {
		return nil, err
	}

	builder, err := NewBuilder(store, p)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to lay out filesystem: %w", err)
	}

	img.store = store
	img.builder = builder

	return img, nil
}

// Open opens an existing image for checking. The image path must be
// specified via WithImagePath.
//
// Example:
//
//	img, err := ufsck.Open(ufsck.WithImagePath("disk.img"))
//	if err != nil {
//	    return err
//	}
//	defer img.Close()
//
//	report, err := img.Check(ctx, inodes, blocks, ufsck.WithPreen(true))
func Open(opts ...ImageOption) (*Image, error) {
	img := &Image{}
	for _, opt := range opts {
		opt(img)
	}

	if img.imagePath == "" {
		return nil, errors.New("image path is required: use WithImagePath")
	}

	store, err := OpenFileStore(img.imagePath, img.readOnly)
	if err != nil {
		return nil, err
	}

	if _, err := ReadSuperblock(store); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load filesystem: %w", err)
	}

	img.store = store
	return img, nil
}

// Builder returns the builder of an image created with New, or nil.
func (e *Image) Builder() *Builder {
	return e.builder
}

// Save writes the built filesystem and syncs the image.
func (e *Image) Save() error {
	if e.builder == nil {
		return errors.New("image was not created with New")
	}

	if err := e.builder.Write(); err != nil {
		return fmt.Errorf("failed to write filesystem: %w", err)
	}

	if err := e.store.Sync(); err != nil {
		return fmt.Errorf("failed to sync image: %w", err)
	}

	return nil
}

// Check runs a Checker over the image with the given allocation state and
// syncs the image if anything was repaired.
func (e *Image) Check(ctx context.Context, inodes []InodeState, blocks BlockMap, opts ...Option) (*Report, error) {
	checker, err := NewChecker(e.store, opts...)
	if err != nil {
		return nil, err
	}

	report, err := checker.Check(ctx, inodes, blocks)
	if report != nil && len(report.Written) > 0 {
		if serr := e.store.Sync(); serr != nil && err == nil {
			err = fmt.Errorf("failed to sync image: %w", serr)
		}
	}

	return report, err
}

// Close releases the image file.
func (e *Image) Close() error {
	return e.store.Close()
}
