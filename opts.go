package ufsck

import (
	"log/slog"

	"github.com/google/uuid"
)

// Option is a functional option for configuring a Checker.
type Option func(*Checker)

// WithPreen repairs every divergence without asking.
func WithPreen(preen bool) Option {
	return func(c *Checker) {
		c.policy.Preen = preen
	}
}

// WithConfirm sets the function asked about each divergence when not
// preening. Without one, nothing is repaired.
func WithConfirm(confirm func(Divergence) bool) Option {
	return func(c *Checker) {
		c.policy.Confirm = confirm
	}
}

// WithPolicy replaces the whole repair policy.
func WithPolicy(p Policy) Option {
	return func(c *Checker) {
		c.policy = p
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithRunID sets the id reported for the run instead of a random one.
func WithRunID(id uuid.UUID) Option {
	return func(c *Checker) {
		c.runID = id
	}
}

// ImageOption is a functional option for opening an Image.
type ImageOption func(*Image)

// WithImagePath sets the image path.
func WithImagePath(imagePath string) ImageOption {
	return func(i *Image) {
		i.imagePath = imagePath
	}
}

// WithReadOnly opens the image without write access. Checks can still
// run, but repairs will fail to write.
func WithReadOnly(readOnly bool) ImageOption {
	return func(i *Image) {
		i.readOnly = readOnly
	}
}
