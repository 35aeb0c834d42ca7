// Package weights loads serialized model checkpoints onto a compute device.
//
// A Loader carries the device resolved at startup and hands it to every
// decode call that does not name a device of its own, so code that loads
// checkpoints never has to know which backend the process runs on.
package weights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/book-expert/voice-clone-service/internal/device"
)

// ErrPathEmpty is returned when Load is called without a path.
var ErrPathEmpty = errors.New("checkpoint path cannot be empty")

// ErrNilDecoder is returned by NewLoader when no decoder is supplied.
var ErrNilDecoder = errors.New("decoder cannot be nil")

// LoadOptions are the effective options of a single Load call.
type LoadOptions struct {
	Device    device.Device
	Strict    bool
	deviceSet bool
}

// ExplicitDevice reports whether the caller chose the device.
func (o LoadOptions) ExplicitDevice() bool {
	return o.deviceSet
}

// LoadOption customises a Load call.
type LoadOption func(*LoadOptions)

// WithDevice pins a load to d regardless of the loader's default device.
func WithDevice(d device.Device) LoadOption {
	return func(o *LoadOptions) {
		o.Device = d
		o.deviceSet = true
	}
}

// WithStrict makes the decoder reject unknown dtypes instead of skipping them.
func WithStrict() LoadOption {
	return func(o *LoadOptions) {
		o.Strict = true
	}
}

// Decoder turns a serialized checkpoint into a Checkpoint placed on opts.Device.
type Decoder interface {
	Decode(ctx context.Context, r io.Reader, opts LoadOptions) (*Checkpoint, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(ctx context.Context, r io.Reader, opts LoadOptions) (*Checkpoint, error)

// Decode calls f.
func (f DecoderFunc) Decode(ctx context.Context, r io.Reader, opts LoadOptions) (*Checkpoint, error) {
	return f(ctx, r, opts)
}

// Loader opens checkpoint files and decodes them onto its target device unless
// a call overrides it with WithDevice.
type Loader struct {
	target  device.Device
	decoder Decoder
}

// NewLoader creates a Loader that defaults every load to target.
func NewLoader(target device.Device, decoder Decoder) (*Loader, error) {
	if decoder == nil {
		return nil, ErrNilDecoder
	}

	return &Loader{target: target, decoder: decoder}, nil
}

// Device returns the loader's default device.
func (l *Loader) Device() device.Device {
	return l.target
}

// Options resolves the effective options for a call with opts.
func (l *Loader) Options(opts ...LoadOption) LoadOptions {
	effective := LoadOptions{}

	for _, opt := range opts {
		opt(&effective)
	}

	if !effective.ExplicitDevice() {
		effective.Device = l.target
	}

	return effective
}

// Load decodes the checkpoint stored at path.
func (l *Loader) Load(ctx context.Context, path string, opts ...LoadOption) (*Checkpoint, error) {
	if path == "" {
		return nil, ErrPathEmpty
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint '%s': %w", path, err)
	}
	defer file.Close()

	checkpoint, err := l.LoadReader(ctx, file, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint '%s': %w", path, err)
	}

	checkpoint.Path = path

	return checkpoint, nil
}

// LoadReader decodes a checkpoint from r.
func (l *Loader) LoadReader(ctx context.Context, r io.Reader, opts ...LoadOption) (*Checkpoint, error) {
	effective := l.Options(opts...)

	checkpoint, err := l.decoder.Decode(ctx, r, effective)
	if err != nil {
		return nil, err
	}

	return checkpoint, nil
}
