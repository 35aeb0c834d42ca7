// Package device selects the compute backend used for weight loading and
// inference. The choice is made once at startup and never changes.
package device

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Device names a compute backend understood by the inference backend.
type Device string

const (
	// MPS is the Apple Metal Performance Shaders backend.
	MPS Device = "mps"
	// CUDA is the NVIDIA GPU backend.
	CUDA Device = "cuda"
	// CPU is available everywhere and is the fallback for every resolution.
	CPU Device = "cpu"
	// Auto asks Resolve to pick the device.
	Auto Device = "auto"
)

const (
	envCUDAVisibleDevices = "CUDA_VISIBLE_DEVICES"
	nvidiaControlDevice   = "/dev/nvidiactl"
	cudaDisabledValue     = "-1"
)

// ErrUnknownDevice is returned by Parse for names that are not a known backend.
var ErrUnknownDevice = errors.New("unknown device")

// DefaultPreference is the order used when no preference is configured.
var DefaultPreference = []Device{MPS}

// Prober reports whether a backend can be used on this host.
type Prober interface {
	Available(d Device) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(d Device) bool

// Available calls f(d).
func (f ProberFunc) Available(d Device) bool {
	return f(d)
}

// String returns the backend name.
func (d Device) String() string {
	return string(d)
}

// Accelerated reports whether d is a hardware-accelerated backend.
func (d Device) Accelerated() bool {
	return d == MPS || d == CUDA
}

// Parse converts a configuration value into a Device. The empty string is Auto.
func Parse(name string) (Device, error) {
	switch Device(strings.ToLower(strings.TrimSpace(name))) {
	case "", Auto:
		return Auto, nil
	case MPS:
		return MPS, nil
	case CUDA:
		return CUDA, nil
	case CPU:
		return CPU, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
}

// Resolve returns the first preferred device the prober reports as available,
// or CPU when none is. It never fails: a nil prober or an empty preference list
// both fall back to CPU.
func Resolve(prober Prober, preferred ...Device) Device {
	if prober == nil {
		return CPU
	}

	for _, candidate := range preferred {
		if candidate == CPU || candidate == Auto || candidate == "" {
			continue
		}

		if prober.Available(candidate) {
			return candidate
		}
	}

	return CPU
}

// HostProber inspects the running host. Its fields exist so tests can
// substitute the environment; the zero value reads the real one.
type HostProber struct {
	GOOS       string
	GOARCH     string
	Getenv     func(string) string
	FileExists func(string) bool
}

// Available implements Prober.
func (h HostProber) Available(d Device) bool {
	switch d {
	case CPU:
		return true
	case MPS:
		return h.goos() == "darwin" && h.goarch() == "arm64"
	case CUDA:
		return h.cudaAvailable()
	default:
		return false
	}
}

func (h HostProber) cudaAvailable() bool {
	getenv := h.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	visible := strings.TrimSpace(getenv(envCUDAVisibleDevices))
	if visible == cudaDisabledValue {
		return false
	}

	if visible != "" {
		return true
	}

	exists := h.FileExists
	if exists == nil {
		exists = fileExists
	}

	return exists(nvidiaControlDevice)
}

func (h HostProber) goos() string {
	if h.GOOS != "" {
		return h.GOOS
	}

	return runtime.GOOS
}

func (h HostProber) goarch() string {
	if h.GOARCH != "" {
		return h.GOARCH
	}

	return runtime.GOARCH
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
