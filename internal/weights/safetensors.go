package weights

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/book-expert/voice-clone-service/internal/device"
)

const (
	headerLengthBytes = 8
	maxHeaderBytes    = 100 << 20
	metadataKey       = "__metadata__"
	copyBufferBytes   = 1 << 20
)

// Static errors.
var (
	ErrHeaderTruncated    = errors.New("safetensors header truncated")
	ErrHeaderTooLarge     = errors.New("safetensors header too large")
	ErrInvalidTensor      = errors.New("invalid tensor entry")
	ErrUnknownDType       = errors.New("unknown dtype")
	ErrDataOutOfRange     = errors.New("tensor data out of range")
	ErrTensorSizeMismatch = errors.New("tensor size does not match shape")
)

var dtypeSizes = map[string]int64{
	"BOOL":    1,
	"U8":      1,
	"I8":      1,
	"F8_E4M3": 1,
	"F8_E5M2": 1,
	"I16":     2,
	"U16":     2,
	"F16":     2,
	"BF16":    2,
	"I32":     4,
	"U32":     4,
	"F32":     4,
	"I64":     8,
	"U64":     8,
	"F64":     8,
}

// TensorInfo describes one tensor inside a checkpoint.
type TensorInfo struct {
	Name        string   `json:"-"`
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Elements returns the number of elements implied by the shape.
func (t TensorInfo) Elements() int64 {
	count := int64(1)
	for _, dim := range t.Shape {
		count *= dim
	}

	return count
}

// Checkpoint is a decoded checkpoint bound to a device.
type Checkpoint struct {
	Path     string
	Device   device.Device
	Tensors  []TensorInfo
	Metadata map[string]string
	DataSize int64
}

// Parameters returns the total element count over all tensors.
func (c *Checkpoint) Parameters() int64 {
	var total int64
	for _, tensor := range c.Tensors {
		total += tensor.Elements()
	}

	return total
}

// SafetensorsDecoder validates a safetensors file and indexes its tensors.
// Tensor bytes are streamed through and counted, not retained.
type SafetensorsDecoder struct{}

// Decode implements Decoder.
func (SafetensorsDecoder) Decode(ctx context.Context, r io.Reader, opts LoadOptions) (*Checkpoint, error) {
	header, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	tensors, metadata, err := parseHeader(header, opts.Strict)
	if err != nil {
		return nil, err
	}

	dataSize, err := countData(ctx, r)
	if err != nil {
		return nil, err
	}

	for _, tensor := range tensors {
		if tensor.DataOffsets[1] > dataSize {
			return nil, fmt.Errorf("%w: %s ends at %d, data is %d bytes",
				ErrDataOutOfRange, tensor.Name, tensor.DataOffsets[1], dataSize)
		}
	}

	return &Checkpoint{
		Path:     "",
		Device:   opts.Device,
		Tensors:  tensors,
		Metadata: metadata,
		DataSize: dataSize,
	}, nil
}

func readHeader(r io.Reader) ([]byte, error) {
	var lengthBytes [headerLengthBytes]byte

	_, err := io.ReadFull(r, lengthBytes[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHeaderTruncated, err)
	}

	length := binary.LittleEndian.Uint64(lengthBytes[:])
	if length > maxHeaderBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, length)
	}

	header := make([]byte, length)

	_, err = io.ReadFull(r, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHeaderTruncated, err)
	}

	return header, nil
}

func parseHeader(header []byte, strict bool) ([]TensorInfo, map[string]string, error) {
	var raw map[string]json.RawMessage

	err := json.Unmarshal(header, &raw)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse safetensors header: %w", err)
	}

	metadata := map[string]string{}
	tensors := make([]TensorInfo, 0, len(raw))

	for name, value := range raw {
		if name == metadataKey {
			err = json.Unmarshal(value, &metadata)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to parse metadata: %w", err)
			}

			continue
		}

		var tensor TensorInfo

		err = json.Unmarshal(value, &tensor)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %w", ErrInvalidTensor, name, err)
		}

		tensor.Name = name

		err = validateTensor(tensor, strict)
		if err != nil {
			return nil, nil, err
		}

		tensors = append(tensors, tensor)
	}

	sort.Slice(tensors, func(i, j int) bool {
		return tensors[i].DataOffsets[0] < tensors[j].DataOffsets[0]
	})

	return tensors, metadata, nil
}

func validateTensor(tensor TensorInfo, strict bool) error {
	begin, end := tensor.DataOffsets[0], tensor.DataOffsets[1]
	if begin < 0 || end < begin {
		return fmt.Errorf("%w: %s has offsets [%d, %d]", ErrInvalidTensor, tensor.Name, begin, end)
	}

	for _, dim := range tensor.Shape {
		if dim < 0 {
			return fmt.Errorf("%w: %s has negative dimension", ErrInvalidTensor, tensor.Name)
		}
	}

	size, known := dtypeSizes[tensor.DType]
	if !known {
		if strict {
			return fmt.Errorf("%w: %s in %s", ErrUnknownDType, tensor.DType, tensor.Name)
		}

		return nil
	}

	if want := tensor.Elements() * size; end-begin != want {
		return fmt.Errorf("%w: %s spans %d bytes, shape needs %d",
			ErrTensorSizeMismatch, tensor.Name, end-begin, want)
	}

	return nil
}

func countData(ctx context.Context, r io.Reader) (int64, error) {
	buffer := make([]byte, copyBufferBytes)

	var total int64

	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}

		n, err := r.Read(buffer)
		total += int64(n)

		if errors.Is(err, io.EOF) {
			return total, nil
		}

		if err != nil {
			return total, fmt.Errorf("failed to read tensor data: %w", err)
		}
	}
}
