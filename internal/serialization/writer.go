package serialization

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/born-ml/born/tensor"
)

// WriteFile writes entries to path in .born v2 format.
func WriteFile(path string, header Header, entries []Entry) error {
	//nolint:gosec // G304: file path comes from the caller, which is expected for weight saving
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	w := bufio.NewWriter(f)
	if err := Write(w, header, entries); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush: %w", err)
	}
	return f.Close()
}

// Write encodes entries to w in .born v2 format. Every entry must hold a
// float32 tensor.
func Write(w io.Writer, header Header, entries []Entry) error {
	header.FormatVersion = FormatVersionV2
	if header.Producer == "" {
		header.Producer = Producer
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	var currentOffset int64
	hash := sha256.New()
	header.Tensors = make([]TensorMeta, 0, len(entries))
	for _, e := range entries {
		if err := ValidateTensorName(e.Name); err != nil {
			return err
		}
		if e.Raw.DType() != tensor.Float32 {
			return fmt.Errorf("%w: tensor %q is %s", ErrUnsupportedDType, e.Name, e.Raw.DType())
		}
		size := int64(e.Raw.ByteSize())
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   e.Name,
			DType:  DTypeFloat32,
			Shape:  []int(e.Raw.Shape().Clone()),
			Offset: currentOffset,
			Size:   size,
		})
		currentOffset += size
		_, _ = hash.Write(e.Raw.Data())
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	flags := uint32(0)
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	if header.Solver != nil {
		flags |= FlagHasSolver
	}

	// 0x00 magic, 0x04 version, 0x08 flags, 0x0C reserved,
	// 0x10 header size, 0x18 data size, 0x20 checksum.
	fixedHeader := make([]byte, FixedHeaderSizeV2)
	copy(fixedHeader[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixedHeader[4:8], uint32(FormatVersionV2))
	binary.LittleEndian.PutUint32(fixedHeader[8:12], flags)
	binary.LittleEndian.PutUint64(fixedHeader[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixedHeader[24:32], uint64(currentOffset)) //nolint:gosec // G115: offsets are non-negative
	copy(fixedHeader[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize], hash.Sum(nil))

	if _, err := w.Write(fixedHeader); err != nil {
		return fmt.Errorf("failed to write fixed header: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	currentPos := int64(FixedHeaderSizeV2) + int64(len(headerJSON))
	padding := (HeaderAlignment - (currentPos % HeaderAlignment)) % HeaderAlignment
	if padding > 0 {
		if _, err := w.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}

	for _, e := range entries {
		if _, err := w.Write(e.Raw.Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", e.Name, err)
		}
	}
	return nil
}
