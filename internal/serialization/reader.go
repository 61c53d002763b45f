package serialization

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/born-ml/born/tensor"
)

// ReaderOptions configures decoding.
type ReaderOptions struct {
	SkipChecksumValidation bool            // Skip checksum validation (faster but less safe)
	ValidationLevel        ValidationLevel // Validation strictness level
}

// File is a decoded .born container.
type File struct {
	Header  Header
	Version uint32
	Flags   uint32
	Entries []Entry
}

// Entry returns the entry called name, or nil.
func (f *File) Entry(name string) *Entry {
	for i := range f.Entries {
		if f.Entries[i].Name == name {
			return &f.Entries[i]
		}
	}
	return nil
}

// IsBornFile reports whether data starts with the .born magic bytes.
func IsBornFile(data []byte) bool {
	return len(data) >= len(MagicBytes) && string(data[:len(MagicBytes)]) == MagicBytes
}

// ReadFile reads and decodes the .born file at path.
func ReadFile(path string, opts ReaderOptions) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: file path comes from the caller
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	f, err := Decode(data, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Decode parses a complete .born container held in memory.
func Decode(data []byte, opts ReaderOptions) (*File, error) {
	if !IsBornFile(data) {
		return nil, ErrInvalidMagic
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("failed to read version: %w", errShort)
	}

	f := &File{Version: binary.LittleEndian.Uint32(data[4:8])}
	var (
		headerStart int64
		headerSize  uint64
		dataSize    uint64
		checksum    [ChecksumSize]byte
	)

	switch f.Version {
	case FormatVersion:
		// magic + version + flags + header size
		if len(data) < 20 {
			return nil, fmt.Errorf("failed to read header size: %w", errShort)
		}
		f.Flags = binary.LittleEndian.Uint32(data[8:12])
		headerSize = binary.LittleEndian.Uint64(data[12:20])
		headerStart = 20
	case FormatVersionV2:
		if len(data) < FixedHeaderSizeV2 {
			return nil, fmt.Errorf("failed to read fixed header: %w", errShort)
		}
		f.Flags = binary.LittleEndian.Uint32(data[8:12])
		headerSize = binary.LittleEndian.Uint64(data[16:24])
		dataSize = binary.LittleEndian.Uint64(data[24:32])
		copy(checksum[:], data[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize])
		headerStart = FixedHeaderSizeV2
	default:
		return nil, fmt.Errorf("%w: got %d, expected %d or %d", ErrUnsupportedVersion, f.Version, FormatVersion, FormatVersionV2)
	}

	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	headerEnd := headerStart + int64(headerSize) //nolint:gosec // G115: bounded by MaxHeaderSize
	if headerEnd > int64(len(data)) {
		return nil, fmt.Errorf("failed to read header: %w", errShort)
	}
	if err := json.Unmarshal(data[headerStart:headerEnd], &f.Header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	padding := (HeaderAlignment - (headerEnd % HeaderAlignment)) % HeaderAlignment
	dataOffset := headerEnd + padding
	if dataOffset > int64(len(data)) {
		return nil, fmt.Errorf("failed to seek to tensor data: %w", errShort)
	}
	section := data[dataOffset:]
	if f.Version == FormatVersionV2 {
		if dataSize > uint64(len(section)) {
			return nil, fmt.Errorf("failed to read tensor data: %w", errShort)
		}
		section = section[:dataSize]
		if !opts.SkipChecksumValidation {
			computed := sha256.Sum256(section)
			if computed != checksum {
				return nil, ErrChecksumMismatch
			}
		}
	}

	if err := ValidateHeader(&f.Header, int64(len(section)), opts.ValidationLevel); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	f.Entries = make([]Entry, 0, len(f.Header.Tensors))
	for _, meta := range f.Header.Tensors {
		raw, err := loadTensor(meta, section)
		if err != nil {
			return nil, err
		}
		f.Entries = append(f.Entries, Entry{Name: meta.Name, Raw: raw})
	}
	return f, nil
}

func loadTensor(meta TensorMeta, section []byte) (*tensor.RawTensor, error) {
	if meta.DType != DTypeFloat32 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, meta.DType)
	}
	raw, err := tensor.NewRaw(tensor.Shape(meta.Shape), tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("invalid shape for tensor %s: %w", meta.Name, err)
	}
	if int64(raw.ByteSize()) != meta.Size {
		return nil, &ValidationError{
			Type:    "size_mismatch",
			Tensor:  meta.Name,
			Details: fmt.Sprintf("shape %v needs %d bytes, header says %d", meta.Shape, raw.ByteSize(), meta.Size),
		}
	}
	if meta.Offset < 0 || meta.Offset+meta.Size > int64(len(section)) {
		return nil, &ValidationError{Type: "out_of_bounds", Tensor: meta.Name, Details: "tensor extends beyond data section"}
	}
	copy(raw.Data(), section[meta.Offset:meta.Offset+meta.Size])
	return raw, nil
}
