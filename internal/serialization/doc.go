// Package serialization reads and writes the .born weights container used
// for net weights and solver state.
//
//	Format Structure (v2):
//	  [0x00: Magic "BORN"]
//	  [0x04: Version (uint32 LE)]
//	  [0x08: Flags (uint32 LE)]
//	  [0x10: Header Size (uint64 LE)]
//	  [0x18: Data Size (uint64 LE)]
//	  [0x20: SHA-256 of the data section]
//	  [0x40: Header: JSON metadata]
//	  [Tensor data: float32 LE, 64-byte aligned]
//
// Tensors keep the order they were written in, so a net written with
// WriteFile and read back with ReadFile lists its layers in net order.
// Version 1 files (no fixed header, no checksum) are still readable.
//
// Example usage:
//
//	err := serialization.WriteFile("lenet_iter_100.born", serialization.Header{
//	    Kind: serialization.KindNet,
//	}, entries)
//
//	f, err := serialization.ReadFile("lenet_iter_100.born", serialization.ReaderOptions{})
//	for _, e := range f.Entries {
//	    fmt.Println(e.Name, e.Raw.Shape())
//	}
package serialization
