// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package kernel loads compute kernel binaries for gpujob.
//
// Kernels are SPIR-V modules passed around as 32-bit words. They can be
// decoded from raw bytes (either byte order), compiled from WGSL with naga,
// or loaded from .spv and .wgsl files. Reflect reads the resource bindings a
// kernel declares so that jobs can validate their bind points before the
// kernel runs.
package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gogpu/naga"
)

// DefaultEntryPoint is the entry point name used when none is given.
const DefaultEntryPoint = "main"

// Magic is the SPIR-V magic number (first word of every module).
const Magic uint32 = 0x07230203

// minWords is the SPIR-V header length.
const minWords = 5

// Kernel loading errors.
var (
	// ErrNotWordAligned is returned when a binary's length is not a
	// multiple of four bytes.
	ErrNotWordAligned = errors.New("kernel: binary is not word aligned")

	// ErrBadMagic is returned when a binary does not start with the
	// SPIR-V magic number in either byte order.
	ErrBadMagic = errors.New("kernel: not a SPIR-V binary")

	// ErrEntryPoint is returned when the requested entry point is missing
	// or is not a compute entry point.
	ErrEntryPoint = errors.New("kernel: compute entry point not found")
)

// Words decodes a SPIR-V binary into words. The byte order is detected
// from the magic number.
func Words(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotWordAligned, len(b))
	}
	if len(b) < minWords*4 {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrBadMagic, len(b))
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(b) == Magic:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(b) == Magic:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: magic 0x%08x", ErrBadMagic, binary.LittleEndian.Uint32(b))
	}

	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = order.Uint32(b[i*4:])
	}
	return words, nil
}

// Bytes encodes words as a little-endian SPIR-V binary.
func Bytes(words []uint32) []byte {
	b := make([]byte, 0, len(words)*4)
	for _, w := range words {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

// CompileWGSL compiles WGSL compute source to SPIR-V words.
func CompileWGSL(src string) ([]uint32, error) {
	spirv, err := naga.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("kernel: compile wgsl: %w", err)
	}
	return Words(spirv)
}

// Load reads a kernel from disk. Files with a .wgsl extension are compiled;
// anything else is decoded as a SPIR-V binary.
func Load(path string) ([]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kernel: load: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".wgsl") {
		return CompileWGSL(string(data))
	}
	words, err := Words(data)
	if err != nil {
		return nil, fmt.Errorf("kernel: load %s: %w", filepath.Base(path), err)
	}
	return words, nil
}

// WorkgroupCount returns the number of workgroups of the given size needed
// to cover n elements, never less than one.
func WorkgroupCount(n, size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	count := n / size
	if n%size != 0 {
		count++
	}
	return max(count, 1)
}
