//go:build wasip1

package main

import (
	"unsafe"
)

var (
	provider *Provider

	// Buffers handed to the host stay referenced here until it frees them.
	pinned = map[uint32][]byte{}
)

func init() {
	p, err := NewProvider(seedInventory)
	if err != nil {
		panic(err)
	}
	p.log = func(level int32, msg string) {
		if msg == "" {
			return
		}
		hostLog(uint32(level), uint32(uintptr(unsafe.Pointer(unsafe.StringData(msg)))), uint32(len(msg)))
	}
	provider = p
}

//go:wasmimport env log
func hostLog(level, ptr, size uint32)

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	pinned[ptr] = buf
	return ptr
}

//go:wasmexport free
func free(ptr uint32) {
	delete(pinned, ptr)
}

//go:wasmexport list_resources
func listResources(ptr, size uint32) uint64 {
	return respond(provider.ListResources(request(ptr, size)))
}

//go:wasmexport apply_action
func applyAction(ptr, size uint32) uint64 {
	return respond(provider.ApplyAction(request(ptr, size)))
}

//go:wasmexport describe_resource
func describeResource(ptr, size uint32) uint64 {
	return respond(provider.DescribeResource(request(ptr, size)))
}

func request(ptr, size uint32) []byte {
	if size == 0 {
		return nil
	}
	if buf, ok := pinned[ptr]; ok && uint32(len(buf)) >= size {
		return buf[:size]
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
}

// respond pins out and packs its location as (ptr << 32) | len.
func respond(out []byte) uint64 {
	if len(out) == 0 {
		return 0
	}
	ptr := uint32(uintptr(unsafe.Pointer(&out[0])))
	pinned[ptr] = out
	return uint64(ptr)<<32 | uint64(len(out))
}
