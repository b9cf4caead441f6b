package hypervisor

import (
	"syscall"
	"unsafe"
)

func mmapRunPage(fd int, length int) ([]byte, error) {
	return syscall.Mmap(fd, 0, length, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
}

func munmapRunPage(ptr uintptr, length int) error {
	data := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), length)
	return syscall.Munmap(data)
}
