package kvm

import "golang.org/x/sys/unix"

// MapGuestRAM allocates an anonymous, private host mapping of size bytes to
// back guest physical RAM (spec §4.1 C1). The mapping is page-aligned by
// construction (mmap always returns page-aligned addresses).
func MapGuestRAM(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// UnmapGuestRAM releases a mapping created by MapGuestRAM.
func UnmapGuestRAM(mem []byte) error {
	return unix.Munmap(mem)
}

// MapVCPURun maps the kvm_run shared page for a vCPU fd.
func MapVCPURun(vcpuFd uintptr, size int) ([]byte, error) {
	return unix.Mmap(int(vcpuFd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}
