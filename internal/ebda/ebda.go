// Package ebda builds the Extended BIOS Data Area table the kernel's early
// MP-table/ACPI probing expects at 0x9fc00, mirroring kvmtool's synthetic
// EBDA (x86/bios.c).
package ebda

import (
	"encoding/binary"
	"fmt"
)

const (
	tableSize = 0x400 // 1 KiB, matching bootparam.EBDAStart..VGARAMBegin
)

// EBDA is the minimal extended BIOS data area: just enough that BIOS-probing
// early boot code sees a plausible, zeroed table rather than garbage.
type EBDA struct {
	nCPUs int
}

// New builds an EBDA sized for nCPUs online processors (reserved for a
// future MP-table; this monitor reports no onboard devices through it).
func New(nCPUs int) (*EBDA, error) {
	if nCPUs <= 0 {
		return nil, fmt.Errorf("ebda: nCPUs must be positive, got %d", nCPUs)
	}

	return &EBDA{nCPUs: nCPUs}, nil
}

// Bytes renders the EBDA page. Byte 0 holds the table size in KiB, per the
// BIOS convention the early kernel probe reads.
func (e *EBDA) Bytes() ([]byte, error) {
	buf := make([]byte, tableSize)
	buf[0] = 1 // 1 KiB

	var checksum byte
	for _, b := range buf[:15] {
		checksum += b
	}

	binary.LittleEndian.PutUint16(buf[14:16], uint16(checksum))

	return buf, nil
}
