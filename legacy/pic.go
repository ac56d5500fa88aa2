package legacy

// RegisterStubs installs no-op handlers for the legacy PIC (8259) and
// VGA/DMA ranges that real hardware exposes but this monitor fully
// delegates to the virtualizer's in-kernel irqchip (spec §2 "legacy 8259
// PIC/8254 PIT are real but fully owned by the in-kernel irqchip"). register
// is the machine package's (port, dir) io-route registration hook; noop
// is the shared always-succeed handler.
func RegisterStubs(register func(port uint64, in, out func(port uint64, data []byte) error)) {
	noop := func(port uint64, data []byte) error { return nil }

	// VGA text/graphics registers.
	for port := uint64(0x3c0); port <= 0x3da; port++ {
		register(port, noop, noop)
	}

	for port := uint64(0x3b4); port <= 0x3b5; port++ {
		register(port, noop, noop)
	}

	// DMA page registers.
	for port := uint64(0x80); port <= 0x9f; port++ {
		register(port, noop, noop)
	}

	// PS/2 controller: ack a fixed status byte so early boot probes that
	// poll port 0x64 do not spin forever (kvmtool hw/i8042.c does the same).
	register(0x64, func(port uint64, data []byte) error {
		if len(data) > 0 {
			data[0] = 0x20
		}

		return nil
	}, noop)

	register(0xcf9, noop, noop)
}
