//go:build !linux

package hostinfo

import (
	"runtime"

	"github.com/plnamente/blue-taurus/internal/protocol"
)

func platformFacts() facts {
	return facts{
		osName:   runtime.GOOS,
		hardware: protocol.HardwareInfo{CPUCores: uint64(runtime.NumCPU())},
	}
}

func usbProducts() []string { return nil }
