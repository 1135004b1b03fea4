package hostinfo

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/plnamente/blue-taurus/internal/protocol"
)

const (
	mb = 1024 * 1024
	gb = 1024 * mb
)

func platformFacts() facts {
	f := facts{osName: "linux"}

	var u unix.Utsname
	if err := unix.Uname(&u); err == nil {
		f.kernel = unix.ByteSliceToString(u.Release[:])
	}
	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		if name, version := parseOSRelease(string(data)); name != "" {
			f.osName, f.osVersion = name, version
		}
	}

	hw := protocol.HardwareInfo{CPUCores: uint64(runtime.NumCPU())}
	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		hw.CPUModel = parseCPUModel(string(data))
	}
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		unit := uint64(si.Unit)
		total := uint64(si.Totalram) * unit
		free := (uint64(si.Freeram) + uint64(si.Bufferram)) * unit
		hw.RAMTotalMB = total / mb
		if total > free {
			hw.RAMUsedMB = (total - free) / mb
		}
	}
	var st unix.Statfs_t
	if err := unix.Statfs("/", &st); err == nil {
		bsize := uint64(st.Bsize) //nolint:gosec // block size is positive
		hw.DiskTotalGB = st.Blocks * bsize / gb
		hw.DiskFreeGB = st.Bavail * bsize / gb
	}
	f.hardware = hw
	return f
}

func usbProducts() []string {
	paths, err := filepath.Glob("/sys/bus/usb/devices/*/product")
	if err != nil {
		return nil
	}
	var out []string
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if name := strings.TrimSpace(string(b)); name != "" {
			out = append(out, name)
		}
	}
	return out
}
