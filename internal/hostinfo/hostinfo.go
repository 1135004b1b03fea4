// Package hostinfo collects host facts and installed software for the handshake.
package hostinfo

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/plnamente/blue-taurus/internal/probe"
	"github.com/plnamente/blue-taurus/internal/protocol"
)

const (
	dpkgQuery = `dpkg-query -W -f='${Package}\t${Version}\t${Maintainer}\n'`
	rpmQuery  = `rpm -qa --queryformat '%{NAME}\t%{VERSION}-%{RELEASE}\t%{VENDOR}\n'`
	// winSoftware lists both 64 and 32 bit uninstall keys as JSON.
	winSoftware = `$keys = 'HKLM:\Software\Microsoft\Windows\CurrentVersion\Uninstall\*', ` +
		`'HKLM:\Software\Wow6432Node\Microsoft\Windows\CurrentVersion\Uninstall\*'; ` +
		`Get-ItemProperty $keys -ErrorAction SilentlyContinue | Where-Object { $_.DisplayName -ne $null } | ` +
		`Select-Object DisplayName, DisplayVersion, Publisher, InstallDate | ConvertTo-Json -Compress`
	winUSB = `Get-PnpDevice -PresentOnly | Where-Object { $_.InstanceId -like '*USB*' } | ` +
		`Select-Object -ExpandProperty FriendlyName`
)

// Collector gathers HostInfo. Commands for software and peripheral listing go through Runner.
type Collector struct {
	Runner probe.Runner
	GOOS   string
}

// New returns a Collector for the running platform.
func New(runner probe.Runner) *Collector {
	return &Collector{Runner: runner, GOOS: runtime.GOOS}
}

// Collect returns a best-effort snapshot. Missing facts are left empty.
func (c *Collector) Collect(ctx context.Context) protocol.HostInfo {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	f := platformFacts()
	info := protocol.HostInfo{
		Hostname:      hostname,
		OSName:        f.osName,
		OSVersion:     f.osVersion,
		KernelVersion: f.kernel,
		Arch:          runtime.GOARCH,
		LoggedUser:    currentUser(),
		Hardware:      f.hardware,
		Peripherals:   c.Peripherals(ctx),
		Software:      c.Software(ctx),
	}
	if info.OSName == "" {
		info.OSName = c.GOOS
	}
	if info.Peripherals == nil {
		info.Peripherals = []string{}
	}
	log.Info().
		Str("hostname", info.Hostname).
		Str("os", info.OSName+" "+info.OSVersion).
		Int("software", len(info.Software)).
		Msg("Collected host info")
	return info
}

// Software lists installed packages using the platform's package manager.
func (c *Collector) Software(ctx context.Context) []protocol.SoftwareInfo {
	if c.GOOS == "windows" {
		out, err := c.Runner.Run(ctx, winSoftware)
		if err != nil || out.ExitCode != 0 {
			return []protocol.SoftwareInfo{}
		}
		return parseWindowsSoftware(out.Stdout)
	}
	for _, q := range []string{dpkgQuery, rpmQuery} {
		out, err := c.Runner.Run(ctx, q)
		if err != nil || out.ExitCode != 0 {
			continue
		}
		if sw := parseTabbed(out.Stdout); len(sw) > 0 {
			return sw
		}
	}
	return []protocol.SoftwareInfo{}
}

// Peripherals lists attached USB devices.
func (c *Collector) Peripherals(ctx context.Context) []string {
	if c.GOOS == "windows" {
		out, err := c.Runner.Run(ctx, winUSB)
		if err != nil {
			return nil
		}
		return nonEmptyLines(out.Stdout)
	}
	return usbProducts()
}

func currentUser() string {
	for _, k := range []string{"USER", "USERNAME", "LOGNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "unknown"
}

// parseTabbed reads name\tversion\tvendor lines.
func parseTabbed(out string) []protocol.SoftwareInfo {
	var sw []protocol.SoftwareInfo
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) < 2 || strings.TrimSpace(fields[0]) == "" {
			continue
		}
		s := protocol.SoftwareInfo{Name: strings.TrimSpace(fields[0]), Version: strings.TrimSpace(fields[1])}
		if len(fields) > 2 {
			if v := strings.TrimSpace(fields[2]); v != "" && v != "(none)" {
				s.Vendor = &v
			}
		}
		sw = append(sw, s)
	}
	return sw
}

type psSoftware struct {
	DisplayName    *string `json:"DisplayName"`
	DisplayVersion *string `json:"DisplayVersion"`
	Publisher      *string `json:"Publisher"`
	InstallDate    *string `json:"InstallDate"`
}

// parseWindowsSoftware accepts ConvertTo-Json output, which is an object for a
// single item and an array otherwise.
func parseWindowsSoftware(out string) []protocol.SoftwareInfo {
	out = strings.TrimSpace(out)
	if out == "" {
		return []protocol.SoftwareInfo{}
	}
	var items []psSoftware
	if strings.HasPrefix(out, "{") {
		var one psSoftware
		if err := json.Unmarshal([]byte(out), &one); err != nil {
			return []protocol.SoftwareInfo{}
		}
		items = []psSoftware{one}
	} else if err := json.Unmarshal([]byte(out), &items); err != nil {
		log.Debug().Err(err).Msg("Unparsable software inventory")
		return []protocol.SoftwareInfo{}
	}

	sw := make([]protocol.SoftwareInfo, 0, len(items))
	for _, it := range items {
		if it.DisplayName == nil {
			continue
		}
		s := protocol.SoftwareInfo{Name: *it.DisplayName, Version: "N/A", Vendor: it.Publisher, InstallDate: it.InstallDate}
		if it.DisplayVersion != nil {
			s.Version = *it.DisplayVersion
		}
		sw = append(sw, s)
	}
	return sw
}

func nonEmptyLines(s string) []string {
	var out []string
	for line := range strings.SplitSeq(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseOSRelease extracts NAME and VERSION_ID from an os-release file.
func parseOSRelease(data string) (name, version string) {
	for line := range strings.SplitSeq(data, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"'`)
		switch k {
		case "NAME":
			name = v
		case "VERSION_ID":
			version = v
		}
	}
	return name, version
}

// parseCPUModel returns the first "model name" from /proc/cpuinfo.
func parseCPUModel(data string) string {
	for line := range strings.SplitSeq(data, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(k) == "model name" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

type facts struct {
	osName, osVersion, kernel string
	hardware                  protocol.HardwareInfo
}
