package protocol

// HostInfo describes the agent's host at handshake time.
type HostInfo struct {
	Hostname      string         `json:"hostname"`
	OSName        string         `json:"os_name"`
	OSVersion     string         `json:"os_version"`
	KernelVersion string         `json:"kernel_version"`
	Arch          string         `json:"arch"`
	LoggedUser    string         `json:"logged_user"`
	Hardware      HardwareInfo   `json:"hardware"`
	Peripherals   []string       `json:"peripherals"`
	Software      []SoftwareInfo `json:"software"`
}

// HardwareInfo summarises CPU, memory and the root filesystem.
type HardwareInfo struct {
	CPUModel    string `json:"cpu_model"`
	CPUCores    uint64 `json:"cpu_cores"`
	RAMTotalMB  uint64 `json:"ram_total_mb"`
	RAMUsedMB   uint64 `json:"ram_used_mb"`
	DiskTotalGB uint64 `json:"disk_total_gb"`
	DiskFreeGB  uint64 `json:"disk_free_gb"`
}

// SoftwareInfo is one installed package.
type SoftwareInfo struct {
	Name        string  `json:"name"`
	Version     string  `json:"version"`
	Vendor      *string `json:"vendor"`
	InstallDate *string `json:"install_date"`
}
