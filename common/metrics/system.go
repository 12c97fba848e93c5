package metrics

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// SystemInfo describes the host one control node runs on. Nodes of a mesh
// are deployed across heterogeneous machines; the inspection API and the
// node info metric carry this so traces can be read against the hardware
// they ran on.
type SystemInfo struct {
	Hostname         string `json:"hostname"`
	OS               string `json:"os"`
	OSVersion        string `json:"os_version"`
	Arch             string `json:"arch"`
	CPULogical       int    `json:"cpu_logical"`
	TotalMemoryMB    uint64 `json:"total_memory_mb"`
	GoVersion        string `json:"go_version"`
	InContainer      bool   `json:"in_container"`
	ContainerRuntime string `json:"container_runtime,omitempty"`
}

var (
	systemOnce sync.Once
	systemInfo *SystemInfo
)

// System returns the host description, captured once per process.
func System() *SystemInfo {
	systemOnce.Do(func() {
		systemInfo = captureSystemInfo()
	})
	return systemInfo
}

func captureSystemInfo() *SystemInfo {
	info := &SystemInfo{
		OS:         runtime.GOOS,
		OSVersion:  osVersion(),
		Arch:       runtime.GOARCH,
		CPULogical: runtime.NumCPU(),
		GoVersion:  runtime.Version(),
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	} else {
		info.Hostname = "unknown"
	}
	info.InContainer, info.ContainerRuntime = detectContainer()
	info.TotalMemoryMB = totalMemoryMB()
	return info
}

// detectContainer checks the markers container runtimes leave behind.
func detectContainer() (bool, string) {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true, "docker"
	}
	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return true, "kubernetes"
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		switch {
		case strings.Contains(content, "kubepods"):
			return true, "kubernetes"
		case strings.Contains(content, "docker"):
			return true, "docker"
		case strings.Contains(content, "containerd"):
			return true, "containerd"
		}
	}
	return false, ""
}

// osVersion reads the distribution name on Linux; elsewhere the GOOS tag
// is all we report.
func osVersion() string {
	if runtime.GOOS != "linux" {
		return runtime.GOOS
	}
	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "PRETTY_NAME=") {
				return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
			}
		}
	}
	return "linux"
}

// totalMemoryMB reads MemTotal from /proc/meminfo. Zero on platforms
// without it.
func totalMemoryMB() uint64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}
