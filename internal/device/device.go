// Package device enumerates the storage devices a recovery session can
// target. Enumeration shells out to the platform's own tooling; there is
// no portable API for this.
package device

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// Device is one scannable block device or partition.
type Device struct {
	Path       string
	Name       string
	Size       int64
	Filesystem string
	Mountpoint string
	Removable  bool
}

// Label is the human-readable one-line form used by device pickers.
func (d Device) Label() string {
	parts := []string{d.Path, HumanSize(d.Size)}
	if d.Filesystem != "" {
		parts = append(parts, d.Filesystem)
	}
	if d.Mountpoint != "" {
		parts = append(parts, "mounted at "+d.Mountpoint)
	}
	if d.Removable {
		parts = append(parts, "removable")
	}
	return strings.Join(parts, "  ")
}

// Mounted reports whether the device is currently mounted. Scanning a
// mounted filesystem risks reading structures mid-update.
func (d Device) Mounted() bool {
	return d.Mountpoint != ""
}

// List returns the storage devices visible to this host.
func List() ([]Device, error) {
	switch runtime.GOOS {
	case "linux":
		return listLinux()
	case "darwin":
		return listDarwin()
	case "windows":
		return listWindows()
	default:
		return nil, fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

// lsblkOutput mirrors the JSON shape of lsblk --json.
type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Size       int64         `json:"size"`
	FSType     string        `json:"fstype"`
	Mountpoint string        `json:"mountpoint"`
	RM         bool          `json:"rm"`
	Children   []lsblkDevice `json:"children"`
}

func listLinux() ([]Device, error) {
	cmd := exec.Command("lsblk", "-b", "-J", "-o", "NAME,SIZE,FSTYPE,MOUNTPOINT,RM")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run lsblk: %w", err)
	}

	var parsed lsblkOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}

	var devices []Device
	var walk func(ds []lsblkDevice, removable bool)
	walk = func(ds []lsblkDevice, removable bool) {
		for _, d := range ds {
			rm := removable || d.RM
			devices = append(devices, Device{
				Path:       "/dev/" + d.Name,
				Name:       d.Name,
				Size:       d.Size,
				Filesystem: d.FSType,
				Mountpoint: d.Mountpoint,
				Removable:  rm,
			})
			walk(d.Children, rm)
		}
	}
	walk(parsed.BlockDevices, false)
	return devices, nil
}

func listDarwin() ([]Device, error) {
	cmd := exec.Command("diskutil", "list")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run diskutil: %w", err)
	}

	var devices []Device
	scanner := bufio.NewScanner(bytes.NewReader(output))
	internal := true

	for scanner.Scan() {
		line := scanner.Text()

		// Main disk line: /dev/disk0 (internal, physical):
		if strings.HasPrefix(line, "/dev/disk") {
			internal = strings.Contains(line, "internal")
			continue
		}

		// Partition line:    1:   Apple_APFS Container   500.1 GB   disk0s2
		line = strings.TrimSpace(line)
		parts := strings.Fields(line)
		if len(parts) < 4 || strings.HasPrefix(line, "#:") {
			continue
		}

		id := parts[len(parts)-1]
		if !strings.HasPrefix(id, "disk") {
			continue
		}

		// Size is the "<value> <unit>" pair just before the identifier.
		size := parseDarwinSize(parts[len(parts)-3], parts[len(parts)-2])
		fsType := ""
		if len(parts) >= 5 {
			fsType = parts[1]
		}

		devices = append(devices, Device{
			Path:       "/dev/" + id,
			Name:       id,
			Size:       size,
			Filesystem: fsType,
			Removable:  !internal,
		})
	}

	return devices, nil
}

// winDisk mirrors the JSON Get-Disk emits per drive.
type winDisk struct {
	Number       int    `json:"Number"`
	FriendlyName string `json:"FriendlyName"`
	Size         int64  `json:"Size"`
}

func listWindows() ([]Device, error) {
	cmd := exec.Command("powershell", "-NoProfile", "-Command",
		"Get-Disk | Select-Object Number,FriendlyName,Size | ConvertTo-Json -AsArray")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run Get-Disk: %w", err)
	}

	var disks []winDisk
	if err := json.Unmarshal(output, &disks); err != nil {
		return nil, fmt.Errorf("failed to parse Get-Disk output: %w", err)
	}

	devices := make([]Device, 0, len(disks))
	for _, d := range disks {
		devices = append(devices, Device{
			Path: fmt.Sprintf(`\\.\PhysicalDrive%d`, d.Number),
			Name: d.FriendlyName,
			Size: d.Size,
		})
	}
	return devices, nil
}

func parseDarwinSize(value, unit string) int64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	switch unit {
	case "B":
		return int64(v)
	case "KB":
		return int64(v * 1e3)
	case "MB":
		return int64(v * 1e6)
	case "GB":
		return int64(v * 1e9)
	case "TB":
		return int64(v * 1e12)
	}
	return 0
}

// HumanSize formats a byte count for display.
func HumanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
