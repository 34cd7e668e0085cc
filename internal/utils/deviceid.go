package utils

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// ErrNoHardwareID is returned when no platform identifier could be read.
var ErrNoHardwareID = errors.New("no hardware identifier")

// idSource yields one candidate identifier, or "" when it has none.
type idSource func() string

var linuxIDFiles = []string{"/sys/class/dmi/id/product_uuid", "/etc/machine-id", "/var/lib/dbus/machine-id"}

func platformSources(goos string) []idSource {
	switch goos {
	case "darwin":
		return []idSource{func() string { return parseIORegUUID(command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice")) }}
	case "linux":
		var out []idSource
		for _, p := range linuxIDFiles {
			out = append(out, func() string { return strings.TrimSpace(readFile(p)) })
		}
		return append(out, func() string { return parseCPUSerial(readFile("/proc/cpuinfo")) })
	case "windows":
		return []idSource{
			func() string { return parseWMIC(command("wmic", "csproduct", "get", "UUID"), "UUID") },
			func() string { return parseWMIC(command("wmic", "cpu", "get", "ProcessorId"), "ProcessorId") },
		}
	}
	return nil
}

// HardwareID returns the first readable platform identifier. Mobile and
// browser clients supply their own device id instead.
func HardwareID() (string, error) {
	sources := platformSources(runtime.GOOS)
	if sources == nil {
		return "", fmt.Errorf("%s: %w", runtime.GOOS, ErrNoHardwareID)
	}
	for _, src := range sources {
		if id := src(); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%s: %w", runtime.GOOS, ErrNoHardwareID)
}

// DeviceFingerprint is the device id used when none is configured: a short
// digest of the hardware identifier, falling back to the hostname.
func DeviceFingerprint() string {
	src := ""
	if id, err := HardwareID(); err == nil {
		src = id
	} else if host, err := os.Hostname(); err == nil {
		src = "host:" + host
	} else {
		return "unknown"
	}
	return fingerprint(src)
}

func fingerprint(src string) string {
	sum := sha256.Sum256([]byte("hcs-device:" + src))
	return hex.EncodeToString(sum[:8])
}

func parseIORegUUID(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "IOPlatformUUID") {
			continue
		}
		if parts := strings.Split(line, "\""); len(parts) >= 4 {
			return parts[3]
		}
	}
	return ""
}

func parseCPUSerial(cpuinfo string) string {
	sc := bufio.NewScanner(strings.NewReader(cpuinfo))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if ok && strings.TrimSpace(key) == "Serial" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}

// parseWMIC skips the column header wmic prints above the value.
func parseWMIC(out, header string) string {
	for _, line := range strings.Split(out, "\n") {
		if v := strings.TrimSpace(line); v != "" && !strings.EqualFold(v, header) {
			return v
		}
	}
	return ""
}

func command(name string, args ...string) string {
	out, err := exec.Command(name, args...).Output()
	if err != nil {
		return ""
	}
	return string(out)
}

func readFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}
