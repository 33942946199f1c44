// Package facts collects system facts from the local node. Facts are
// keyed by namespace (os.basic, hw.memory, net.ifaces) and uploaded
// with catalog requests so the server can compile node-specific
// configuration.
package facts

import (
	"bufio"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kudzuproject/kudzu/pkg/telemetry"
)

// Format is the wire format tag for collected facts.
const Format = "json"

// OSFacts contains OS information.
type OSFacts struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Version  string `json:"version"`
	Kernel   string `json:"kernel"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
}

// MemoryFacts contains memory information.
type MemoryFacts struct {
	TotalMB     int64 `json:"total_mb"`
	AvailableMB int64 `json:"available_mb"`
	SwapTotalMB int64 `json:"swap_total_mb"`
	SwapFreeMB  int64 `json:"swap_free_mb"`
}

// NetworkInterface represents a network interface.
type NetworkInterface struct {
	Name        string   `json:"name"`
	IPAddresses []string `json:"ip_addresses"`
	MACAddress  string   `json:"mac_address"`
}

// Collector gathers facts from the local system.
type Collector struct {
	log *telemetry.Logger
}

// NewCollector creates a local facts collector.
func NewCollector(log *telemetry.Logger) *Collector {
	return &Collector{log: log}
}

// Collect gathers all fact namespaces. Individual namespace failures
// are logged and skipped; a partial fact set is still usable for
// catalog compilation.
func (c *Collector) Collect() map[string]any {
	facts := map[string]any{
		"collected_at": time.Now().UTC().Format(time.RFC3339),
	}

	osFacts, err := c.collectOSFacts()
	if err != nil {
		c.log.WithError(err).Warn("Failed to collect OS facts")
	} else {
		facts["os.basic"] = osFacts
	}

	memFacts, err := c.collectMemoryFacts()
	if err != nil {
		c.log.WithError(err).Warn("Failed to collect memory facts")
	} else {
		facts["hw.memory"] = memFacts
	}

	ifaces, err := c.collectNetworkFacts()
	if err != nil {
		c.log.WithError(err).Warn("Failed to collect network facts")
	} else {
		facts["net.ifaces"] = ifaces
	}

	return facts
}

// collectOSFacts reads /etc/os-release and the kernel identity.
func (c *Collector) collectOSFacts() (*OSFacts, error) {
	facts := &OSFacts{}

	f, err := os.Open("/etc/os-release")
	if err == nil {
		parseOSRelease(f, facts)
		f.Close()
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		facts.Kernel = charsToString(uts.Release[:])
		facts.Arch = charsToString(uts.Machine[:])
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	facts.Hostname = hostname

	return facts, nil
}

// parseOSRelease fills OS name fields from os-release key=value lines.
func parseOSRelease(r io.Reader, facts *OSFacts) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "NAME="):
			facts.Name = strings.Trim(strings.TrimPrefix(line, "NAME="), "\"")
		case strings.HasPrefix(line, "ID="):
			facts.ID = strings.Trim(strings.TrimPrefix(line, "ID="), "\"")
		case strings.HasPrefix(line, "VERSION_ID="):
			facts.Version = strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), "\"")
		}
	}
}

// collectMemoryFacts parses /proc/meminfo.
func (c *Collector) collectMemoryFacts() (*MemoryFacts, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return parseMemInfo(f), nil
}

// parseMemInfo reads meminfo kB counters into MB fields.
func parseMemInfo(r io.Reader) *MemoryFacts {
	facts := &MemoryFacts{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		value, _ := strconv.ParseInt(fields[1], 10, 64)

		switch fields[0] {
		case "MemTotal:":
			facts.TotalMB = value / 1024
		case "MemAvailable:":
			facts.AvailableMB = value / 1024
		case "SwapTotal:":
			facts.SwapTotalMB = value / 1024
		case "SwapFree:":
			facts.SwapFreeMB = value / 1024
		}
	}

	return facts
}

// collectNetworkFacts enumerates non-loopback interfaces with their
// addresses.
func (c *Collector) collectNetworkFacts() ([]NetworkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	result := make([]NetworkInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		ni := NetworkInterface{
			Name:        iface.Name,
			IPAddresses: make([]string, 0),
			MACAddress:  iface.HardwareAddr.String(),
		}

		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				ipNet, ok := addr.(*net.IPNet)
				if !ok {
					continue
				}
				ni.IPAddresses = append(ni.IPAddresses, ipNet.IP.String())
			}
		}

		result = append(result, ni)
	}

	return result, nil
}

// charsToString converts a NUL-terminated utsname byte array.
func charsToString(ca []byte) string {
	if i := strings.IndexByte(string(ca), 0); i >= 0 {
		return string(ca[:i])
	}
	return string(ca)
}
