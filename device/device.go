// Package device derives a stable identity and hardware profile for the host
// so it can register itself with the communal brain.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/brain/brain"
)

// GenerateID derives a stable device id from the hostname and the first
// hardware MAC address. The same machine always produces the same id; when
// no MAC is available the id falls back to hostname plus OS and architecture,
// which is still stable on a given install.
func GenerateID() string {
	host := Hostname()
	seed := host + "|" + firstMAC()
	if !strings.Contains(seed, ":") {
		seed = fmt.Sprintf("%s|%s-%s", host, runtime.GOOS, runtime.GOARCH)
	}
	sum := sha256.Sum256([]byte(seed))
	return fmt.Sprintf("%s-%s", sanitize(host), hex.EncodeToString(sum[:4]))
}

// DetectTier classifies the host by logical CPU count. The ladder is coarse
// on purpose; the tier only breaks exact conflict-resolution ties.
func DetectTier() brain.DeviceTier {
	cpus := runtime.NumCPU()
	switch {
	case cpus >= 32:
		return brain.TierServer
	case cpus >= 12:
		return brain.TierWorkstation
	case cpus >= 4:
		return brain.TierLaptop
	default:
		return brain.TierRaspberryPi
	}
}

// DetectCapabilities reports coarse host capabilities.
func DetectCapabilities() []string {
	caps := []string{
		"os:" + runtime.GOOS,
		"arch:" + runtime.GOARCH,
		fmt.Sprintf("cpus:%d", runtime.NumCPU()),
	}
	return caps
}

// Hostname returns the host name, or "unknown-host" when it cannot be read.
func Hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown-host"
	}
	return host
}

// LocalIP returns the first non-loopback IPv4 address, or "" when none.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}

// Detect assembles a full device record for this host. Explicit values win
// over detection; empty fields are filled in.
func Detect(id string, tier brain.DeviceTier, specialization, location string) brain.DeviceContext {
	if id == "" {
		id = GenerateID()
	}
	if tier == "" || tier == brain.TierUnknown {
		tier = DetectTier()
	}
	return brain.DeviceContext{
		DeviceID:       id,
		HardwareTier:   tier,
		Capabilities:   DetectCapabilities(),
		Specialization: specialization,
		Location:       location,
		Hostname:       Hostname(),
		IPAddress:      LocalIP(),
		LastSeen:       time.Now().UTC(),
		Status:         brain.StatusOnline,
	}
}

func firstMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if hw := iface.HardwareAddr.String(); hw != "" {
			return hw
		}
	}
	return ""
}

func sanitize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
