package services

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// Link is the network association used by the sync client.
type Link interface {
	IsConnected() bool
	// Connect starts associating; callers poll IsConnected.
	Connect(ssid, password string) error
	Disconnect() error
	RSSI() int
}

// HostLink is a Link over an interface managed by the host OS. Association
// itself belongs to the OS network stack; Disconnect marks the link down so
// the next post re-checks it from scratch.
type HostLink struct {
	iface    string
	dropped  atomic.Bool
	wireless string
}

// NewHostLink watches iface, or any non-loopback interface if iface is empty.
func NewHostLink(iface string) *HostLink {
	return &HostLink{iface: iface, wireless: "/proc/net/wireless"}
}

func (l *HostLink) IsConnected() bool {
	if l.dropped.Load() {
		return false
	}
	ifaces, err := l.interfaces()
	if err != nil {
		return false
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.IsGlobalUnicast() {
				return true
			}
		}
	}
	return false
}

func (l *HostLink) Connect(ssid, password string) error {
	l.dropped.Store(false)
	return nil
}

func (l *HostLink) Disconnect() error {
	l.dropped.Store(true)
	return nil
}

// RSSI reads the signal level from the kernel's wireless statistics; wired
// or unknown interfaces report 0.
func (l *HostLink) RSSI() int {
	f, err := os.Open(l.wireless)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name, rest, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok || (l.iface != "" && name != l.iface) {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			continue
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(fields[2], "."), 64)
		if err != nil {
			continue
		}
		return int(level)
	}
	return 0
}

func (l *HostLink) interfaces() ([]net.Interface, error) {
	if l.iface == "" {
		return net.Interfaces()
	}
	ifi, err := net.InterfaceByName(l.iface)
	if err != nil {
		return nil, err
	}
	return []net.Interface{*ifi}, nil
}

// DeviceID derives the stable device identity from a hardware MAC address:
// the named interface's, or the first non-loopback interface that has one.
func DeviceID(iface string) (string, error) {
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return "", fmt.Errorf("failed to look up %s: %w", iface, err)
		}
		if len(ifi.HardwareAddr) == 0 {
			return "", fmt.Errorf("interface %s has no hardware address", iface)
		}
		return hex.EncodeToString(ifi.HardwareAddr), nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagLoopback != 0 || len(ifi.HardwareAddr) == 0 {
			continue
		}
		return hex.EncodeToString(ifi.HardwareAddr), nil
	}
	return "", errors.New("no interface with a hardware address")
}
