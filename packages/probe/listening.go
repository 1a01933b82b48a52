package probe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// tcpListen is the kernel's socket state code for LISTEN in /proc/net/tcp.
const tcpListen = "0A"

// ListenSocket is one listening TCP socket on the local node.
type ListenSocket struct {
	Addr string
	Port int
}

// ListenSockets reads /proc/net/tcp and /proc/net/tcp6 and returns the
// sockets currently in LISTEN state.
func ListenSockets() ([]ListenSocket, error) {
	var sockets []ListenSocket

	f, err := os.Open("/proc/net/tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to read tcp table: %w", err)
	}
	sockets = append(sockets, parseTCPTable(f, false)...)
	f.Close()

	// tcp6 is optional; single-stack kernels may not expose it
	if f6, err := os.Open("/proc/net/tcp6"); err == nil {
		sockets = append(sockets, parseTCPTable(f6, true)...)
		f6.Close()
	}

	return sockets, nil
}

// ListeningPorts returns the sorted, deduplicated set of TCP ports in
// LISTEN state on the local node.
func ListeningPorts() ([]int, error) {
	sockets, err := ListenSockets()
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	var ports []int
	for _, s := range sockets {
		if !seen[s.Port] {
			seen[s.Port] = true
			ports = append(ports, s.Port)
		}
	}
	sort.Ints(ports)
	return ports, nil
}

// parseTCPTable parses the kernel's tcp table format: a header line, then
// one line per socket with hex-encoded "addr:port" in field 1 and the
// socket state in field 3.
func parseTCPTable(r io.Reader, isIPv6 bool) []ListenSocket {
	var sockets []ListenSocket

	scanner := bufio.NewScanner(r)

	// Skip header line
	if !scanner.Scan() {
		return nil
	}

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}

		if fields[3] != tcpListen {
			continue
		}

		parts := strings.Split(fields[1], ":")
		if len(parts) != 2 {
			continue
		}
		addrHex, portHex := parts[0], parts[1]

		port64, err := strconv.ParseInt(portHex, 16, 32)
		if err != nil {
			continue
		}

		addr := decodeHexAddr(addrHex, isIPv6)
		if addr == "" {
			continue
		}

		sockets = append(sockets, ListenSocket{Addr: addr, Port: int(port64)})
	}

	return sockets
}

// decodeHexAddr converts the kernel's hex address encoding to a printable
// form. IPv4 addresses are little-endian hex; for IPv6 only the loopback
// and wildcard forms are decoded, everything else is reported raw.
func decodeHexAddr(addrHex string, isIPv6 bool) string {
	if isIPv6 {
		switch {
		case addrHex == "00000000000000000000000000000000":
			return "::"
		case addrHex == "00000000000000000000000000000001",
			strings.HasPrefix(addrHex, "00000000000000000000000001"):
			return "::1"
		default:
			return strings.ToLower(addrHex)
		}
	}

	addrInt, err := strconv.ParseUint(addrHex, 16, 32)
	if err != nil {
		return ""
	}

	b1 := byte(addrInt & 0xFF)
	b2 := byte((addrInt >> 8) & 0xFF)
	b3 := byte((addrInt >> 16) & 0xFF)
	b4 := byte((addrInt >> 24) & 0xFF)

	return fmt.Sprintf("%d.%d.%d.%d", b1, b2, b3, b4)
}
