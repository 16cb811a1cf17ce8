package rendezvous

import (
	"net"
)

// LocalIP reports the node's best non-loopback address by opening a
// throwaway outbound connection and reading the socket's bound side. DNS is
// deliberately avoided: it is often stale or absent for ephemeral cluster
// nodes. No packet is sent; UDP "connect" only selects a route.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return fallbackInterfaceIP()
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return fallbackInterfaceIP()
}

func fallbackInterfaceIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
