package gateway

import (
	"fmt"
	"net"
)

// PortSearchRange is how many ports FindAvailablePort tries.
const PortSearchRange = 100

// Listen binds the loopback interface on port.
func Listen(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

// FindAvailablePort tries ports starting from start until one is available.
func FindAvailablePort(start int) (int, net.Listener) {
	for port := start; port < start+PortSearchRange && port <= 65535; port++ {
		ln, err := Listen(port)
		if err == nil {
			return port, ln
		}
	}
	return 0, nil
}
