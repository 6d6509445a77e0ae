package ports

import "net"

// NetworkDialer opens local TCP connections, used as the far end of remote forwards.
type NetworkDialer interface {
	Dial(network, address string) (net.Conn, error)
}

// NetworkListener binds local listeners for local and dynamic forwards.
type NetworkListener interface {
	Listen(network, address string) (net.Listener, error)
}
