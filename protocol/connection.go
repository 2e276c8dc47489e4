package protocol

import (
	"fmt"
	"net"
)

// ListenUDP opens the responder's shared datagram socket.
func ListenUDP(addr string, port int) (*net.UDPConn, error) {
	laddr := &net.UDPAddr{IP: net.ParseIP(addr), Port: port}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("protocol: listen udp: %w", err)
	}
	return conn, nil
}

// DialUDP opens the initiator's socket, connected to the responder so
// that reads implicitly filter to packets from that one peer.
func DialUDP(addr string, port int) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("protocol: resolve udp addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("protocol: dial udp: %w", err)
	}
	return conn, nil
}
