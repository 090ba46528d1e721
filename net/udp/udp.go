package udp

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

const (
	HdrLen = 8
)

var (
	errTimestampNotFound    = errors.New("failed to read timestamp from out of band data")
	errUnexpectedData       = errors.New("failed to read out of band data")
	errUnsupportedOperation = errors.New("unsupported operation")
	errInvalidDSCP          = errors.New("invalid DSCP value")
)

// Timestamp handling based on studying code from the following projects:
// - https://github.com/bsdphk/Ntimed, file udp.c
// - https://github.com/golang/go, package "golang.org/x/sys/unix"
// - https://github.com/google/gopacket, package "github.com/google/gopacket/pcapgo"
// - https://github.com/facebook/time, package "github.com/facebook/time/ntp/protocol/ntp"

func TimestampLen() int {
	return unix.CmsgSpace(3 * 16)
}

// SetDSCP sets the Differentiated Services Codepoint of packets sent on conn.
func SetDSCP(conn *net.UDPConn, dscp uint8) error {
	if dscp > 63 {
		return errInvalidDSCP
	}
	if dscp == 0 {
		return nil
	}
	sconn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var res struct {
		err error
	}
	tos := int(dscp) << 2
	ip4 := isIPv4(conn)
	err = sconn.Control(func(fd uintptr) {
		if ip4 {
			res.err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
		} else {
			res.err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		}
	})
	if err != nil {
		return err
	}
	return res.err
}

func isIPv4(conn *net.UDPConn) bool {
	a, ok := conn.LocalAddr().(*net.UDPAddr)
	return ok && a.IP.To4() != nil
}
