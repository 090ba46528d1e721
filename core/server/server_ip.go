package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/libp2p/go-reuseport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/netclock/net/gopacketntp"
	"example.com/netclock/net/ntp"
	"example.com/netclock/net/udp"
)

// Listen opens one UDP socket per worker on addr. With more than one worker
// the sockets share the port via SO_REUSEPORT.
func (s *Server) Listen(addr string) ([]*net.UDPConn, error) {
	n := s.Workers
	if n <= 1 {
		laddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, err
		}
		conn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return nil, err
		}
		return []*net.UDPConn{conn}, nil
	}

	conns := make([]*net.UDPConn, 0, n)
	for range n {
		pc, err := reuseport.ListenPacket("udp", addr)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, err
		}
		conn := pc.(*net.UDPConn)
		if len(conns) == 0 {
			// Bind the remaining sockets to the port actually chosen.
			addr = conn.LocalAddr().String()
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// ListenAndServe serves requests on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	conns, err := s.Listen(addr)
	if err != nil {
		return err
	}
	s.log().Info("server listening via IP",
		zap.String("local host", conns[0].LocalAddr().String()),
		zap.Int("workers", len(conns)),
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		g.Go(func() error {
			return s.Serve(ctx, conn)
		})
	}
	return g.Wait()
}

// Serve answers requests received on conn until ctx is done. conn is closed
// on return.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	log := s.log()
	mtrcs := srvMetrics.Load()
	limiters := s.limiterSet()

	err := udp.EnableRxTimestamps(conn)
	if err != nil {
		log.Error("failed to enable timestamping", zap.Error(err))
	}
	err = udp.SetDSCP(conn, s.DSCP)
	if err != nil {
		log.Info("failed to set DSCP", zap.Error(err))
	}

	buf := make([]byte, 2048)
	oob := make([]byte, udp.TimestampLen())
	sbuf := gopacket.NewSerializeBuffer()
	for {
		buf = buf[:cap(buf)]
		oob = oob[:cap(oob)]
		n, oobn, flags, srcAddr, err := conn.ReadMsgUDPAddrPort(buf, oob)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Error("failed to read packet", zap.Error(err))
			continue
		}
		if flags != 0 {
			log.Error("failed to read packet", zap.Int("flags", flags))
			continue
		}
		oob = oob[:oobn]
		rxt, err := udp.TimestampFromOOBData(oob)
		if err != nil || s.Clock != nil {
			rxt = s.now()
		}
		buf = buf[:n]
		mtrcs.pktsReceived.Inc()

		var req gopacketntp.Packet
		err = req.DecodeFromBytes(buf, gopacket.NilDecodeFeedback)
		if err != nil {
			log.Info("failed to decode packet payload", zap.Error(err))
			continue
		}

		err = ntp.ValidateRequest(&req.Packet)
		if err != nil {
			log.Info("failed to validate packet payload", zap.Error(err))
			continue
		}
		if req.Version() == 1 && srcAddr.Port() == ntp.ServerPort {
			log.Info("dropping version 1 request from server port")
			continue
		}

		if limiters != nil && !limiters.allow(srcAddr.Addr(), time.Now()) {
			mtrcs.reqsRateLimited.Inc()
			log.Debug("rate limited request", zap.Stringer("from", srcAddr))
			continue
		}

		log.Debug("received request",
			zap.Time("at", rxt),
			zap.Stringer("from", srcAddr),
			zap.Object("data", gopacketntp.PacketMarshaler{Pkt: &req}),
		)

		off, synced := s.offset()
		var resp gopacketntp.Packet
		handleRequest(&req.Packet, rxt.Add(off), s.now().Add(off), synced, &resp.Packet)

		err = gopacket.SerializeLayers(sbuf, gopacket.SerializeOptions{}, &resp)
		if err != nil {
			log.Error("failed to serialize packet", zap.Error(err))
			continue
		}
		n, err = conn.WriteToUDPAddrPort(sbuf.Bytes(), srcAddr)
		if err != nil || n != len(sbuf.Bytes()) {
			log.Error("failed to write packet", zap.Error(err))
			continue
		}

		mtrcs.reqsServed.Inc()
	}
}
