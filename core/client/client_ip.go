package client

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.uber.org/zap"

	"example.com/netclock/base/metrics"
	"example.com/netclock/base/timebase"
	"example.com/netclock/base/zaplog"

	coretimebase "example.com/netclock/core/timebase"

	"example.com/netclock/core/measurements"

	"example.com/netclock/net/ntp"
	"example.com/netclock/net/udp"
)

const maxNumRetries = 1

// IPClient exchanges NTP packets with servers over UDP/IP. Receive
// timestamps are taken by the kernel where supported.
type IPClient struct {
	Log       *zap.Logger
	LocalAddr *net.UDPAddr
	DSCP      uint8
	// Clock timestamps packets; nil selects the registered local clock.
	Clock timebase.LocalClock

	histoMu sync.Mutex
	Histo   *hdrhistogram.Histogram
}

var _ Transport = (*IPClient)(nil)

type ipClientMetrics struct {
	reqsSent      prometheus.Counter
	pktsReceived  prometheus.Counter
	respsAccepted prometheus.Counter
}

func newIPClientMetrics() *ipClientMetrics {
	return &ipClientMetrics{
		reqsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClientReqsSentN,
			Help: metrics.ClientReqsSentH,
		}),
		pktsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClientPktsReceivedN,
			Help: metrics.ClientPktsReceivedH,
		}),
		respsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClientRespsAcceptedN,
			Help: metrics.ClientRespsAcceptedH,
		}),
	}
}

func compareAddrs(x, y netip.Addr) int {
	return x.Unmap().Compare(y.Unmap())
}

func (c *IPClient) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zaplog.Logger()
}

func (c *IPClient) now() time.Time {
	if c.Clock != nil {
		return c.Clock.Now()
	}
	return coretimebase.Now()
}

func (c *IPClient) recordRTD(rtd time.Duration) {
	if c.Histo == nil {
		return
	}
	c.histoMu.Lock()
	defer c.histoMu.Unlock()
	_ = c.Histo.RecordValue(rtd.Microseconds())
}

func (c *IPClient) Exchange(ctx context.Context, server string, cTxTime time.Time) (
	ts measurements.Timestamps, err error) {
	log := c.log()
	mtrcs := ipMetrics.Load()

	remoteAddr, err := resolve(ctx, server)
	if err != nil {
		return ts, err
	}

	var laddr *net.UDPAddr
	if c.LocalAddr != nil {
		laddr = &net.UDPAddr{IP: c.LocalAddr.IP, Zone: c.LocalAddr.Zone}
	}
	network := "udp6"
	if remoteAddr.Addr().Is4() {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return ts, err
	}
	defer conn.Close()
	deadline, deadlineIsSet := ctx.Deadline()
	if deadlineIsSet {
		err = conn.SetDeadline(deadline)
		if err != nil {
			return ts, err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()
	err = udp.EnableRxTimestamps(conn)
	if err != nil {
		log.Info("failed to enable timestamping", zap.Error(err))
	}
	err = udp.SetDSCP(conn, c.DSCP)
	if err != nil {
		log.Info("failed to set DSCP", zap.Error(err))
	}

	buf := make([]byte, ntp.PacketLen)

	reference := remoteAddr.String()

	ntpreq := ntp.Packet{}
	ntpreq.SetVersion(ntp.VersionMax)
	ntpreq.SetMode(ntp.ModeClient)

	cTxTime1 := c.now()
	if cTxTime1.Before(cTxTime) {
		cTxTime1 = cTxTime
	}
	ntpreq.TransmitTime = ntp.Time64FromTime(cTxTime1)

	ntp.EncodePacket(&buf, &ntpreq)

	n, err := conn.WriteToUDPAddrPort(buf, remoteAddr)
	if err != nil {
		return ts, err
	}
	if n != len(buf) {
		return ts, errWrite
	}
	mtrcs.reqsSent.Inc()

	retry := func(numRetries int) bool {
		return numRetries != maxNumRetries && ctx.Err() == nil &&
			(!deadlineIsSet || c.now().Before(deadline))
	}

	numRetries := 0
	oob := make([]byte, udp.TimestampLen())
	for {
		buf = buf[:cap(buf)]
		oob = oob[:cap(oob)]
		n, oobn, flags, srcAddr, err := conn.ReadMsgUDPAddrPort(buf, oob)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ts, ctxErr
			}
			if retry(numRetries) {
				log.Info("failed to read packet", zap.Error(err))
				numRetries++
				continue
			}
			return ts, err
		}
		if flags != 0 {
			err = errUnexpectedPacketFlags
			if retry(numRetries) {
				log.Info("failed to read packet", zap.Int("flags", flags))
				numRetries++
				continue
			}
			return ts, err
		}
		oob = oob[:oobn]
		cRxTime, err := udp.TimestampFromOOBData(oob)
		if err != nil {
			cRxTime = c.now()
			log.Debug("failed to read packet rx timestamp", zap.Error(err))
		}
		buf = buf[:n]
		mtrcs.pktsReceived.Inc()

		if compareAddrs(srcAddr.Addr(), remoteAddr.Addr()) != 0 {
			err = errUnexpectedPacketSource
			if retry(numRetries) {
				log.Info("received packet from unexpected source")
				numRetries++
				continue
			}
			return ts, err
		}

		var ntpresp ntp.Packet
		err = ntp.DecodePacket(&ntpresp, buf)
		if err != nil {
			if retry(numRetries) {
				log.Info("failed to decode packet payload", zap.Error(err))
				numRetries++
				continue
			}
			return ts, err
		}

		if ntpresp.OriginTime != ntpreq.TransmitTime {
			err = errUnexpectedPacket
			if retry(numRetries) {
				log.Info("received packet with unexpected type or structure")
				numRetries++
				continue
			}
			return ts, err
		}

		err = ntp.ValidateResponseMetadata(&ntpresp)
		if err != nil {
			return ts, err
		}

		log.Debug("received response",
			zap.Time("at", cRxTime),
			zap.String("from", reference),
			zap.Object("data", ntp.PacketMarshaler{Pkt: &ntpresp}),
		)

		ts = measurements.Timestamps{
			CTxTime: cTxTime1,
			SRxTime: ntp.TimeFromTime64(ntpresp.ReceiveTime, cTxTime1),
			STxTime: ntp.TimeFromTime64(ntpresp.TransmitTime, cTxTime1),
			CRxTime: cRxTime,
		}

		mtrcs.respsAccepted.Inc()
		log.Debug("evaluated response",
			zap.String("from", reference),
			zap.Duration("clock offset", ts.Offset()),
			zap.Duration("round trip delay", ts.Delay()),
		)

		c.recordRTD(ts.Delay())

		return ts, nil
	}
}
