package gopacketntp

import (
	"go.uber.org/zap/zapcore"

	"example.com/netclock/net/ntp"
)

type PacketMarshaler struct {
	Pkt *Packet
}

func (m PacketMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	err := ntp.PacketMarshaler{Pkt: &m.Pkt.Packet}.MarshalLogObject(enc)
	if err != nil {
		return err
	}
	enc.AddInt("PayloadLen", len(m.Pkt.BaseLayer.Payload))
	return nil
}
