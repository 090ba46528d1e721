// Package gopacketntp exposes the NTP header as a gopacket layer so that
// servers can decode and serialize packets with gopacket buffers.
package gopacketntp

import (
	"errors"

	"github.com/google/gopacket"

	"example.com/netclock/net/ntp"
)

var LayerTypeNTP = gopacket.RegisterLayerType(
	1213,
	gopacket.LayerTypeMetadata{
		Name:    "NTP",
		Decoder: gopacket.DecodeFunc(decodeNTP),
	},
)

// BaseLayer is a convenience struct which implements the LayerData and
// LayerPayload functions of the Layer interface.
// Copy-pasted from gopacket/layers (we avoid importing this due its massive size)
type BaseLayer struct {
	// Contents is the set of bytes that make up this layer.
	Contents []byte
	// Payload is the set of bytes contained by (but not part of) this
	// Layer. For NTP these are extension fields and MACs, if any.
	Payload []byte
}

func (b *BaseLayer) LayerContents() []byte { return b.Contents }

func (b *BaseLayer) LayerPayload() []byte { return b.Payload }

type Packet struct {
	BaseLayer
	ntp.Packet
}

var (
	errUnexpectedPacketSize = errors.New("unexpected packet size")
)

func (p *Packet) LayerType() gopacket.LayerType {
	return LayerTypeNTP
}

func decodeNTP(data []byte, p gopacket.PacketBuilder) error {
	d := &Packet{}
	err := d.DecodeFromBytes(data, p)
	if err != nil {
		return err
	}

	p.AddLayer(d)
	p.SetApplicationLayer(d)

	return nil
}

func (p *Packet) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	data, err := b.PrependBytes(ntp.PacketLen)
	if err != nil {
		return err
	}
	buf := data[:0:ntp.PacketLen]
	ntp.EncodePacket(&buf, &p.Packet)
	return nil
}

func (p *Packet) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < ntp.PacketLen {
		df.SetTruncated()
		return errUnexpectedPacketSize
	}

	err := ntp.DecodePacket(&p.Packet, data)
	if err != nil {
		return err
	}
	p.BaseLayer = BaseLayer{
		Contents: data[:ntp.PacketLen],
		Payload:  data[ntp.PacketLen:],
	}

	return nil
}

func (p *Packet) CanDecode() gopacket.LayerClass {
	return LayerTypeNTP
}

func (p *Packet) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

func (p *Packet) Payload() []byte {
	return p.BaseLayer.Payload
}
