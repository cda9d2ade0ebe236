package impl

import (
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/protocol"
	"github.com/encodeous/weft/state"
)

var errPacketSize = errors.New("packet size is invalid")

func receive(c io.Reader) ([]byte, error) {
	var length uint32

	err := binary.Read(c, binary.BigEndian, &length)
	if err != nil {
		return nil, err
	}

	if length == 0 || length > state.MaxPacketSize {
		return nil, errPacketSize
	}

	data := make([]byte, length)

	_, err = io.ReadFull(c, data)
	if err != nil {
		return nil, err
	}
	perf.RecvBytesPerSecond.Add(float64(length))
	return data, nil
}

func send(c io.Writer, out []byte) error {
	if len(out) == 0 || len(out) > state.MaxPacketSize {
		return errPacketSize
	}

	frame := make([]byte, 4+len(out))
	binary.BigEndian.PutUint32(frame, uint32(len(out)))
	copy(frame[4:], out)

	_, err := c.Write(frame)
	if err == nil {
		perf.SentBytesPerSecond.Add(float64(len(out)))
	}
	return err
}

func receiveEnvelope(c net.Conn) (protocol.Envelope, error) {
	data, err := receive(c)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.DecodeEnvelope(data)
}

func sendEnvelope(c net.Conn, env protocol.Envelope) error {
	return send(c, protocol.EncodeEnvelope(env))
}
