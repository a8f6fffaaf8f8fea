package mesh

import (
	"encoding/binary"
	"errors"
	"sync"
)

const (
	magicByte          = 0x48
	typeHeartbeat byte = 0x02
	typeData      byte = 0x04

	headerLen = 18
	// maxPacket keeps a datagram below the usual loopback MTU headroom.
	maxPacket = 8192
)

var (
	errInvalidMagic = errors.New("mesh: invalid magic byte")
	errShortBuffer  = errors.New("mesh: buffer too short")
	errUnknownType  = errors.New("mesh: unknown packet type")
	// ErrPacketTooLarge is returned by Publish when topic and payload do not fit
	// in a single datagram.
	ErrPacketTooLarge = errors.New("mesh: payload exceeds datagram size")
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, maxPacket)
	},
}

// packet layout:
//
//	magic(1) type(1) node(16)
//	heartbeat: addrLen(2) addr
//	data:      topicLen(2) topic dataLen(2) data
type packet struct {
	Magic  byte
	Type   byte
	NodeID [16]byte
	Addr   string
	Topic  string
	Data   []byte
}

func (p *packet) marshal(b []byte) (int, error) {
	if len(b) < headerLen {
		return 0, errShortBuffer
	}
	b[0] = p.Magic
	b[1] = p.Type
	copy(b[2:headerLen], p.NodeID[:])

	switch p.Type {
	case typeHeartbeat:
		n := headerLen + 2 + len(p.Addr)
		if len(b) < n {
			return 0, errShortBuffer
		}
		binary.BigEndian.PutUint16(b[headerLen:], uint16(len(p.Addr)))
		copy(b[headerLen+2:], p.Addr)
		return n, nil

	case typeData:
		n := headerLen + 2 + len(p.Topic) + 2 + len(p.Data)
		if len(b) < n {
			return 0, errShortBuffer
		}
		curr := headerLen
		binary.BigEndian.PutUint16(b[curr:], uint16(len(p.Topic)))
		curr += 2
		curr += copy(b[curr:], p.Topic)
		binary.BigEndian.PutUint16(b[curr:], uint16(len(p.Data)))
		curr += 2
		curr += copy(b[curr:], p.Data)
		return curr, nil
	}
	return 0, errUnknownType
}

func (p *packet) unmarshal(b []byte) error {
	if len(b) < headerLen {
		return errShortBuffer
	}
	p.Magic = b[0]
	if p.Magic != magicByte {
		return errInvalidMagic
	}
	p.Type = b[1]
	copy(p.NodeID[:], b[2:headerLen])

	readString := func(curr int) (string, int, error) {
		if len(b) < curr+2 {
			return "", 0, errShortBuffer
		}
		l := int(binary.BigEndian.Uint16(b[curr:]))
		curr += 2
		if len(b) < curr+l {
			return "", 0, errShortBuffer
		}
		return string(b[curr : curr+l]), curr + l, nil
	}

	switch p.Type {
	case typeHeartbeat:
		addr, _, err := readString(headerLen)
		if err != nil {
			return err
		}
		p.Addr = addr
		return nil

	case typeData:
		topic, curr, err := readString(headerLen)
		if err != nil {
			return err
		}
		data, _, err := readString(curr)
		if err != nil {
			return err
		}
		p.Topic = topic
		p.Data = []byte(data)
		return nil
	}
	return errUnknownType
}
