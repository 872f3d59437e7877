package tds

import (
	"encoding/binary"
	"fmt"
)

// Prelogin option tokens.
const (
	PreloginVersion    uint8 = 0x00
	PreloginEncryption uint8 = 0x01
	PreloginInstOpt    uint8 = 0x02
	PreloginThreadID   uint8 = 0x03
	PreloginMARS       uint8 = 0x04
	PreloginTerminator uint8 = 0xFF
)

// Encryption options for prelogin.
const (
	EncryptOff    uint8 = 0x00 // Encryption available but off
	EncryptOn     uint8 = 0x01 // Encryption available and on
	EncryptNotSup uint8 = 0x02 // Encryption not supported
	EncryptReq    uint8 = 0x03 // Encryption required
)

// Prelogin represents a TDS prelogin message, used for both the client
// request and the server response. This driver only negotiates cleartext
// sessions, so the request always advertises EncryptNotSup.
type Prelogin struct {
	Version    [6]byte // 4 version bytes + 2 subbuild
	Encryption uint8
	Instance   string
	ThreadID   uint32
	MARS       uint8
}

// preloginOption is one entry of the option table at the head of the
// message. Offsets and lengths are big-endian, unlike the rest of the
// protocol body.
type preloginOption struct {
	token  uint8
	offset uint16
	length uint16
}

// EncodePrelogin serialises a prelogin message: the option table, the
// terminator, then the option payloads at their claimed offsets.
func EncodePrelogin(p *Prelogin) []byte {
	type optPayload struct {
		token uint8
		data  []byte
	}

	tid := make([]byte, 4)
	binary.BigEndian.PutUint32(tid, p.ThreadID)

	instance := append([]byte(p.Instance), 0)

	opts := []optPayload{
		{PreloginVersion, p.Version[:]},
		{PreloginEncryption, []byte{p.Encryption}},
		{PreloginInstOpt, instance},
		{PreloginThreadID, tid},
		{PreloginMARS, []byte{p.MARS}},
	}

	headerLen := len(opts)*5 + 1
	w := NewWriter()

	offset := headerLen
	for _, o := range opts {
		w.WriteUint8(o.token)
		w.WriteUint16BE(uint16(offset))
		w.WriteUint16BE(uint16(len(o.data)))
		offset += len(o.data)
	}
	w.WriteUint8(PreloginTerminator)

	for _, o := range opts {
		w.WriteBytes(o.data)
	}
	return w.Bytes()
}

// ParsePrelogin parses a prelogin message from raw bytes.
func ParsePrelogin(data []byte) (*Prelogin, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty prelogin data")
	}

	p := &Prelogin{}

	// First pass: read option headers
	options := make(map[uint8]preloginOption)
	offset := 0
	for {
		if offset >= len(data) {
			return nil, fmt.Errorf("prelogin data truncated reading options")
		}

		token := data[offset]
		if token == PreloginTerminator {
			break
		}

		if offset+5 > len(data) {
			return nil, fmt.Errorf("prelogin option header truncated")
		}

		options[token] = preloginOption{
			token:  token,
			offset: binary.BigEndian.Uint16(data[offset+1 : offset+3]),
			length: binary.BigEndian.Uint16(data[offset+3 : offset+5]),
		}
		offset += 5
	}

	// Second pass: read option values
	for token, opt := range options {
		start := int(opt.offset)
		end := start + int(opt.length)
		if end > len(data) {
			return nil, fmt.Errorf("prelogin option %d data out of bounds", token)
		}
		value := data[start:end]

		switch token {
		case PreloginVersion:
			if len(value) >= 6 {
				copy(p.Version[:], value[:6])
			}
		case PreloginEncryption:
			if len(value) >= 1 {
				p.Encryption = value[0]
			}
		case PreloginInstOpt:
			for i, b := range value {
				if b == 0 {
					p.Instance = string(value[:i])
					break
				}
			}
			if p.Instance == "" && len(value) > 0 && value[len(value)-1] != 0 {
				p.Instance = string(value)
			}
		case PreloginThreadID:
			if len(value) >= 4 {
				p.ThreadID = binary.BigEndian.Uint32(value)
			}
		case PreloginMARS:
			if len(value) >= 1 {
				p.MARS = value[0]
			}
		}
	}

	return p, nil
}

// ExchangePrelogin sends the client prelogin message and returns the parsed
// server response.
func (s *Session) ExchangePrelogin(req *Prelogin) (*Prelogin, error) {
	s.preloginMode = true
	s.prelogin = nil
	s.finalDone = false
	defer func() { s.preloginMode = false }()

	if err := s.SendMessage(PacketPrelogin, EncodePrelogin(req)); err != nil {
		return nil, err
	}

	for !s.finalDone {
		if err := s.transport.ReceivePDU(); err != nil {
			return nil, err
		}
	}
	return s.prelogin, nil
}
