package tds

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ha1tch/minitds/pkg/log"
)

// testLogger returns a logger that swallows everything, keeping test output
// clean.
func testLogger() *log.Logger {
	return log.New(log.Config{DefaultLevel: log.LevelOff, Output: io.Discard})
}

// mockTransport is an in-memory Transport: outbound frames are captured on
// Send, inbound PDUs are scripted ahead of time and replayed by ReceivePDU.
type mockTransport struct {
	buf        []byte
	sent       [][]byte
	inbound    [][]byte
	cb         PDUCallback
	packetSize uint16
	connected  bool
	connectErr error
}

func newMockTransport() *mockTransport {
	return &mockTransport{packetSize: DefaultPacketSize}
}

func (m *mockTransport) Connect(host string, port uint16) error {
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockTransport) Write(p []byte) {
	m.buf = append(m.buf, p...)
}

func (m *mockTransport) WriteAt(offset int, p []byte) {
	if offset < 0 || offset+len(p) > len(m.buf) {
		return
	}
	copy(m.buf[offset:], p)
}

func (m *mockTransport) WriteOffset() int {
	return len(m.buf)
}

func (m *mockTransport) Send() error {
	frame := make([]byte, len(m.buf))
	copy(frame, m.buf)
	m.sent = append(m.sent, frame)
	m.buf = m.buf[:0]
	return nil
}

func (m *mockTransport) ReceivePDU() error {
	if len(m.inbound) == 0 {
		return fmt.Errorf("mock transport: no more inbound PDUs")
	}
	pdu := m.inbound[0]
	m.inbound = m.inbound[1:]

	if len(pdu) < HeaderSize {
		return fmt.Errorf("mock transport: scripted PDU shorter than header")
	}
	return m.cb(PacketType(pdu[0]), PacketStatus(pdu[1]), pdu[HeaderSize:])
}

func (m *mockTransport) RegisterPDUCallback(cb PDUCallback) {
	m.cb = cb
}

func (m *mockTransport) SetPacketSize(n uint16) {
	m.packetSize = n
}

func (m *mockTransport) Close() error {
	m.connected = false
	return nil
}

// queue frames payload as an inbound PDU.
func (m *mockTransport) queue(t PacketType, status PacketStatus, payload []byte) {
	hdr := Header{
		Type:   t,
		Status: status,
		Length: uint16(HeaderSize + len(payload)),
	}
	b := hdr.Marshal()
	m.inbound = append(m.inbound, append(b[:], payload...))
}

// queueReply frames a token stream as a single end-of-message reply PDU.
func (m *mockTransport) queueReply(tokens []byte) {
	m.queue(PacketReply, StatusEOM, tokens)
}

// Token stream builders, used to script server responses.

type streamBuilder struct {
	w *Writer
}

func newStream() *streamBuilder {
	return &streamBuilder{w: NewWriter()}
}

func (b *streamBuilder) bytes() []byte {
	return b.w.Bytes()
}

// done appends a TDS 7.1 DONE token (32-bit row count).
func (b *streamBuilder) done(t TokenType, status uint16, rowCount uint32) *streamBuilder {
	b.w.WriteUint8(byte(t))
	b.w.WriteUint16(status)
	b.w.WriteUint16(0xC1) // cur_cmd: SELECT
	b.w.WriteUint32(rowCount)
	return b
}

func (b *streamBuilder) loginAck(progName string, tdsVersion uint32) *streamBuilder {
	name := EncodeUCS2(progName)
	body := NewWriter()
	body.WriteUint8(1) // interface: SQL
	body.WriteUint8(byte(tdsVersion >> 24))
	body.WriteUint8(byte(tdsVersion >> 16))
	body.WriteUint8(byte(tdsVersion >> 8))
	body.WriteUint8(byte(tdsVersion))
	body.WriteUint8(uint8(len(name) / 2))
	body.WriteBytes(name)
	body.WriteBytes([]byte{0x0E, 0x00, 0x0C, 0xA6}) // prog version
	b.w.WriteUint8(byte(TokenLoginAck))
	b.w.WriteUint16(uint16(body.Len()))
	b.w.WriteBytes(body.Bytes())
	return b
}

func (b *streamBuilder) infoError(t TokenType, number int32, class uint8, msg string) *streamBuilder {
	msgU := EncodeUCS2(msg)
	srvU := EncodeUCS2("mock")
	body := NewWriter()
	body.WriteUint32(uint32(number))
	body.WriteUint8(1) // state
	body.WriteUint8(class)
	body.WriteUint16(uint16(len(msgU) / 2))
	body.WriteBytes(msgU)
	body.WriteUint8(uint8(len(srvU) / 2))
	body.WriteBytes(srvU)
	body.WriteUint8(0) // proc name
	body.WriteUint32(1)
	b.w.WriteUint8(byte(t))
	b.w.WriteUint16(uint16(body.Len()))
	b.w.WriteBytes(body.Bytes())
	return b
}

func (b *streamBuilder) envChangeString(envType uint8, newVal, oldVal string) *streamBuilder {
	newU := EncodeUCS2(newVal)
	oldU := EncodeUCS2(oldVal)
	body := NewWriter()
	body.WriteUint8(envType)
	body.WriteUint8(uint8(len(newU) / 2))
	body.WriteBytes(newU)
	body.WriteUint8(uint8(len(oldU) / 2))
	body.WriteBytes(oldU)
	b.w.WriteUint8(byte(TokenEnvChange))
	b.w.WriteUint16(uint16(body.Len()))
	b.w.WriteBytes(body.Bytes())
	return b
}

// testColumn describes one column for colMetadata.
type testColumn struct {
	typ       SQLType
	length    uint32
	precision uint8
	scale     uint8
	name      string
}

func (b *streamBuilder) colMetadata(cols []testColumn) *streamBuilder {
	b.w.WriteUint8(byte(TokenColMetadata))
	b.w.WriteUint16(uint16(len(cols)))
	for _, c := range cols {
		b.w.WriteUint16(0)      // user type
		b.w.WriteUint16(0x0001) // flags: nullable
		b.w.WriteUint8(byte(c.typ))

		props, ok := GetTypeProps(c.typ)
		if !ok {
			panic("colMetadata: unknown test column type")
		}
		switch props.Size {
		case SizeFixed:
		case SizeVarU8:
			b.w.WriteUint8(uint8(c.length))
		case SizeVarU16:
			b.w.WriteUint16(uint16(c.length))
		case SizeVarU32:
			b.w.WriteUint32(c.length)
		case SizeVarPrec:
			b.w.WriteUint8(uint8(c.length))
			b.w.WriteUint8(c.precision)
			b.w.WriteUint8(c.scale)
		}
		if props.HasCollation {
			b.w.WriteBytes([]byte{0x09, 0x04, 0xD0, 0x00, 0x34})
		}

		name := EncodeUCS2(c.name)
		b.w.WriteUint8(uint8(len(name) / 2))
		b.w.WriteBytes(name)
	}
	return b
}

// rowField is one value for the row builder; nil data with null=true emits
// the type's NULL representation.
type rowField struct {
	null bool
	data []byte
}

func (b *streamBuilder) row(cols []testColumn, fields []rowField) *streamBuilder {
	b.w.WriteUint8(byte(TokenRow))
	for i, c := range cols {
		props, _ := GetTypeProps(c.typ)
		f := fields[i]
		switch props.Size {
		case SizeFixed:
			b.w.WriteBytes(f.data)
		case SizeVarU8, SizeVarPrec:
			if f.null {
				b.w.WriteUint8(0)
			} else {
				b.w.WriteUint8(uint8(len(f.data)))
				b.w.WriteBytes(f.data)
			}
		case SizeVarU16:
			if f.null {
				b.w.WriteUint16(0xFFFF)
			} else {
				b.w.WriteUint16(uint16(len(f.data)))
				b.w.WriteBytes(f.data)
			}
		case SizeVarU32:
			if f.null {
				b.w.WriteUint32(0xFFFFFFFF)
			} else {
				b.w.WriteUint32(uint32(len(f.data)))
				b.w.WriteBytes(f.data)
			}
		}
	}
	return b
}

func (b *streamBuilder) nbcRow(cols []testColumn, fields []rowField) *streamBuilder {
	b.w.WriteUint8(byte(TokenNBCRow))
	bitmap := make([]byte, (len(cols)+7)/8)
	for i, f := range fields {
		if f.null {
			bitmap[i/8] |= 1 << (uint(i) % 8)
		}
	}
	b.w.WriteBytes(bitmap)
	for i, c := range cols {
		if fields[i].null {
			continue
		}
		props, _ := GetTypeProps(c.typ)
		f := fields[i]
		switch props.Size {
		case SizeFixed:
			b.w.WriteBytes(f.data)
		case SizeVarU8, SizeVarPrec:
			b.w.WriteUint8(uint8(len(f.data)))
			b.w.WriteBytes(f.data)
		case SizeVarU16:
			b.w.WriteUint16(uint16(len(f.data)))
			b.w.WriteBytes(f.data)
		case SizeVarU32:
			b.w.WriteUint32(uint32(len(f.data)))
			b.w.WriteBytes(f.data)
		}
	}
	return b
}

// le32 encodes a little-endian int32 value, for fixed-width test fields.
func le32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}
