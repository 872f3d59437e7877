// Package tds implements the client side of the TDS (Tabular Data Stream)
// protocol for SQL Server compatible database servers.
//
// This package provides a lightweight TDS 7.x driver: it performs the
// PRELOGIN/LOGIN7 handshake with cleartext SQL authentication, executes
// textual SQL batches, and streams result sets (column metadata followed by
// row data) to a caller-provided callback.
//
// The implementation is based on the MS-TDS protocol specification and on
// observing server behaviour against SQL Server 2017.
package tds

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType identifies the type of TDS packet.
type PacketType uint8

const (
	// PacketSQLBatch carries an ad-hoc SQL batch.
	PacketSQLBatch PacketType = 1

	// PacketRPCRequest carries a stored procedure call.
	PacketRPCRequest PacketType = 3

	// PacketReply is sent by the server in response to client requests.
	PacketReply PacketType = 4

	// PacketAttention cancels a running request.
	PacketAttention PacketType = 6

	// PacketBulkLoad carries bulk insert data.
	PacketBulkLoad PacketType = 7

	// PacketLogin7 carries the TDS 7.x login record.
	PacketLogin7 PacketType = 16

	// PacketSSPIMessage carries SSPI/Windows authentication data.
	PacketSSPIMessage PacketType = 17

	// PacketPrelogin negotiates connection parameters before login.
	PacketPrelogin PacketType = 18
)

func (p PacketType) String() string {
	switch p {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPCRequest:
		return "RPC_REQUEST"
	case PacketReply:
		return "REPLY"
	case PacketAttention:
		return "ATTENTION"
	case PacketBulkLoad:
		return "BULK_LOAD"
	case PacketLogin7:
		return "LOGIN7"
	case PacketSSPIMessage:
		return "SSPI_MESSAGE"
	case PacketPrelogin:
		return "PRELOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", p)
	}
}

// PacketStatus indicates the status of a TDS packet.
type PacketStatus uint8

const (
	// StatusNormal indicates more packets follow.
	StatusNormal PacketStatus = 0x00

	// StatusEOM indicates end of message (last packet).
	StatusEOM PacketStatus = 0x01

	// StatusIgnore indicates the packet should be ignored.
	StatusIgnore PacketStatus = 0x02

	// StatusResetConnection requests connection reset.
	StatusResetConnection PacketStatus = 0x08
)

// HeaderSize is the size of a TDS packet header in bytes.
const HeaderSize = 8

// DefaultPacketSize is the default TDS packet size.
const DefaultPacketSize = 4096

// MaxPacketSize is the maximum allowed TDS packet size.
const MaxPacketSize = 32767

// MinPacketSize is the minimum allowed TDS packet size.
const MinPacketSize = 512

// Header represents a TDS packet header. The length and SPID fields are
// big-endian on the wire, unlike most of the protocol body, which is
// little-endian.
type Header struct {
	Type     PacketType
	Status   PacketStatus
	Length   uint16 // Total packet length including header
	SPID     uint16 // Server Process ID
	PacketID uint8  // Packet sequence number (wraps mod 256)
	Window   uint8  // Currently unused, always 0
}

// ReadHeader reads a TDS packet header from the given reader.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}

	return Header{
		Type:     PacketType(buf[0]),
		Status:   PacketStatus(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}, nil
}

// Marshal encodes the header into an 8-byte slice.
func (h Header) Marshal() [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
	return buf
}

// Write writes the header to the given writer.
func (h Header) Write(w io.Writer) error {
	buf := h.Marshal()
	_, err := w.Write(buf[:])
	return err
}

// PayloadLength returns the length of the packet payload (excluding header).
func (h Header) PayloadLength() int {
	if h.Length <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}

// IsLastPacket returns true if this is the last packet in the message.
func (h Header) IsLastPacket() bool {
	return h.Status&StatusEOM != 0
}
