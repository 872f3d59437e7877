package tds

import "fmt"

// TokenType identifies a token in the server's response stream.
type TokenType uint8

const (
	TokenReturnStatus  TokenType = 0x79 // 121
	TokenColMetadata   TokenType = 0x81 // 129
	TokenOrder         TokenType = 0xA9 // 169
	TokenError         TokenType = 0xAA // 170
	TokenInfo          TokenType = 0xAB // 171
	TokenReturnValue   TokenType = 0xAC // 172
	TokenLoginAck      TokenType = 0xAD // 173
	TokenFeatureExtAck TokenType = 0xAE // 174
	TokenRow           TokenType = 0xD1 // 209
	TokenNBCRow        TokenType = 0xD2 // 210
	TokenEnvChange     TokenType = 0xE3 // 227
	TokenSSPI          TokenType = 0xED // 237
	TokenDone          TokenType = 0xFD // 253
	TokenDoneProc      TokenType = 0xFE // 254
	TokenDoneInProc    TokenType = 0xFF // 255
)

func (t TokenType) String() string {
	switch t {
	case TokenReturnStatus:
		return "RETURNSTATUS"
	case TokenColMetadata:
		return "COLMETADATA"
	case TokenOrder:
		return "ORDER"
	case TokenError:
		return "ERROR"
	case TokenInfo:
		return "INFO"
	case TokenReturnValue:
		return "RETURNVALUE"
	case TokenLoginAck:
		return "LOGINACK"
	case TokenFeatureExtAck:
		return "FEATUREEXTACK"
	case TokenRow:
		return "ROW"
	case TokenNBCRow:
		return "NBCROW"
	case TokenEnvChange:
		return "ENVCHANGE"
	case TokenSSPI:
		return "SSPI"
	case TokenDone:
		return "DONE"
	case TokenDoneProc:
		return "DONEPROC"
	case TokenDoneInProc:
		return "DONEINPROC"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// Done status flags.
const (
	DoneFinal    uint16 = 0x0000
	DoneMore     uint16 = 0x0001
	DoneError    uint16 = 0x0002
	DoneInxact   uint16 = 0x0004 // Transaction in progress
	DoneCount    uint16 = 0x0010 // Row count valid
	DoneAttn     uint16 = 0x0020 // Acknowledging attention
	DoneSrvError uint16 = 0x0100 // Server error
)

// ENVCHANGE types.
const (
	EnvDatabase     uint8 = 1
	EnvLanguage     uint8 = 2
	EnvCharset      uint8 = 3
	EnvPacketSize   uint8 = 4
	EnvSortID       uint8 = 5
	EnvSortFlags    uint8 = 6
	EnvSQLCollation uint8 = 7
	EnvBeginTran    uint8 = 8
	EnvCommitTran   uint8 = 9
	EnvRollbackTran uint8 = 10
)

// TDS protocol versions as they appear in LOGIN7 and LOGINACK.
const (
	VerTDS70     uint32 = 0x70000000
	VerTDS71     uint32 = 0x71000000
	VerTDS71Rev1 uint32 = 0x71000001
	VerTDS72     uint32 = 0x72090002
	VerTDS73A    uint32 = 0x730A0003
	VerTDS74     uint32 = 0x74000004
)

// VersionString returns a human-readable TDS version string.
func VersionString(ver uint32) string {
	switch ver {
	case VerTDS70:
		return "7.0"
	case VerTDS71:
		return "7.1"
	case VerTDS71Rev1:
		return "7.1 Rev 1"
	case VerTDS72:
		return "7.2"
	case VerTDS73A:
		return "7.3"
	case VerTDS74:
		return "7.4"
	default:
		return fmt.Sprintf("unknown (0x%08X)", ver)
	}
}

// DoneToken terminates a statement's result stream.
type DoneToken struct {
	Status   uint16
	CurCmd   uint16
	RowCount uint64
}

// IsFinal reports whether this DONE ends the whole response.
func (d DoneToken) IsFinal() bool {
	return d.Status&DoneMore == 0
}

// IsAttnAck reports whether this DONE acknowledges an ATTENTION request.
func (d DoneToken) IsAttnAck() bool {
	return d.Status&DoneAttn != 0
}

// HasCount reports whether RowCount is valid.
func (d DoneToken) HasCount() bool {
	return d.Status&DoneCount != 0
}

// doneBodySize returns the size of a DONE token body for the negotiated TDS
// version: the row count grew from 32 to 64 bits in TDS 7.2.
func doneBodySize(tdsVersion uint32) int {
	if tdsVersion >= VerTDS72 {
		return 12
	}
	return 8
}

// parseDone decodes a DONE/DONEPROC/DONEINPROC body. The caller has already
// verified that doneBodySize bytes are available.
func parseDone(r *Reader, tdsVersion uint32) DoneToken {
	d := DoneToken{
		Status: r.Uint16(),
		CurCmd: r.Uint16(),
	}
	if tdsVersion >= VerTDS72 {
		d.RowCount = r.Uint64()
	} else {
		d.RowCount = uint64(r.Uint32())
	}
	return d
}

// InfoToken is a server diagnostic, carried by both INFO and ERROR tokens.
// Severity (Class) above 10 indicates an error.
type InfoToken struct {
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	Line       int32
	IsError    bool
}

// parseInfoError decodes the body of an INFO or ERROR token. The u16 length
// prefix has already been consumed and validated by the dispatcher.
func parseInfoError(r *Reader, isError bool) InfoToken {
	t := InfoToken{IsError: isError}
	t.Number = int32(r.Uint32())
	t.State = r.Byte()
	t.Class = r.Byte()

	msgLen := int(r.Uint16())
	t.Message = DecodeUCS2(r.Bytes(msgLen * 2))

	srvLen := int(r.Byte())
	t.ServerName = DecodeUCS2(r.Bytes(srvLen * 2))

	procLen := int(r.Byte())
	t.ProcName = DecodeUCS2(r.Bytes(procLen * 2))

	t.Line = int32(r.Uint32())
	return t
}

// LoginAckToken acknowledges a successful login.
type LoginAckToken struct {
	Interface  uint8
	TDSVersion uint32
	ProgName   string
	ProgVer    uint32
}

// parseLoginAck decodes a LOGINACK body of the given length.
func parseLoginAck(r *Reader, length int) LoginAckToken {
	end := r.Pos() + length

	var t LoginAckToken
	t.Interface = r.Byte()

	// The TDS version in LOGINACK is big-endian, unlike the LOGIN7 field.
	v := r.Bytes(4)
	if len(v) == 4 {
		t.TDSVersion = uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
	}

	nameLen := int(r.Byte())
	t.ProgName = DecodeUCS2(r.Bytes(nameLen * 2))

	if r.Pos()+4 <= end {
		pv := r.Bytes(4)
		t.ProgVer = uint32(pv[0])<<24 | uint32(pv[1])<<16 | uint32(pv[2])<<8 | uint32(pv[3])
	}
	r.Seek(end)
	return t
}

// EnvChange is one decoded ENVCHANGE record.
type EnvChange struct {
	Type     uint8
	NewValue string
	OldValue string

	// NewPacketSize is set for EnvPacketSize records.
	NewPacketSize uint16
}
