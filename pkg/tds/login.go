package tds

import (
	"github.com/ha1tch/minitds/pkg/errors"
	"github.com/ha1tch/minitds/pkg/log"
)

// LOGIN7 option flags. The driver always requests the ODBC defaults: use-db
// and set-language notifications on, initial database and language fatal.
const (
	login7Flags1 uint8 = 0xE0 // fUseDB | fInitDBFatal | fSetLang
	login7Flags2 uint8 = 0x03 // fLanguageFatal | fODBC
	login7Type   uint8 = 0x00
	login7Flags3 uint8 = 0x00
)

// login7HeaderSize is the fixed portion of the TDS 7.1 LOGIN7 record: the
// 36-byte header plus the offset/length table (nine u16 pairs, the 6-byte
// client id, and the SSPI and attach-db-file pairs).
const login7HeaderSize = 86

// Well-known LCIDs for the collation field.
const (
	LangUSEnglish uint32 = 0x0409 // en-us
	LangGBEnglish uint32 = 0x0809 // en-gb
)

// LoginParameters are the caller-supplied login options. String fields are
// encoded into the LOGIN7 variable section as UCS-2 LE; absent fields use
// the protocol defaults.
type LoginParameters struct {
	ServerName  string // Target server name reported back to the server
	UserName    string // SQL login
	Password    string // Cleartext; obfuscated before transmission
	ClientName  string // Workstation identifier
	AppName     string // Application name reported to the server
	LibraryName string // Client library name
	Language    string // Locale name (usually empty)
	DbName      string // Initial database

	ClientPID            uint32
	ClientProgramVersion uint32
	ClientID             [6]byte // MAC-like identifier
	Collation            uint32  // LCID
	PacketSize           uint32  // Proposed TDS packet size
}

// ConnectionParameters wraps LoginParameters with the transport endpoint.
type ConnectionParameters struct {
	LoginParameters
	Port uint16
}

// DefaultPort is the conventional SQL Server TCP port.
const DefaultPort = 1433

// withDefaults fills the unset fields the spec gives defaults for.
func (p ConnectionParameters) withDefaults() ConnectionParameters {
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.PacketSize == 0 {
		p.PacketSize = DefaultPacketSize
	}
	if p.Collation == 0 {
		p.Collation = LangUSEnglish
	}
	if p.ClientProgramVersion == 0 {
		p.ClientProgramVersion = 0x07000000
	}
	return p
}

// EncodePassword obfuscates a UCS-2 LE password in the way LOGIN7 requires:
// each byte has its nibbles swapped and is then XORed with 0xA5. This is the
// documented TDS obfuscation, not cryptography. The transform is not its own
// inverse: applying it twice yields each original byte XORed with 0xFF.
func EncodePassword(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = ((c << 4) | (c >> 4)) ^ 0xA5
	}
	return out
}

// EncodeLogin7 serialises the LOGIN7 record: the fixed header, the
// offset/length table, and the UCS-2 variable section. Offsets are byte
// offsets from the start of the record; lengths are in characters.
func EncodeLogin7(p LoginParameters) []byte {
	host := EncodeUCS2(p.ClientName)
	user := EncodeUCS2(p.UserName)
	pass := EncodePassword(EncodeUCS2(p.Password))
	app := EncodeUCS2(p.AppName)
	server := EncodeUCS2(p.ServerName)
	library := EncodeUCS2(p.LibraryName)
	language := EncodeUCS2(p.Language)
	database := EncodeUCS2(p.DbName)

	varSection := [][]byte{host, user, pass, app, server, library, language, database}

	total := login7HeaderSize
	for _, f := range varSection {
		total += len(f)
	}

	w := NewWriter()
	w.WriteUint32(uint32(total))
	w.WriteUint32(VerTDS71Rev1)
	w.WriteUint32(p.PacketSize)
	w.WriteUint32(p.ClientProgramVersion)
	w.WriteUint32(p.ClientPID)
	w.WriteUint32(0) // connection id
	w.WriteUint8(login7Flags1)
	w.WriteUint8(login7Flags2)
	w.WriteUint8(login7Type)
	w.WriteUint8(login7Flags3)
	w.WriteUint32(0) // client timezone
	w.WriteUint32(p.Collation)

	// Offset/length table. Offsets advance through the variable section in
	// write order; lengths are character counts.
	cur := login7HeaderSize
	writeEntry := func(f []byte) {
		w.WriteUint16(uint16(cur))
		w.WriteUint16(uint16(len(f) / 2))
		cur += len(f)
	}

	writeEntry(host)
	writeEntry(user)
	writeEntry(pass)
	writeEntry(app)
	writeEntry(server)
	w.WriteUint16(0) // unused (extension)
	w.WriteUint16(0)
	writeEntry(library)
	writeEntry(language)
	writeEntry(database)

	w.WriteBytes(p.ClientID[:])

	w.WriteUint16(0) // SSPI
	w.WriteUint16(0)
	w.WriteUint16(uint16(total)) // attach-db-file
	w.WriteUint16(0)

	for _, f := range varSection {
		w.WriteBytes(f)
	}
	return w.Bytes()
}

// LoginContext drives the PRELOGIN/LOGIN7 handshake to the authenticated
// state. LOGINACK and ENVCHANGE tokens are interpreted by the session's own
// dispatcher; the login context registers no handlers on the session.
type LoginContext struct {
	sess   *Session
	logger *log.Logger
}

// NewLoginContext creates a login context bound to the session.
func NewLoginContext(sess *Session) *LoginContext {
	return &LoginContext{sess: sess, logger: sess.logger}
}

// DoLogin performs the handshake: PRELOGIN exchange, LOGIN7 transmission,
// and response interpretation. On success the session is authenticated and
// any packet-size renegotiation has been absorbed.
func (lc *LoginContext) DoLogin(p LoginParameters) (LoginStatus, error) {
	req := &Prelogin{
		Version:    [6]byte{0, 0, 0, 1, 0, 0},
		Encryption: EncryptNotSup,
		ThreadID:   p.ClientPID,
	}
	resp, err := lc.sess.ExchangePrelogin(req)
	if err != nil {
		return LoginFailureInvalidResponse,
			errors.Wrap(err, errors.ErrCodePreloginFailed, "prelogin exchange")
	}
	if resp.Encryption == EncryptReq {
		return LoginFailureInvalidResponse,
			errors.New(errors.ErrCodePreloginFailed, "server requires encryption")
	}

	if err := lc.sess.SendMessage(PacketLogin7, EncodeLogin7(p)); err != nil {
		return LoginFailureInvalidResponse,
			errors.Wrap(err, errors.ErrCodeLoginFailed, "sending LOGIN7")
	}

	if err := lc.sess.ReceiveResponse(); err != nil {
		return LoginFailureInvalidResponse,
			errors.Wrap(err, errors.ErrCodeLoginFailed, "reading login response")
	}

	if lc.sess.IsAuthenticated() {
		lc.logger.Audit().Info("login succeeded",
			"user", p.UserName, "database", lc.sess.Database())
		return LoginSuccess, nil
	}

	if se := lc.sess.ServerError(); se != nil {
		lc.logger.Audit().Warn("login rejected",
			"user", p.UserName, "number", se.Number, "message", se.Message)
		return LoginFailureServerError,
			errors.Newf(errors.ErrCodeLoginServerError,
				"login failed: %s (%d)", se.Message, se.Number)
	}

	return LoginFailureInvalidResponse,
		errors.New(errors.ErrCodeLoginBadResponse, "no LOGINACK in login response")
}
