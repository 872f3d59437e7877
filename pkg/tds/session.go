package tds

import (
	"strconv"

	"github.com/ha1tch/minitds/pkg/errors"
	"github.com/ha1tch/minitds/pkg/log"
)

// State is the connection state of a session.
type State uint8

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// TokenHandler is a sub-handler for tokens the session does not decode
// natively (COLMETADATA, ROW, NBCROW). The reader is positioned just past
// the token type byte. A HandlerNotEnoughBytes result makes the session
// fetch another PDU and re-run the handler from the start of the token.
type TokenHandler func(t TokenType, r *Reader) HandlerResult

// Session owns one TDS connection: the send buffer framing, the inbound
// token dispatcher, the authenticated flag, and the negotiated protocol
// version. A session must not be used from multiple goroutines concurrently;
// callers that want concurrency own multiple sessions.
type Session struct {
	transport Transport
	logger    *log.Logger

	state      State
	tdsVersion uint32
	packetID   uint8
	spid       uint16
	database   string

	// Outbound framing: offset of the header reserved by WriteHeader,
	// patched by PutHeaderLength.
	hdrOffset int

	// Inbound token stream: unconsumed bytes carried across PDU
	// boundaries after a suspended handler.
	residue []byte

	// PRELOGIN responses arrive in reply packets but are not token
	// streams; the login context flips the session into prelogin mode
	// around the exchange.
	preloginMode bool
	preloginBuf  []byte
	prelogin     *Prelogin

	subHandler TokenHandler
	doneCb     func(DoneToken)
	infoCb     func(InfoToken)
	loginAckCb func(LoginAckToken)
	envCb      func(EnvChange)

	// Per-response flags, reset by ReceiveResponse.
	finalDone bool
	attnAck   bool
	serverErr *InfoToken
	lastErr   error
}

// NewSession creates a session over the given transport.
func NewSession(transport Transport, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	s := &Session{
		transport:  transport,
		logger:     logger,
		tdsVersion: VerTDS71Rev1,
	}
	transport.RegisterPDUCallback(s.onPDU)
	return s
}

// Connect establishes the transport connection.
func (s *Session) Connect(host string, port uint16) error {
	if err := s.transport.Connect(host, port); err != nil {
		s.state = StateDisconnected
		return err
	}
	s.state = StateConnected
	s.logger.Network().Info("connected", "host", host, "port", port)
	return nil
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.state
}

// IsAuthenticated reports whether login has completed.
func (s *Session) IsAuthenticated() bool {
	return s.state == StateAuthenticated
}

// TDSVersion returns the negotiated protocol version.
func (s *Session) TDSVersion() uint32 {
	return s.tdsVersion
}

// Database returns the current database, as reported by ENVCHANGE.
func (s *Session) Database() string {
	return s.database
}

// LastError returns the last terminal error recorded by the dispatcher.
func (s *Session) LastError() error {
	return s.lastErr
}

// ServerError returns the last ERROR token of the most recent response, or
// nil.
func (s *Session) ServerError() *InfoToken {
	return s.serverErr
}

// RegisterSubTokenHandler installs the handler for COLMETADATA/ROW/NBCROW.
func (s *Session) RegisterSubTokenHandler(h TokenHandler) {
	s.subHandler = h
}

// RegisterDoneCallback installs the DONE token callback.
func (s *Session) RegisterDoneCallback(cb func(DoneToken)) {
	s.doneCb = cb
}

// RegisterInfoCallback installs the INFO/ERROR token callback.
func (s *Session) RegisterInfoCallback(cb func(InfoToken)) {
	s.infoCb = cb
}

// RegisterLoginAckCallback installs the LOGINACK callback.
func (s *Session) RegisterLoginAckCallback(cb func(LoginAckToken)) {
	s.loginAckCb = cb
}

// RegisterEnvChangeCallback installs the ENVCHANGE callback.
func (s *Session) RegisterEnvChangeCallback(cb func(EnvChange)) {
	s.envCb = cb
}

// WriteHeader reserves an 8-byte TDS header at the current write offset and
// records the offset for PutHeaderLength.
func (s *Session) WriteHeader(t PacketType) {
	s.hdrOffset = s.transport.WriteOffset()
	hdr := Header{
		Type:     t,
		Status:   StatusNormal,
		Length:   0, // patched on PutHeaderLength
		SPID:     s.spid,
		PacketID: s.packetID,
	}
	b := hdr.Marshal()
	s.transport.Write(b[:])
}

// PutHeaderLength patches the big-endian length field of the header
// reserved by WriteHeader with payloadLen+8 and marks the PDU end-of-message.
func (s *Session) PutHeaderLength(payloadLen int) {
	var lenField [2]byte
	total := uint16(payloadLen + HeaderSize)
	lenField[0] = byte(total >> 8)
	lenField[1] = byte(total)
	s.transport.WriteAt(s.hdrOffset+2, lenField[:])
	s.transport.WriteAt(s.hdrOffset+1, []byte{byte(StatusEOM)})
}

// Send flushes the framed message to the transport.
func (s *Session) Send() error {
	if err := s.transport.Send(); err != nil {
		return err
	}
	s.packetID++
	return nil
}

// SendMessage frames payload as a single-PDU message of the given type and
// sends it.
func (s *Session) SendMessage(t PacketType, payload []byte) error {
	s.WriteHeader(t)
	if len(payload) > 0 {
		s.transport.Write(payload)
	}
	s.PutHeaderLength(len(payload))
	return s.Send()
}

// ReceiveResponse consumes PDUs from the transport until the response is
// terminated by a final DONE, then returns the dispatcher's terminal error,
// if any.
func (s *Session) ReceiveResponse() error {
	s.finalDone = false
	s.attnAck = false
	s.serverErr = nil
	s.residue = nil
	s.lastErr = nil

	for !s.finalDone {
		if err := s.transport.ReceivePDU(); err != nil {
			s.lastErr = err
			return err
		}
	}
	return s.lastErr
}

// SendAttention emits an ATTENTION message cancelling the in-flight batch,
// then drains the stream until the server acknowledges the cancellation.
func (s *Session) SendAttention() error {
	if err := s.SendMessage(PacketAttention, nil); err != nil {
		return err
	}
	s.logger.Protocol().Info("attention sent")

	for !s.attnAck {
		if err := s.transport.ReceivePDU(); err != nil {
			return err
		}
	}
	return nil
}

// onPDU is the transport's inbound callback: it merges the PDU payload with
// any residue left by a suspended handler and re-enters token dispatch.
func (s *Session) onPDU(pktType PacketType, status PacketStatus, payload []byte) error {
	if s.preloginMode {
		return s.onPreloginPDU(status, payload)
	}

	if pktType != PacketReply {
		return errors.Newf(errors.ErrCodeMalformedPDU,
			"unexpected packet type %s in response", pktType)
	}

	data := payload
	if len(s.residue) > 0 {
		data = append(s.residue, payload...)
		s.residue = nil
	}
	return s.dispatchTokens(data)
}

// onPreloginPDU accumulates a PRELOGIN response until end-of-message.
func (s *Session) onPreloginPDU(status PacketStatus, payload []byte) error {
	s.preloginBuf = append(s.preloginBuf, payload...)
	if status&StatusEOM == 0 {
		return nil
	}

	p, err := ParsePrelogin(s.preloginBuf)
	s.preloginBuf = nil
	if err != nil {
		return err
	}
	s.prelogin = p
	s.finalDone = true
	return nil
}

// dispatchTokens walks the reassembled token stream. On a handler shortage
// the unconsumed tail (from the start of the current token) is retained and
// dispatch resumes when the next PDU arrives.
func (s *Session) dispatchTokens(data []byte) error {
	r := NewReader(data)

	for r.Remaining() > 0 {
		start := r.Pos()
		tt := TokenType(r.Byte())

		switch tt {
		case TokenDone, TokenDoneProc, TokenDoneInProc:
			need := doneBodySize(s.tdsVersion)
			if !r.HasBytes(need) {
				s.suspend(data, start, need-r.Remaining())
				return nil
			}
			d := parseDone(r, s.tdsVersion)
			s.logger.Protocol().Debug("done token",
				"kind", tt.String(), "status", d.Status, "rows", d.RowCount)
			if s.doneCb != nil {
				s.doneCb(d)
			}
			if d.IsAttnAck() {
				s.attnAck = true
			}
			if tt != TokenDoneInProc && d.IsFinal() {
				s.finalDone = true
			}

		case TokenReturnStatus:
			if !r.HasBytes(4) {
				s.suspend(data, start, 4-r.Remaining())
				return nil
			}
			r.Advance(4)

		case TokenOrder, TokenSSPI:
			body, res := s.prefixedBody(r, data, start)
			if body == nil {
				return res
			}

		case TokenError, TokenInfo:
			body, res := s.prefixedBody(r, data, start)
			if body == nil {
				return res
			}
			tok := parseInfoError(NewReader(body), tt == TokenError)
			if tok.IsError {
				s.serverErr = &tok
				s.logger.Protocol().Warn("server error",
					"number", tok.Number, "class", tok.Class, "message", tok.Message)
			}
			if s.infoCb != nil {
				s.infoCb(tok)
			}

		case TokenLoginAck:
			body, res := s.prefixedBody(r, data, start)
			if body == nil {
				return res
			}
			ack := parseLoginAck(NewReader(body), len(body))
			s.tdsVersion = ack.TDSVersion
			s.state = StateAuthenticated
			s.logger.Audit().Info("login acknowledged",
				"server", ack.ProgName, "tds_version", VersionString(ack.TDSVersion))
			if s.loginAckCb != nil {
				s.loginAckCb(ack)
			}

		case TokenEnvChange:
			body, res := s.prefixedBody(r, data, start)
			if body == nil {
				return res
			}
			s.handleEnvChange(body)

		case TokenColMetadata, TokenRow, TokenNBCRow:
			if s.subHandler == nil {
				s.lastErr = errors.Newf(errors.ErrCodeUnknownToken,
					"no handler registered for token %s", tt)
				return s.lastErr
			}
			res := s.subHandler(tt, r)
			switch res.Status {
			case HandlerSuccess:
			case HandlerNotEnoughBytes:
				s.suspend(data, start, res.NeededBytes)
				return nil
			default:
				s.lastErr = handlerError(tt, res.Status)
				return s.lastErr
			}

		default:
			s.lastErr = errors.Newf(errors.ErrCodeUnknownToken,
				"unknown token type 0x%02X", uint8(tt))
			return s.lastErr
		}
	}

	s.residue = nil
	return nil
}

// prefixedBody reads a u16-length-prefixed token body. It returns (nil, nil)
// after arranging a suspension when the stream is short; dispatch must then
// stop and wait for the next PDU.
func (s *Session) prefixedBody(r *Reader, data []byte, start int) ([]byte, error) {
	if !r.HasBytes(2) {
		s.suspend(data, start, 2-r.Remaining())
		return nil, nil
	}
	length := int(r.Uint16())
	if !r.HasBytes(length) {
		s.suspend(data, start, length-r.Remaining())
		return nil, nil
	}
	return r.Bytes(length), nil
}

// suspend retains the unconsumed tail of the stream, starting at the token
// whose parse came up short.
func (s *Session) suspend(data []byte, start, needed int) {
	tail := data[start:]
	s.residue = make([]byte, len(tail))
	copy(s.residue, tail)
	s.logger.Protocol().Debug("token stream suspended",
		"residue", len(s.residue), "needed", needed)
}

// handleEnvChange decodes the records of an ENVCHANGE body and absorbs the
// ones the driver reacts to.
func (s *Session) handleEnvChange(body []byte) {
	r := NewReader(body)
	for r.Remaining() > 0 {
		envType := r.Byte()
		switch envType {
		case EnvDatabase, EnvLanguage, EnvCharset, EnvPacketSize:
			newVal := readBVarChar(r)
			oldVal := readBVarChar(r)
			ec := EnvChange{Type: envType, NewValue: newVal, OldValue: oldVal}

			switch envType {
			case EnvDatabase:
				s.database = newVal
				s.logger.Protocol().Debug("database changed", "database", newVal)
			case EnvPacketSize:
				if n, err := strconv.Atoi(newVal); err == nil && n > 0 && n <= MaxPacketSize {
					ec.NewPacketSize = uint16(n)
					s.transport.SetPacketSize(uint16(n))
					s.logger.Protocol().Debug("packet size changed", "size", n)
				}
			}
			if s.envCb != nil {
				s.envCb(ec)
			}

		case EnvSQLCollation, EnvBeginTran, EnvCommitTran, EnvRollbackTran,
			EnvSortID, EnvSortFlags:
			newVal := readBVarByte(r)
			readBVarByte(r)
			if s.envCb != nil {
				s.envCb(EnvChange{Type: envType, NewValue: string(newVal)})
			}

		default:
			// Unknown record layouts cannot be skipped reliably; the
			// enclosing body length already bounded the damage.
			return
		}
	}
}

// readBVarChar reads a 1-byte character count followed by a UCS-2 string.
func readBVarChar(r *Reader) string {
	n := int(r.Byte())
	return DecodeUCS2(r.Bytes(n * 2))
}

// readBVarByte reads a 1-byte length followed by raw bytes.
func readBVarByte(r *Reader) []byte {
	n := int(r.Byte())
	return r.Bytes(n)
}

// handlerError maps a terminal handler status onto a coded error.
func handlerError(t TokenType, st HandlerStatus) error {
	switch st {
	case HandlerNotEnoughMemory:
		return errors.Newf(errors.ErrCodeQueryFailed,
			"allocation failed while parsing %s token", t)
	case HandlerInvalidFieldLength:
		return errors.Newf(errors.ErrCodeInvalidFieldLength,
			"invalid field length in %s token", t)
	case HandlerMissingColMetadata:
		return errors.New(errors.ErrCodeMissingColMetadata,
			"row token without prior column metadata")
	case HandlerUnknownSizeType:
		return errors.Newf(errors.ErrCodeUnknownSizeType,
			"unknown column size type in %s token", t)
	default:
		return errors.Newf(errors.ErrCodeInternal,
			"token handler for %s failed with status %s", t, st)
	}
}
