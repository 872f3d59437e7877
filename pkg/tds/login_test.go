package tds

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

// mustHex decodes a whitespace-separated hex dump into bytes.
func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		t.Fatalf("bad hex fixture: %v", err)
	}
	return b
}

func TestEncodePassword(t *testing.T) {
	got := EncodePassword(EncodeUCS2("JaxView"))
	want := []byte{
		0x01, 0xa5, 0xb3, 0xa5, 0x22, 0xa5, 0xc0, 0xa5,
		0x33, 0xa5, 0xf3, 0xa5, 0xd2, 0xa5,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodePassword(JaxView) = % x, want % x", got, want)
	}
}

func TestEncodePasswordInvolution(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x00},
		{0xFF, 0x00, 0xA5, 0x5A},
		EncodeUCS2("2022-tds-lite-test!"),
	}
	for _, in := range inputs {
		if got := EncodePassword(EncodePassword(in)); !bytes.Equal(got, in) {
			t.Errorf("encode(encode(% x)) = % x, want original", in, got)
		}
	}
}

// The JaxView fixture is a jTDS-style login record captured from the wire.
func TestEncodeLogin7_JaxView(t *testing.T) {
	params := LoginParameters{
		ServerName:           "192.168.2.38",
		DbName:               "JaxView",
		UserName:             "JaxView",
		Password:             "JaxView",
		ClientName:           "AL-DELL-02",
		AppName:              "jTDS",
		LibraryName:          "jTDS",
		ClientPID:            123,
		ClientProgramVersion: 7,
		PacketSize:           0,
	}

	want := mustHex(t, `
		bc 00 00 00 01 00 00 71 00 00 00 00 07 00 00
		00 7b 00 00 00 00 00 00 00 e0 03 00 00 00 00
		00 00 00 00 00 00 56 00 0a 00 6a 00 07 00 78
		00 07 00 86 00 04 00 8e 00 0c 00 00 00 00 00
		a6 00 04 00 ae 00 00 00 ae 00 07 00 00 00 00
		00 00 00 00 00 00 00 bc 00 00 00 41 00 4c 00
		2d 00 44 00 45 00 4c 00 4c 00 2d 00 30 00 32
		00 4a 00 61 00 78 00 56 00 69 00 65 00 77 00
		01 a5 b3 a5 22 a5 c0 a5 33 a5 f3 a5 d2 a5 6a
		00 54 00 44 00 53 00 31 00 39 00 32 00 2e 00
		31 00 36 00 38 00 2e 00 32 00 2e 00 33 00 38
		00 6a 00 54 00 44 00 53 00 4a 00 61 00 78 00
		56 00 69 00 65 00 77 00`)

	got := EncodeLogin7(params)
	if len(got) != len(want) {
		t.Fatalf("LOGIN7 length = %d, want %d", len(got), len(want))
	}
	if !bytes.Equal(got, want) {
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("LOGIN7 differs at byte %d: got 0x%02X, want 0x%02X", i, got[i], want[i])
			}
		}
	}
}

// The MDAC fixture is an ODBC-style login record with a client id and a
// non-default collation.
func TestEncodeLogin7_MDAC(t *testing.T) {
	params := LoginParameters{
		ServerName:           "217.77.3.25",
		UserName:             "testuser",
		Password:             "host",
		ClientName:           "LIV-VXP-007",
		AppName:              "Microsoft Data Access Components",
		LibraryName:          "ODBC",
		ClientPID:            1712,
		ClientProgramVersion: 0x07000000,
		PacketSize:           0,
		Collation:            LangGBEnglish,
		ClientID:             [6]byte{0x00, 0x0c, 0x29, 0x4c, 0x84, 0x92},
	}

	want := mustHex(t, `
		e2 00 00 00 01 00 00 71 00 00 00 00 00 00 00
		07 b0 06 00 00 00 00 00 00 e0 03 00 00 00 00
		00 00 09 08 00 00 56 00 0b 00 6c 00 08 00 7c
		00 04 00 84 00 20 00 c4 00 0b 00 00 00 00 00
		da 00 04 00 e2 00 00 00 e2 00 00 00 00 0c 29
		4c 84 92 00 00 00 00 e2 00 00 00 4c 00 49 00
		56 00 2d 00 56 00 58 00 50 00 2d 00 30 00 30
		00 37 00 74 00 65 00 73 00 74 00 75 00 73 00
		65 00 72 00 23 a5 53 a5 92 a5 e2 a5 4d 00 69
		00 63 00 72 00 6f 00 73 00 6f 00 66 00 74 00
		20 00 44 00 61 00 74 00 61 00 20 00 41 00 63
		00 63 00 65 00 73 00 73 00 20 00 43 00 6f 00
		6d 00 70 00 6f 00 6e 00 65 00 6e 00 74 00 73
		00 32 00 31 00 37 00 2e 00 37 00 37 00 2e 00
		33 00 2e 00 32 00 35 00 4f 00 44 00 42 00 43
		00`)

	got := EncodeLogin7(params)
	if len(got) != len(want) {
		t.Fatalf("LOGIN7 length = %d, want %d", len(got), len(want))
	}
	if !bytes.Equal(got, want) {
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("LOGIN7 differs at byte %d: got 0x%02X, want 0x%02X", i, got[i], want[i])
			}
		}
	}
}

func TestDoLoginSuccess(t *testing.T) {
	m := newMockTransport()
	sess := NewSession(m, testLogger())

	// PRELOGIN response, then a login response: database change,
	// LOGINACK, packet-size change, final DONE.
	m.queue(PacketReply, StatusEOM, EncodePrelogin(&Prelogin{Encryption: EncryptNotSup}))

	tokens := newStream().
		envChangeString(EnvDatabase, "master", "").
		loginAck("Microsoft SQL Server", VerTDS71Rev1).
		envChangeString(EnvPacketSize, "8192", "4096").
		done(TokenDone, DoneFinal, 0).
		bytes()
	m.queueReply(tokens)

	lc := NewLoginContext(sess)
	status, err := lc.DoLogin(LoginParameters{
		ServerName: "localhost",
		UserName:   "sa",
		Password:   "test",
	})
	if err != nil {
		t.Fatalf("DoLogin: %v", err)
	}
	if status != LoginSuccess {
		t.Fatalf("status = %s, want success", status)
	}
	if !sess.IsAuthenticated() {
		t.Error("session should be authenticated")
	}
	if sess.Database() != "master" {
		t.Errorf("database = %q, want master", sess.Database())
	}
	if m.packetSize != 8192 {
		t.Errorf("packet size = %d, want 8192 after ENVCHANGE", m.packetSize)
	}

	// Two messages out: PRELOGIN then LOGIN7.
	if len(m.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(m.sent))
	}
	if PacketType(m.sent[0][0]) != PacketPrelogin {
		t.Errorf("first message type = %v, want PRELOGIN", m.sent[0][0])
	}
	if PacketType(m.sent[1][0]) != PacketLogin7 {
		t.Errorf("second message type = %v, want LOGIN7", m.sent[1][0])
	}
}

func TestDoLoginServerError(t *testing.T) {
	m := newMockTransport()
	sess := NewSession(m, testLogger())

	m.queue(PacketReply, StatusEOM, EncodePrelogin(&Prelogin{Encryption: EncryptNotSup}))

	tokens := newStream().
		infoError(TokenError, 18456, 14, "Login failed for user 'sa'.").
		done(TokenDone, DoneError, 0).
		bytes()
	m.queueReply(tokens)

	var sawError bool
	sess.RegisterInfoCallback(func(tok InfoToken) {
		if tok.IsError && tok.Number == 18456 {
			sawError = true
		}
	})

	status, err := NewLoginContext(sess).DoLogin(LoginParameters{
		ServerName: "localhost",
		UserName:   "sa",
		Password:   "wrong",
	})
	if status != LoginFailureServerError {
		t.Fatalf("status = %s, want failure_server_error", status)
	}
	if err == nil {
		t.Fatal("expected error for rejected login")
	}
	if !sawError {
		t.Error("info callback did not observe the ERROR token")
	}
	if sess.IsAuthenticated() {
		t.Error("session must not be authenticated after a rejected login")
	}
}
