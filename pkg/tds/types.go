package tds

import "fmt"

// SQLType is a TDS data type code as it appears in COLMETADATA TYPE_INFO.
type SQLType uint8

const (
	TypeNull      SQLType = 0x1F // 31
	TypeInt1      SQLType = 0x30 // 48  - tinyint
	TypeBit       SQLType = 0x32 // 50
	TypeInt2      SQLType = 0x34 // 52  - smallint
	TypeInt4      SQLType = 0x38 // 56  - int
	TypeDateTime4 SQLType = 0x3A // 58  - smalldatetime
	TypeFloat4    SQLType = 0x3B // 59  - real
	TypeMoney     SQLType = 0x3C // 60
	TypeDateTime  SQLType = 0x3D // 61
	TypeFloat8    SQLType = 0x3E // 62  - float
	TypeMoney4    SQLType = 0x7A // 122 - smallmoney
	TypeInt8      SQLType = 0x7F // 127 - bigint

	// Nullable variable-length scalar types
	TypeGUID      SQLType = 0x24 // 36  - uniqueidentifier
	TypeIntN      SQLType = 0x26 // 38
	TypeBitN      SQLType = 0x68 // 104
	TypeDecimalN  SQLType = 0x6A // 106
	TypeNumericN  SQLType = 0x6C // 108
	TypeFloatN    SQLType = 0x6D // 109
	TypeMoneyN    SQLType = 0x6E // 110
	TypeDateTimeN SQLType = 0x6F // 111

	// Legacy string/binary types with 1-byte length
	TypeChar      SQLType = 0x2F // 47
	TypeVarChar   SQLType = 0x27 // 39
	TypeBinary    SQLType = 0x2D // 45
	TypeVarBinary SQLType = 0x25 // 37

	// Large types with 2-byte length
	TypeBigVarBin  SQLType = 0xA5 // 165
	TypeBigVarChar SQLType = 0xA7 // 167
	TypeBigBinary  SQLType = 0xAD // 173
	TypeBigChar    SQLType = 0xAF // 175
	TypeNVarChar   SQLType = 0xE7 // 231
	TypeNChar      SQLType = 0xEF // 239

	// LOB types with 4-byte length
	TypeText  SQLType = 0x23 // 35
	TypeImage SQLType = 0x22 // 34
	TypeNText SQLType = 0x63 // 99
)

func (t SQLType) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeInt1:
		return "TINYINT"
	case TypeBit:
		return "BIT"
	case TypeInt2:
		return "SMALLINT"
	case TypeInt4:
		return "INT"
	case TypeInt8:
		return "BIGINT"
	case TypeFloat4:
		return "REAL"
	case TypeFloat8:
		return "FLOAT"
	case TypeDateTime:
		return "DATETIME"
	case TypeDateTime4:
		return "SMALLDATETIME"
	case TypeMoney:
		return "MONEY"
	case TypeMoney4:
		return "SMALLMONEY"
	case TypeGUID:
		return "UNIQUEIDENTIFIER"
	case TypeIntN:
		return "INTN"
	case TypeBitN:
		return "BITN"
	case TypeFloatN:
		return "FLTN"
	case TypeMoneyN:
		return "MONEYN"
	case TypeDateTimeN:
		return "DATETIMN"
	case TypeDecimalN:
		return "DECIMALN"
	case TypeNumericN:
		return "NUMERICN"
	case TypeChar:
		return "CHAR"
	case TypeVarChar:
		return "VARCHAR"
	case TypeBinary:
		return "BINARY"
	case TypeVarBinary:
		return "VARBINARY"
	case TypeBigVarBin:
		return "BIGVARBINARY"
	case TypeBigVarChar:
		return "BIGVARCHAR"
	case TypeBigBinary:
		return "BIGBINARY"
	case TypeBigChar:
		return "BIGCHAR"
	case TypeNVarChar:
		return "NVARCHAR"
	case TypeNChar:
		return "NCHAR"
	case TypeText:
		return "TEXT"
	case TypeNText:
		return "NTEXT"
	case TypeImage:
		return "IMAGE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// SizeType classifies how a data type's length is encoded on the wire.
type SizeType uint8

const (
	SizeUnknown SizeType = iota
	SizeFixed            // length implied by the type
	SizeVarU8            // 1-byte length prefix
	SizeVarU16           // 2-byte length prefix
	SizeVarU32           // 4-byte length prefix
	SizeVarPrec          // 1-byte length plus precision and scale
)

func (s SizeType) String() string {
	switch s {
	case SizeFixed:
		return "fixed"
	case SizeVarU8:
		return "var_u8"
	case SizeVarU16:
		return "var_u16"
	case SizeVarU32:
		return "var_u32"
	case SizeVarPrec:
		return "var_precision"
	default:
		return "unknown"
	}
}

// TypeProps are the static properties of a TDS data type: how its length is
// encoded, how NULL is represented, whether TYPE_INFO carries collation, and
// the fixed width for fixed types.
type TypeProps struct {
	Size         SizeType
	FixedLen     uint8 // valid when Size == SizeFixed
	MaxVarLen    uint32
	HasCollation bool
	ZeroNull     bool // zero length denotes NULL
	MaxlenNull   bool // all-ones length sentinel denotes NULL
}

// typeProps is the static type-properties table, keyed by TDS type code.
var typeProps = map[SQLType]TypeProps{
	TypeBit:       {Size: SizeFixed, FixedLen: 1},
	TypeInt1:      {Size: SizeFixed, FixedLen: 1},
	TypeInt2:      {Size: SizeFixed, FixedLen: 2},
	TypeInt4:      {Size: SizeFixed, FixedLen: 4},
	TypeInt8:      {Size: SizeFixed, FixedLen: 8},
	TypeFloat4:    {Size: SizeFixed, FixedLen: 4},
	TypeFloat8:    {Size: SizeFixed, FixedLen: 8},
	TypeMoney:     {Size: SizeFixed, FixedLen: 8},
	TypeMoney4:    {Size: SizeFixed, FixedLen: 4},
	TypeDateTime:  {Size: SizeFixed, FixedLen: 8},
	TypeDateTime4: {Size: SizeFixed, FixedLen: 4},

	TypeGUID:      {Size: SizeVarU8, MaxVarLen: 16, ZeroNull: true},
	TypeIntN:      {Size: SizeVarU8, MaxVarLen: 8, ZeroNull: true},
	TypeBitN:      {Size: SizeVarU8, MaxVarLen: 1, ZeroNull: true},
	TypeFloatN:    {Size: SizeVarU8, MaxVarLen: 8, ZeroNull: true},
	TypeMoneyN:    {Size: SizeVarU8, MaxVarLen: 8, ZeroNull: true},
	TypeDateTimeN: {Size: SizeVarU8, MaxVarLen: 8, ZeroNull: true},
	TypeDecimalN:  {Size: SizeVarPrec, MaxVarLen: 17, ZeroNull: true},
	TypeNumericN:  {Size: SizeVarPrec, MaxVarLen: 17, ZeroNull: true},

	TypeChar:      {Size: SizeVarU8, MaxVarLen: 255, ZeroNull: true},
	TypeVarChar:   {Size: SizeVarU8, MaxVarLen: 255, ZeroNull: true},
	TypeBinary:    {Size: SizeVarU8, MaxVarLen: 255, ZeroNull: true},
	TypeVarBinary: {Size: SizeVarU8, MaxVarLen: 255, ZeroNull: true},

	TypeBigVarBin:  {Size: SizeVarU16, MaxVarLen: 8000, MaxlenNull: true},
	TypeBigVarChar: {Size: SizeVarU16, MaxVarLen: 8000, HasCollation: true, MaxlenNull: true},
	TypeBigBinary:  {Size: SizeVarU16, MaxVarLen: 8000, MaxlenNull: true},
	TypeBigChar:    {Size: SizeVarU16, MaxVarLen: 8000, HasCollation: true, MaxlenNull: true},
	TypeNVarChar:   {Size: SizeVarU16, MaxVarLen: 8000, HasCollation: true, MaxlenNull: true},
	TypeNChar:      {Size: SizeVarU16, MaxVarLen: 8000, HasCollation: true, MaxlenNull: true},

	TypeText:  {Size: SizeVarU32, MaxVarLen: 0x7FFFFFFF, HasCollation: true, MaxlenNull: true},
	TypeNText: {Size: SizeVarU32, MaxVarLen: 0x7FFFFFFF, HasCollation: true, MaxlenNull: true},
	TypeImage: {Size: SizeVarU32, MaxVarLen: 0x7FFFFFFF, MaxlenNull: true},
}

// GetTypeProps looks up the static properties for a type code. The second
// return value is false for type codes this driver does not recognise.
func GetTypeProps(t SQLType) (TypeProps, bool) {
	p, ok := typeProps[t]
	return p, ok
}

// IsVariableSize reports whether the type carries an explicit length on the
// wire.
func (p TypeProps) IsVariableSize() bool {
	return p.Size != SizeFixed
}

// MetadataSize returns the number of TYPE_INFO bytes that follow the type
// code in COLMETADATA, excluding collation and the column name.
func (p TypeProps) MetadataSize() int {
	switch p.Size {
	case SizeVarU8:
		return 1
	case SizeVarU16:
		return 2
	case SizeVarU32:
		return 4
	case SizeVarPrec:
		return 3 // length, precision, scale
	default:
		return 0
	}
}

// validFieldLength reports whether a row field length conforms to the
// column type's permitted range. The NULL sentinels are checked before this
// is consulted.
func validFieldLength(t SQLType, p TypeProps, length uint32) bool {
	if !p.IsVariableSize() {
		return true
	}
	if length > p.MaxVarLen {
		return false
	}
	// The nullable scalar wrappers admit only a handful of widths.
	switch t {
	case TypeBitN:
		return length == 0 || length == 1
	case TypeIntN:
		return length == 0 || length == 1 || length == 2 || length == 4 || length == 8
	case TypeFloatN, TypeMoneyN, TypeDateTimeN:
		return length == 0 || length == 4 || length == 8
	case TypeGUID:
		return length == 0 || length == 16
	}
	return true
}
