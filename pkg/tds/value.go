package tds

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"

	"github.com/ha1tch/minitds/pkg/errors"
)

// Typed decoding of raw row fields. The row callback receives borrowed byte
// spans; these helpers turn a span plus its column metadata into Go values.
// Decoding is opt-in: callers that only need the raw bytes never pay for it.

// datetimeBase is day zero of the DATETIME encoding.
var datetimeBase = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// DecodeInt decodes the integer family (TINYINT through BIGINT, BIT, and
// their nullable wrappers) into an int64.
func DecodeInt(col ColumnInfo, f RowField) (int64, error) {
	if f.IsNull() {
		return 0, errors.New(errors.ErrCodeInvalidFieldLength, "NULL field")
	}
	b := f.Bytes()
	switch len(b) {
	case 1:
		return int64(b[0]), nil
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	case 8:
		return int64(binary.LittleEndian.Uint64(b)), nil
	default:
		return 0, errors.Newf(errors.ErrCodeInvalidFieldLength,
			"integer field of %d bytes for %s", len(b), col.Type)
	}
}

// DecodeBool decodes BIT/BITN.
func DecodeBool(col ColumnInfo, f RowField) (bool, error) {
	v, err := DecodeInt(col, f)
	return v != 0, err
}

// DecodeFloat decodes REAL, FLOAT, and FLTN into a float64.
func DecodeFloat(col ColumnInfo, f RowField) (float64, error) {
	if f.IsNull() {
		return 0, errors.New(errors.ErrCodeInvalidFieldLength, "NULL field")
	}
	b := f.Bytes()
	switch len(b) {
	case 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	default:
		return 0, errors.Newf(errors.ErrCodeInvalidFieldLength,
			"float field of %d bytes for %s", len(b), col.Type)
	}
}

// DecodeString decodes character fields. The wide types (NCHAR, NVARCHAR,
// NTEXT) are UCS-2 LE; the narrow ones are treated as single-byte text.
func DecodeString(col ColumnInfo, f RowField) (string, error) {
	if f.IsNull() {
		return "", nil
	}
	switch col.Type {
	case TypeNChar, TypeNVarChar, TypeNText:
		return DecodeUCS2(f.Bytes()), nil
	default:
		return string(f.Bytes()), nil
	}
}

// DecodeDecimal decodes DECIMALN/NUMERICN: a sign byte (1 = positive)
// followed by a little-endian magnitude, scaled by the column's scale.
func DecodeDecimal(col ColumnInfo, f RowField) (decimal.Decimal, error) {
	if f.IsNull() {
		return decimal.Decimal{}, errors.New(errors.ErrCodeInvalidFieldLength, "NULL field")
	}
	b := f.Bytes()
	if len(b) < 2 {
		return decimal.Decimal{}, errors.Newf(errors.ErrCodeInvalidFieldLength,
			"decimal field of %d bytes", len(b))
	}

	positive := b[0] == 1
	mag := b[1:]

	// Magnitude is little-endian; big.Int wants big-endian.
	be := make([]byte, len(mag))
	for i, c := range mag {
		be[len(mag)-1-i] = c
	}
	n := new(big.Int).SetBytes(be)
	if !positive {
		n.Neg(n)
	}

	return decimal.NewFromBigInt(n, -int32(col.Scale)), nil
}

// DecodeMoney decodes MONEY/SMALLMONEY/MONEYN into a decimal with four
// fractional digits.
func DecodeMoney(col ColumnInfo, f RowField) (decimal.Decimal, error) {
	if f.IsNull() {
		return decimal.Decimal{}, errors.New(errors.ErrCodeInvalidFieldLength, "NULL field")
	}
	b := f.Bytes()
	switch len(b) {
	case 4:
		return decimal.New(int64(int32(binary.LittleEndian.Uint32(b))), -4), nil
	case 8:
		// MONEY stores the high half first.
		hi := int64(int32(binary.LittleEndian.Uint32(b[0:4])))
		lo := int64(binary.LittleEndian.Uint32(b[4:8]))
		return decimal.New(hi<<32|lo, -4), nil
	default:
		return decimal.Decimal{}, errors.Newf(errors.ErrCodeInvalidFieldLength,
			"money field of %d bytes", len(b))
	}
}

// DecodeDateTime decodes DATETIME/SMALLDATETIME/DATETIMN into a civil
// date-time (no zone; the server does not transmit one).
func DecodeDateTime(col ColumnInfo, f RowField) (civil.DateTime, error) {
	if f.IsNull() {
		return civil.DateTime{}, errors.New(errors.ErrCodeInvalidFieldLength, "NULL field")
	}
	b := f.Bytes()

	var t time.Time
	switch len(b) {
	case 4:
		// SMALLDATETIME: days since 1900-01-01 and minutes since midnight.
		days := int(binary.LittleEndian.Uint16(b[0:2]))
		mins := int(binary.LittleEndian.Uint16(b[2:4]))
		t = datetimeBase.AddDate(0, 0, days).Add(time.Duration(mins) * time.Minute)
	case 8:
		// DATETIME: signed days since 1900-01-01 and 1/300-second ticks.
		days := int(int32(binary.LittleEndian.Uint32(b[0:4])))
		ticks := int64(binary.LittleEndian.Uint32(b[4:8]))
		ns := ticks * (int64(time.Second) / 300)
		t = datetimeBase.AddDate(0, 0, days).Add(time.Duration(ns))
	default:
		return civil.DateTime{}, errors.Newf(errors.ErrCodeInvalidFieldLength,
			"datetime field of %d bytes", len(b))
	}
	return civil.DateTimeOf(t), nil
}

// DecodeGUID decodes a UNIQUEIDENTIFIER into its canonical textual form.
// The first three groups are stored little-endian.
func DecodeGUID(col ColumnInfo, f RowField) (string, error) {
	if f.IsNull() {
		return "", nil
	}
	b := f.Bytes()
	if len(b) != 16 {
		return "", errors.Newf(errors.ErrCodeInvalidFieldLength,
			"guid field of %d bytes", len(b))
	}
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint16(b[4:6]),
		binary.LittleEndian.Uint16(b[6:8]),
		b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15]), nil
}

// FormatField renders a field as display text using the column's type.
// NULL fields render as "NULL"; unrecognised types fall back to a hex dump.
func FormatField(col ColumnInfo, f RowField) string {
	if f.IsNull() {
		return "NULL"
	}

	switch col.Type {
	case TypeBit, TypeBitN:
		v, err := DecodeBool(col, f)
		if err == nil {
			if v {
				return "1"
			}
			return "0"
		}
	case TypeInt1, TypeInt2, TypeInt4, TypeInt8, TypeIntN:
		if v, err := DecodeInt(col, f); err == nil {
			return fmt.Sprintf("%d", v)
		}
	case TypeFloat4, TypeFloat8, TypeFloatN:
		if v, err := DecodeFloat(col, f); err == nil {
			return fmt.Sprintf("%g", v)
		}
	case TypeDecimalN, TypeNumericN:
		if v, err := DecodeDecimal(col, f); err == nil {
			return v.String()
		}
	case TypeMoney, TypeMoney4, TypeMoneyN:
		if v, err := DecodeMoney(col, f); err == nil {
			return v.String()
		}
	case TypeDateTime, TypeDateTime4, TypeDateTimeN:
		if v, err := DecodeDateTime(col, f); err == nil {
			return v.String()
		}
	case TypeGUID:
		if v, err := DecodeGUID(col, f); err == nil {
			return v
		}
	case TypeChar, TypeVarChar, TypeBigChar, TypeBigVarChar, TypeText,
		TypeNChar, TypeNVarChar, TypeNText:
		if v, err := DecodeString(col, f); err == nil {
			return v
		}
	}
	return fmt.Sprintf("0x%X", f.Bytes())
}
