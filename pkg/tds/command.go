package tds

import (
	"github.com/ha1tch/minitds/pkg/errors"
	"github.com/ha1tch/minitds/pkg/log"
)

// maxColumnNameChars bounds a column name to what the protocol allows.
const maxColumnNameChars = 128

// noMetadataColumnCount is the COLMETADATA column count signalling that no
// metadata follows (sent for batches whose result set was already described).
const noMetadataColumnCount = 0xFFFF

// ColumnInfo is one column's metadata from a COLMETADATA token.
type ColumnInfo struct {
	UserType  uint16
	Flags     uint16
	Type      SQLType
	Length    uint32 // declared maximum for variable types
	Precision uint8
	Scale     uint8
	Collation [5]byte
	Name      string // populated only when ReadColumnNames(true)
}

// Nullable reports whether the column admits NULL.
func (c ColumnInfo) Nullable() bool {
	return c.Flags&0x0001 != 0
}

// ColMetadata is the column array for the current result set. It is
// replaced by each COLMETADATA token and stays valid until the next one or
// the end of the response.
type ColMetadata struct {
	ColumnCount uint16
	Columns     []ColumnInfo
}

// IsValid reports whether a column set has been received.
func (m *ColMetadata) IsValid() bool {
	return m.Columns != nil
}

func (m *ColMetadata) reset() {
	m.ColumnCount = 0
	m.Columns = nil
}

// RowField is one column value in one row: either NULL or a byte span whose
// length conforms to the column type's length rule. The bytes are borrowed
// from the receive buffer and remain valid only for the duration of the row
// callback.
type RowField struct {
	null bool
	data []byte
}

// IsNull reports whether the field is NULL.
func (f RowField) IsNull() bool {
	return f.null
}

// Bytes returns the raw field bytes. NULL fields carry no bytes.
func (f RowField) Bytes() []byte {
	return f.data
}

// Row is an ordered sequence of fields, one per column of the current
// metadata.
type Row []RowField

// RowCallback receives each decoded row while a query response is being
// consumed. The metadata and row are borrowed: they must not be retained
// beyond the callback's return.
type RowCallback func(colmd *ColMetadata, row Row)

// queryState is the per-query transient state, reset at the start of each
// ExecuteQuery.
type queryState struct {
	colmd        ColMetadata
	affectedRows uint64
	rowCallback  RowCallback
	receivedDone bool
}

func (q *queryState) reset() {
	q.colmd.reset()
	q.affectedRows = 0
	q.rowCallback = nil
	q.receivedDone = false
}

// CommandContext executes SQL batches over a session and surfaces streamed
// result sets. Constructing it registers the COLMETADATA/ROW handlers on
// the session; the context must outlive the session's use of them.
type CommandContext struct {
	sess   *Session
	logger *log.Logger

	readColNames bool
	qstate       queryState
}

// NewCommandContext creates a command context bound to the session.
func NewCommandContext(sess *Session) *CommandContext {
	cc := &CommandContext{sess: sess, logger: sess.logger}

	sess.RegisterSubTokenHandler(cc.handleToken)
	sess.RegisterDoneCallback(func(d DoneToken) {
		cc.qstate.affectedRows = d.RowCount
		if d.IsFinal() {
			cc.qstate.receivedDone = true
		}
	})
	return cc
}

// ReadColumnNames controls whether column names are decoded and stored on
// the metadata. Off by default; names cost one allocation per column.
func (cc *CommandContext) ReadColumnNames(on bool) {
	cc.readColNames = on
}

// ColumnMetadata returns the current result set's column metadata.
func (cc *CommandContext) ColumnMetadata() *ColMetadata {
	return &cc.qstate.colmd
}

// ExecuteQuery sends a SQL batch and consumes the response, dispatching
// each row to cb (which may be nil). It returns the rows-affected value
// from the terminal DONE token of the last statement in the batch.
func (cc *CommandContext) ExecuteQuery(sql string, cb RowCallback) (uint64, error) {
	cc.qstate.reset()
	cc.qstate.rowCallback = cb

	payload := EncodeUCS2(sql)

	cc.sess.WriteHeader(PacketSQLBatch)
	cc.sess.transport.Write(payload)
	cc.sess.PutHeaderLength(len(payload))
	if err := cc.sess.Send(); err != nil {
		return 0, err
	}

	cc.logger.Query().Debug("batch sent", "bytes", len(payload))

	if err := cc.sess.ReceiveResponse(); err != nil {
		return 0, err
	}

	if se := cc.sess.ServerError(); se != nil {
		return cc.qstate.affectedRows,
			errors.Newf(errors.ErrCodeServerError, "%s (%d)", se.Message, se.Number)
	}
	if !cc.qstate.receivedDone {
		return 0, errors.New(errors.ErrCodeQueryFailed, "response ended without a final DONE")
	}

	cc.logger.Query().Debug("batch complete", "rows_affected", cc.qstate.affectedRows)
	return cc.qstate.affectedRows, nil
}

// handleToken is the session sub-handler for result-set tokens.
func (cc *CommandContext) handleToken(t TokenType, r *Reader) HandlerResult {
	switch t {
	case TokenColMetadata:
		return cc.handleColMetadata(r)
	case TokenRow:
		return cc.handleRow(r, nil)
	case TokenNBCRow:
		return cc.handleNBCRow(r)
	default:
		return HandlerResult{Status: HandlerUnhandled}
	}
}

// handleColMetadata parses a COLMETADATA token body. A shortage at any
// point reports the deficit so the session can fetch another PDU; the
// handler then re-runs from the token start, so no partial state is kept.
func (cc *CommandContext) handleColMetadata(r *Reader) HandlerResult {
	if !r.HasBytes(2) {
		return needMore(2 - r.Remaining())
	}

	columnCount := r.Uint16()
	if columnCount == noMetadataColumnCount {
		// No metadata for this result set; treat as zero columns.
		cc.qstate.colmd = ColMetadata{Columns: []ColumnInfo{}}
		return handlerOK()
	}

	columns := make([]ColumnInfo, 0, columnCount)

	for colIndex := 0; colIndex < int(columnCount); colIndex++ {
		// user_type + flags + type + colname length byte is the absolute
		// minimum per column, regardless of data type.
		if !r.HasBytes(6) {
			return needMore(6 - r.Remaining())
		}

		var col ColumnInfo
		col.UserType = r.Uint16()
		col.Flags = r.Uint16()
		col.Type = SQLType(r.Byte())

		props, ok := GetTypeProps(col.Type)
		if !ok {
			cc.logger.Protocol().Warn("unknown column type",
				"type", uint8(col.Type), "column", colIndex)
			return HandlerResult{Status: HandlerUnknownSizeType}
		}

		if !r.HasBytes(props.MetadataSize()) {
			return needMore(props.MetadataSize() - r.Remaining())
		}

		switch props.Size {
		case SizeFixed:
			col.Length = uint32(props.FixedLen)
		case SizeVarU8:
			col.Length = uint32(r.Byte())
		case SizeVarU16:
			col.Length = uint32(r.Uint16())
		case SizeVarU32:
			col.Length = r.Uint32()
		case SizeVarPrec:
			col.Length = uint32(r.Byte())
			col.Precision = r.Byte()
			col.Scale = r.Byte()
		default:
			return HandlerResult{Status: HandlerUnknownSizeType}
		}

		if props.HasCollation {
			if !r.HasBytes(len(col.Collation)) {
				return needMore(len(col.Collation) - r.Remaining())
			}
			copy(col.Collation[:], r.Bytes(len(col.Collation)))
		}

		if !r.HasBytes(1) {
			return needMore(1)
		}
		nameChars := int(r.Byte())
		if nameChars > maxColumnNameChars {
			return HandlerResult{Status: HandlerInvalidFieldLength}
		}
		if !r.HasBytes(nameChars * 2) {
			return needMore(nameChars*2 - r.Remaining())
		}
		nameBytes := r.Bytes(nameChars * 2)
		if cc.readColNames {
			col.Name = DecodeUCS2(nameBytes)
		}

		columns = append(columns, col)
	}

	cc.qstate.colmd = ColMetadata{
		ColumnCount: columnCount,
		Columns:     columns,
	}
	cc.logger.Query().Debug("column metadata", "columns", columnCount)
	return handlerOK()
}

// handleRow parses a ROW token body against the current column metadata.
// For NBCROW, nullBitmap marks the columns encoded as NULL with no field
// data at all.
func (cc *CommandContext) handleRow(r *Reader, nullBitmap []byte) HandlerResult {
	colmd := &cc.qstate.colmd
	if !colmd.IsValid() {
		return HandlerResult{Status: HandlerMissingColMetadata}
	}

	row := make(Row, len(colmd.Columns))

	for i := range colmd.Columns {
		col := &colmd.Columns[i]

		if nullBitmap != nil && nullBitmap[i/8]&(1<<(uint(i)%8)) != 0 {
			row[i] = RowField{null: true}
			continue
		}

		props, ok := GetTypeProps(col.Type)
		if !ok {
			return HandlerResult{Status: HandlerUnknownSizeType}
		}

		var fieldLen uint32
		isNull := false

		switch props.Size {
		case SizeFixed:
			fieldLen = uint32(props.FixedLen)
		case SizeVarU8, SizeVarPrec:
			if !r.HasBytes(1) {
				return needMore(1)
			}
			fieldLen = uint32(r.Byte())
			isNull = props.ZeroNull && fieldLen == 0
		case SizeVarU16:
			if !r.HasBytes(2) {
				return needMore(2 - r.Remaining())
			}
			fieldLen = uint32(r.Uint16())
			isNull = props.MaxlenNull && fieldLen == 0xFFFF
		case SizeVarU32:
			if !r.HasBytes(4) {
				return needMore(4 - r.Remaining())
			}
			fieldLen = r.Uint32()
			isNull = props.MaxlenNull && fieldLen == 0xFFFFFFFF
		default:
			return HandlerResult{Status: HandlerUnknownSizeType}
		}

		if isNull {
			row[i] = RowField{null: true}
			continue
		}

		if props.IsVariableSize() && !validFieldLength(col.Type, props, fieldLen) {
			cc.logger.Protocol().Warn("invalid field length",
				"type", col.Type.String(), "length", fieldLen)
			return HandlerResult{Status: HandlerInvalidFieldLength}
		}

		if !r.HasBytes(int(fieldLen)) {
			return needMore(int(fieldLen) - r.Remaining())
		}
		row[i] = RowField{data: r.Bytes(int(fieldLen))}
	}

	if cc.qstate.rowCallback != nil {
		cc.qstate.rowCallback(colmd, row)
	}
	return handlerOK()
}

// handleNBCRow parses a null-bitmap compressed row: a bitmap of
// ceil(columns/8) bytes with bit N set when column N is NULL, followed by
// field data for the non-NULL columns only.
func (cc *CommandContext) handleNBCRow(r *Reader) HandlerResult {
	colmd := &cc.qstate.colmd
	if !colmd.IsValid() {
		return HandlerResult{Status: HandlerMissingColMetadata}
	}

	bitmapLen := (len(colmd.Columns) + 7) / 8
	if !r.HasBytes(bitmapLen) {
		return needMore(bitmapLen - r.Remaining())
	}
	return cc.handleRow(r, r.Bytes(bitmapLen))
}
