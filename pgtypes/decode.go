package pgtypes

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/fyerfyer/pgpool/session"
)

// typeMaps 复用 pgtype.Map，单个 Map 不能并发使用
var typeMaps = sync.Pool{
	New: func() any { return pgtype.NewMap() },
}

// scan 按 oid 对应的 pgtype 编解码器把原始值解码到 dst
func scan(oid uint32, format int16, src []byte, dst any) bool {
	m := typeMaps.Get().(*pgtype.Map)
	defer typeMaps.Put(m)
	return m.Scan(oid, format, src, dst) == nil
}

// cell 返回单元格的原始值和格式，NULL 或越界时 ok 为 false
func cell(res *session.Result, row, col int) ([]byte, int16, bool) {
	v := res.Value(row, col)
	if v == nil {
		return nil, session.FormatText, false
	}
	return v, res.FieldFormat(col), true
}

// intOID 选择整数的解码类型，二进制格式按宽度区分 int2/int4/int8
func intOID(v []byte, format int16, text uint32) uint32 {
	if format != session.FormatBinary {
		return text
	}
	switch len(v) {
	case 2:
		return OIDInt2
	case 4:
		return OIDInt4
	default:
		return OIDInt8
	}
}

// Int 读取 int4 范围内的整数
func Int(res *session.Result, row, col int) (int, bool) {
	v, format, ok := cell(res, row, col)
	if !ok {
		return 0, false
	}
	var n pgtype.Int4
	if !scan(intOID(v, format, OIDInt4), format, v, &n) || !n.Valid {
		return 0, false
	}
	return int(n.Int32), true
}

// Int64 读取 int8 范围内的整数
func Int64(res *session.Result, row, col int) (int64, bool) {
	v, format, ok := cell(res, row, col)
	if !ok {
		return 0, false
	}
	var n pgtype.Int8
	if !scan(intOID(v, format, OIDInt8), format, v, &n) || !n.Valid {
		return 0, false
	}
	return n.Int64, true
}

// Float32 读取单精度浮点数
func Float32(res *session.Result, row, col int) (float32, bool) {
	v, format, ok := cell(res, row, col)
	if !ok {
		return 0, false
	}
	var f pgtype.Float4
	if !scan(OIDFloat4, format, v, &f) || !f.Valid {
		return 0, false
	}
	return f.Float32, true
}

// Float64 读取双精度浮点数，二进制格式同时接受 float4 和 float8
func Float64(res *session.Result, row, col int) (float64, bool) {
	v, format, ok := cell(res, row, col)
	if !ok {
		return 0, false
	}
	oid := OIDFloat8
	if format == session.FormatBinary && len(v) == 4 {
		oid = OIDFloat4
	}
	var f pgtype.Float8
	if !scan(oid, format, v, &f) || !f.Valid {
		return 0, false
	}
	return f.Float64, true
}

// Bool 读取布尔值。
// 文本格式与服务端的 boolin 一致：t/f、true/false、yes/no、on/off、1/0 以及它们的唯一前缀。
func Bool(res *session.Result, row, col int) (bool, bool) {
	v, format, ok := cell(res, row, col)
	if !ok {
		return false, false
	}
	var b bool
	if !scan(OIDBool, format, v, &b) {
		return false, false
	}
	return b, true
}

// String 以字符串形式读取单元格
func String(res *session.Result, row, col int) (string, bool) {
	v, _, ok := cell(res, row, col)
	if !ok {
		return "", false
	}
	return string(v), true
}

// Bytes 读取 bytea。
// 二进制格式原样返回；文本格式支持 hex（\x 前缀）和 escape 两种输出格式。
func Bytes(res *session.Result, row, col int) ([]byte, bool) {
	v, format, ok := cell(res, row, col)
	if !ok {
		return nil, false
	}
	if format == session.FormatBinary {
		return bytes.Clone(v), true
	}

	if bytes.HasPrefix(v, []byte(`\x`)) {
		var out []byte
		if !scan(OIDBytea, format, v, &out) {
			return nil, false
		}
		return out, true
	}
	return unescapeBytea(v)
}

// unescapeBytea 解码 escape 格式：\\ 表示反斜杠，\nnn 表示八进制字节。
// pgtype 的 bytea 编解码器只处理 hex 格式。
func unescapeBytea(v []byte) ([]byte, bool) {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' {
			out = append(out, v[i])
			continue
		}
		if i+1 < len(v) && v[i+1] == '\\' {
			out = append(out, '\\')
			i++
			continue
		}
		if i+3 >= len(v) {
			return nil, false
		}
		n, err := strconv.ParseUint(string(v[i+1:i+4]), 8, 8)
		if err != nil {
			return nil, false
		}
		out = append(out, byte(n))
		i += 3
	}
	return out, true
}

// UUID 读取 uuid，文本格式必须是标准的 36 字符形式
func UUID(res *session.Result, row, col int) (uuid.UUID, bool) {
	v, format, ok := cell(res, row, col)
	if !ok {
		return uuid.Nil, false
	}
	if format == session.FormatBinary {
		id, err := uuid.FromBytes(v)
		if err != nil {
			return uuid.Nil, false
		}
		return id, true
	}

	if len(v) != 36 {
		return uuid.Nil, false
	}
	id, err := uuid.ParseBytes(v)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Timestamp 读取 timestamp、timestamptz 或 date，结果统一为 UTC。
// 不带时区的值按 UTC 解释；±infinity 无法表示为 time.Time，ok 为 false。
func Timestamp(res *session.Result, row, col int) (time.Time, bool) {
	v, format, ok := cell(res, row, col)
	if !ok {
		return time.Time{}, false
	}

	// 二进制的 timestamp 与 timestamptz 编码相同
	if format == session.FormatBinary {
		var ts pgtype.Timestamptz
		if !scan(OIDTimestamptz, format, v, &ts) || !ts.Valid {
			return time.Time{}, false
		}
		return finite(ts.Time, ts.InfinityModifier)
	}

	src := []byte(strings.TrimSpace(string(v)))
	if len(src) > 10 && src[10] == 'T' {
		src[10] = ' '
	}

	var tz pgtype.Timestamptz
	if scan(OIDTimestamptz, format, src, &tz) && tz.Valid {
		return finite(tz.Time, tz.InfinityModifier)
	}

	var ts pgtype.Timestamp
	if scan(OIDTimestamp, format, src, &ts) && ts.Valid {
		return finite(ts.Time, ts.InfinityModifier)
	}

	var d pgtype.Date
	if scan(OIDDate, format, src, &d) && d.Valid {
		return finite(d.Time, d.InfinityModifier)
	}
	return time.Time{}, false
}

func finite(t time.Time, mod pgtype.InfinityModifier) (time.Time, bool) {
	if mod != pgtype.Finite {
		return time.Time{}, false
	}
	return t.UTC(), true
}
