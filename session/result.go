package session

// ExecStatus 表示一个结果的执行状态
type ExecStatus int

const (
	// StatusEmptyQuery 表示发送的是空查询
	StatusEmptyQuery ExecStatus = iota
	// StatusCommandOK 表示不返回行的命令执行成功
	StatusCommandOK
	// StatusTuplesOK 表示返回行的查询执行成功
	StatusTuplesOK
	// StatusBadResponse 表示无法理解服务端的响应
	StatusBadResponse
	// StatusNonfatalError 表示服务端报告了一个非致命错误
	StatusNonfatalError
	// StatusFatalError 表示服务端报告了一个错误
	StatusFatalError
)

// String 返回执行状态的字符串表示
func (s ExecStatus) String() string {
	switch s {
	case StatusEmptyQuery:
		return "EMPTY_QUERY"
	case StatusCommandOK:
		return "COMMAND_OK"
	case StatusTuplesOK:
		return "TUPLES_OK"
	case StatusBadResponse:
		return "BAD_RESPONSE"
	case StatusNonfatalError:
		return "NONFATAL_ERROR"
	case StatusFatalError:
		return "FATAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Format codes for parameters and result columns.
const (
	FormatText   int16 = 0
	FormatBinary int16 = 1
)

// FieldDescription 描述结果中的一列
type FieldDescription struct {
	Name    string
	TypeOID uint32
	Format  int16
}

// Result 是一次命令执行得到的结果
type Result struct {
	// 执行状态
	Status ExecStatus

	// 列描述
	Fields []FieldDescription

	// 行数据，nil 表示 SQL NULL
	Rows [][][]byte

	// 命令标签，例如 "INSERT 0 1"
	CommandTag string

	// 服务端报告的错误信息
	ErrorMessage string

	// 服务端报告的 SQLSTATE 错误码
	SQLState string
}

// OK 报告结果是否表示成功
func (r *Result) OK() bool {
	return r != nil && (r.Status == StatusCommandOK || r.Status == StatusTuplesOK)
}

// NumRows 返回行数
func (r *Result) NumRows() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// NumFields 返回列数
func (r *Result) NumFields() int {
	if r == nil {
		return 0
	}
	return len(r.Fields)
}

// Value 返回指定单元格的原始值，越界或为 NULL 时返回 nil
func (r *Result) Value(row, col int) []byte {
	if r == nil || row < 0 || row >= len(r.Rows) || col < 0 || col >= len(r.Rows[row]) {
		return nil
	}
	return r.Rows[row][col]
}

// IsNull 报告指定单元格是否为 NULL
func (r *Result) IsNull(row, col int) bool {
	return r.Value(row, col) == nil
}

// FieldIndex 返回列名对应的下标，不存在时返回 -1
func (r *Result) FieldIndex(name string) int {
	if r == nil {
		return -1
	}
	for i, f := range r.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// FieldFormat 返回指定列的格式
func (r *Result) FieldFormat(col int) int16 {
	if r == nil || col < 0 || col >= len(r.Fields) {
		return FormatText
	}
	return r.Fields[col].Format
}
