package fakepg

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fyerfyer/pgpool/internal/inflight"
	"github.com/fyerfyer/pgpool/session"
)

// ErrConnectionLost 是连接失效后返回的传输层错误
var ErrConnectionLost = errors.New("server closed the connection unexpectedly")

const textOID = 25

// Conn 是假服务端上的一个连接
type Conn struct {
	server *Server
	id     int
	pipe   inflight.Pipeline

	// cancel 接收取消请求，kill 在连接失效时关闭
	cancel   chan struct{}
	kill     chan struct{}
	killOnce sync.Once

	mu       sync.Mutex
	tx       session.TxStatus
	broken   bool
	closed   bool
	queries  []string
	prepared map[string]string
	settings map[string]string
}

func newConn(s *Server, id int) *Conn {
	return &Conn{
		server:   s,
		id:       id,
		cancel:   make(chan struct{}, 1),
		kill:     make(chan struct{}),
		tx:       session.TxIdle,
		prepared: make(map[string]string),
		settings: make(map[string]string),
	}
}

// ID 返回连接在服务端的编号，从 1 开始
func (c *Conn) ID() int {
	return c.id
}

// Break 模拟服务端断开连接
func (c *Conn) Break() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
	c.killOnce.Do(func() { close(c.kill) })
}

// Closed 报告连接是否被客户端关闭
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Queries 返回连接上执行过的所有语句
func (c *Conn) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.queries))
	copy(out, c.queries)
	return out
}

// Setting 返回通过 SET 设置的会话参数
func (c *Conn) Setting(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings[strings.ToLower(name)]
}

// SetTxStatus 直接修改服务端的事务状态
func (c *Conn) SetTxStatus(status session.TxStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tx = status
}

// SendQuery 实现 session.RawConn 接口
func (c *Conn) SendQuery(query string) error {
	return c.send(func() ([]*session.Result, error) {
		return c.simple(query)
	})
}

// SendQueryParams 实现 session.RawConn 接口
func (c *Conn) SendQueryParams(query string, _ []uint32, params [][]byte, _ []int16, _ int16) error {
	return c.send(func() ([]*session.Result, error) {
		return c.single(bind(query, params))
	})
}

// SendPrepare 实现 session.RawConn 接口
func (c *Conn) SendPrepare(name, query string, _ []uint32) error {
	return c.send(func() ([]*session.Result, error) {
		c.record("PREPARE " + name + " AS " + query)
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.prepared[name]; ok {
			return []*session.Result{errorResult("42P05", fmt.Sprintf("prepared statement %q already exists", name))}, nil
		}
		c.prepared[name] = query
		return []*session.Result{{Status: session.StatusCommandOK, CommandTag: "PREPARE"}}, nil
	})
}

// SendQueryPrepared 实现 session.RawConn 接口
func (c *Conn) SendQueryPrepared(name string, params [][]byte, _ []int16, _ int16) error {
	return c.send(func() ([]*session.Result, error) {
		c.mu.Lock()
		query, ok := c.prepared[name]
		c.mu.Unlock()
		if !ok {
			c.record("EXECUTE " + name)
			return []*session.Result{errorResult("26000", fmt.Sprintf("prepared statement %q does not exist", name))}, nil
		}
		return c.single(bind(query, params))
	})
}

// Ready 实现 session.RawConn 接口
func (c *Conn) Ready() <-chan struct{} {
	return c.pipe.Ready()
}

// ConsumeInput 实现 session.RawConn 接口
func (c *Conn) ConsumeInput() error {
	return c.pipe.Consume()
}

// IsBusy 实现 session.RawConn 接口
func (c *Conn) IsBusy() bool {
	return c.pipe.Busy()
}

// GetResult 实现 session.RawConn 接口
func (c *Conn) GetResult() *session.Result {
	return c.pipe.Next()
}

// Exec 实现 session.RawConn 接口
func (c *Conn) Exec(query string) *session.Result {
	if c.isBroken() {
		c.pipe.SetErr(ErrConnectionLost.Error())
		return &session.Result{Status: session.StatusFatalError, ErrorMessage: ErrConnectionLost.Error()}
	}
	c.drainCancel()
	return c.pipe.Run(func() ([]*session.Result, error) {
		return c.simple(query)
	})
}

// Cancel 实现 session.RawConn 接口
func (c *Conn) Cancel(context.Context) error {
	c.server.cancels.Add(1)
	if err := c.server.currentCancelErr(); err != nil {
		return err
	}
	if c.pipe.InFlight() {
		select {
		case c.cancel <- struct{}{}:
		default:
		}
	}
	return nil
}

// Status 实现 session.RawConn 接口
func (c *Conn) Status() session.ConnStatus {
	if c.isBroken() {
		return session.ConnBad
	}
	return session.ConnOK
}

// TxStatus 实现 session.RawConn 接口
func (c *Conn) TxStatus() session.TxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken || c.closed {
		return session.TxUnknown
	}
	return c.tx
}

// ErrorMessage 实现 session.RawConn 接口
func (c *Conn) ErrorMessage() string {
	return c.pipe.Err()
}

// Close 实现 session.RawConn 接口
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.killOnce.Do(func() { close(c.kill) })
	c.server.closes.Add(1)
	return nil
}

func (c *Conn) isBroken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken || c.closed
}

func (c *Conn) record(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, query)
}

func (c *Conn) drainCancel() {
	select {
	case <-c.cancel:
	default:
	}
}

func (c *Conn) send(fn func() ([]*session.Result, error)) error {
	if c.isBroken() {
		c.pipe.SetErr(ErrConnectionLost.Error())
		return ErrConnectionLost
	}
	c.drainCancel()
	return c.pipe.Send(fn)
}

// simple 执行一条可能包含多个语句的简单查询，遇到错误后停止
func (c *Conn) simple(query string) ([]*session.Result, error) {
	var results []*session.Result
	stmts := strings.Split(query, ";")
	for _, stmt := range stmts {
		if strings.TrimSpace(stmt) == "" && len(stmts) > 1 {
			continue
		}
		res, err := c.single(stmt)
		if err != nil {
			return results, err
		}
		results = append(results, res...)
		if !res[len(res)-1].OK() {
			break
		}
	}
	return results, nil
}

func (c *Conn) single(stmt string) ([]*session.Result, error) {
	stmt = strings.TrimSpace(stmt)
	c.record(stmt)

	if c.isBroken() {
		return nil, ErrConnectionLost
	}

	if h := c.server.currentHandler(); h != nil {
		res, err := h(c, stmt)
		if err != nil {
			return nil, err
		}
		if res != nil {
			c.afterResult(res)
			return []*session.Result{res}, nil
		}
	}

	res, err := c.execute(stmt)
	if err != nil {
		return nil, err
	}
	c.afterResult(res)
	return []*session.Result{res}, nil
}

// afterResult 失败的语句让进行中的事务进入失败状态
func (c *Conn) afterResult(res *session.Result) {
	if res.OK() || res.Status == session.StatusEmptyQuery {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == session.TxInBlock {
		c.tx = session.TxFailed
	}
}

func (c *Conn) execute(stmt string) (*session.Result, error) {
	upper := strings.ToUpper(stmt)
	word := firstWord(upper)

	if stmt == "" {
		return &session.Result{Status: session.StatusEmptyQuery}, nil
	}

	c.mu.Lock()
	tx := c.tx
	c.mu.Unlock()
	if tx == session.TxFailed && word != "COMMIT" && word != "ROLLBACK" && word != "END" && word != "ABORT" {
		return errorResult("25P02", "current transaction is aborted, commands ignored until end of transaction block"), nil
	}

	switch {
	case word == "BEGIN" || strings.HasPrefix(upper, "START TRANSACTION"):
		c.SetTxStatus(session.TxInBlock)
		return commandOK("BEGIN"), nil

	case word == "COMMIT" || word == "END":
		tag := "COMMIT"
		if tx == session.TxFailed {
			tag = "ROLLBACK"
		}
		c.SetTxStatus(session.TxIdle)
		return commandOK(tag), nil

	case word == "ROLLBACK" || word == "ABORT":
		c.SetTxStatus(session.TxIdle)
		return commandOK("ROLLBACK"), nil

	case strings.HasPrefix(upper, "SELECT PG_SLEEP("):
		return c.sleep(stmt)

	case word == "SET":
		return c.set(stmt), nil

	case word == "SHOW":
		name := strings.ToLower(strings.TrimSpace(stmt[len("SHOW"):]))
		c.mu.Lock()
		val := c.settings[name]
		c.mu.Unlock()
		return rowsResult([]string{name}, [][][]byte{{[]byte(val)}}), nil

	case word == "DEALLOCATE":
		return c.deallocate(strings.TrimSpace(stmt[len("DEALLOCATE"):])), nil

	case word == "SELECT":
		return selectLiterals(strings.TrimSpace(stmt[len("SELECT"):])), nil

	case word == "INSERT":
		return commandOK("INSERT 0 1"), nil

	case word == "UPDATE" || word == "DELETE":
		return commandOK(word + " 1"), nil

	case word == "CREATE" || word == "DROP" || word == "TRUNCATE":
		f := strings.Fields(upper)
		if len(f) > 2 {
			f = f[:2]
		}
		return commandOK(strings.Join(f, " ")), nil
	}

	return errorResult("42601", fmt.Sprintf("syntax error at or near %q", strings.Fields(stmt)[0])), nil
}

func (c *Conn) sleep(stmt string) (*session.Result, error) {
	arg := stmt[strings.Index(stmt, "(")+1:]
	if end := strings.Index(arg, ")"); end >= 0 {
		arg = arg[:end]
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil {
		return errorResult("22P02", fmt.Sprintf("invalid input syntax for type double precision: %q", arg)), nil
	}

	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
		return rowsResult([]string{"pg_sleep"}, [][][]byte{{[]byte("")}}), nil
	case <-c.cancel:
		return errorResult("57014", "canceling statement due to user request"), nil
	case <-c.kill:
		return nil, ErrConnectionLost
	}
}

func (c *Conn) set(stmt string) *session.Result {
	rest := strings.TrimSpace(stmt[len("SET"):])
	var name, val string
	if i := strings.Index(rest, "="); i >= 0 {
		name, val = rest[:i], rest[i+1:]
	} else if f := strings.Fields(rest); len(f) >= 3 && strings.EqualFold(f[1], "TO") {
		name, val = f[0], strings.Join(f[2:], " ")
	} else {
		return errorResult("42601", "syntax error at end of input")
	}
	val = strings.Trim(strings.TrimSpace(val), "'")

	c.mu.Lock()
	c.settings[strings.ToLower(strings.TrimSpace(name))] = val
	c.mu.Unlock()
	return commandOK("SET")
}

func (c *Conn) deallocate(name string) *session.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.EqualFold(name, "ALL") {
		c.prepared = make(map[string]string)
		return commandOK("DEALLOCATE ALL")
	}
	if _, ok := c.prepared[name]; !ok {
		return errorResult("26000", fmt.Sprintf("prepared statement %q does not exist", name))
	}
	delete(c.prepared, name)
	return commandOK("DEALLOCATE")
}

// bind 把 $n 占位符替换为参数的文本字面量
func bind(query string, params [][]byte) string {
	for i := len(params); i >= 1; i-- {
		lit := "NULL"
		if params[i-1] != nil {
			lit = "'" + strings.ReplaceAll(string(params[i-1]), "'", "''") + "'"
		}
		query = strings.ReplaceAll(query, "$"+strconv.Itoa(i), lit)
	}
	return query
}

// selectLiterals 支持由字面量组成的选择列表，例如 SELECT 1, 'a', NULL
func selectLiterals(list string) *session.Result {
	if list == "" {
		return rowsResult(nil, [][][]byte{{}})
	}

	var (
		names []string
		row   [][]byte
	)
	for _, item := range splitList(list) {
		item = strings.TrimSpace(item)
		name := "?column?"
		if i := strings.LastIndex(strings.ToUpper(item), " AS "); i >= 0 {
			name = strings.TrimSpace(item[i+4:])
			item = strings.TrimSpace(item[:i])
		}

		switch {
		case strings.EqualFold(item, "NULL"):
			row = append(row, nil)
		case strings.EqualFold(item, "TRUE"):
			row = append(row, []byte("t"))
		case strings.EqualFold(item, "FALSE"):
			row = append(row, []byte("f"))
		case len(item) >= 2 && item[0] == '\'' && item[len(item)-1] == '\'':
			row = append(row, []byte(strings.ReplaceAll(item[1:len(item)-1], "''", "'")))
		default:
			if _, err := strconv.ParseFloat(item, 64); err != nil {
				return errorResult("42703", fmt.Sprintf("column %q does not exist", item))
			}
			row = append(row, []byte(item))
		}
		names = append(names, name)
	}
	return rowsResult(names, [][][]byte{row})
}

// splitList 按逗号切分选择列表，忽略引号中的逗号
func splitList(list string) []string {
	var (
		items  []string
		quoted bool
		start  int
	)
	for i := 0; i < len(list); i++ {
		switch list[i] {
		case '\'':
			quoted = !quoted
		case ',':
			if !quoted {
				items = append(items, list[start:i])
				start = i + 1
			}
		}
	}
	return append(items, list[start:])
}

func firstWord(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return strings.TrimRight(f[0], "(")
}

func commandOK(tag string) *session.Result {
	return &session.Result{Status: session.StatusCommandOK, CommandTag: tag}
}

func errorResult(code, msg string) *session.Result {
	return &session.Result{
		Status:       session.StatusFatalError,
		ErrorMessage: "ERROR: " + msg,
		SQLState:     code,
	}
}

// Rows 构造一个返回文本列的成功结果，供自定义 Handler 使用
func Rows(names []string, rows ...[]string) *session.Result {
	data := make([][][]byte, 0, len(rows))
	for _, r := range rows {
		vals := make([][]byte, len(r))
		for i, v := range r {
			vals[i] = []byte(v)
		}
		data = append(data, vals)
	}
	return rowsResult(names, data)
}

// Error 构造一个服务端错误结果，供自定义 Handler 使用
func Error(code, msg string) *session.Result {
	return errorResult(code, msg)
}

func rowsResult(names []string, rows [][][]byte) *session.Result {
	fields := make([]session.FieldDescription, len(names))
	for i, n := range names {
		fields[i] = session.FieldDescription{Name: n, TypeOID: textOID, Format: session.FormatText}
	}
	return &session.Result{
		Status:     session.StatusTuplesOK,
		Fields:     fields,
		Rows:       rows,
		CommandTag: fmt.Sprintf("SELECT %d", len(rows)),
	}
}
