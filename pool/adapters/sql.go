package adapters

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/fyerfyer/pgpool/internal/inflight"
	"github.com/fyerfyer/pgpool/pgtypes"
	"github.com/fyerfyer/pgpool/session"
)

// SQLConnector 通过 database/sql 和 lib/pq 建立连接。
// 每个连接字符串共用一个 sql.DB，但每个 RawConn 固定占用其中一条物理连接，
// 连接的复用完全由 pgpool 负责。
type SQLConnector struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewSQLConnector 创建一个 lib/pq 连接器
func NewSQLConnector() *SQLConnector {
	return &SQLConnector{dbs: make(map[string]*sql.DB)}
}

func (f *SQLConnector) db(connString string) (*sql.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if db, ok := f.dbs[connString]; ok {
		return db, nil
	}

	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 归还给 sql.DB 的连接立即关闭，避免在 pgpool 之外再缓存一层
	db.SetMaxIdleConns(0)
	f.dbs[connString] = db
	return db, nil
}

// Connect 实现 session.Connector 接口
func (f *SQLConnector) Connect(ctx context.Context, connString string) (session.RawConn, error) {
	db, err := f.db(connString)
	if err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return newSQLConn(conn), nil
}

// Close 关闭连接器持有的所有 sql.DB
func (f *SQLConnector) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for dsn, db := range f.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(f.dbs, dsn)
	}
	return errors.Join(errs...)
}

// SQLConn 把一条 *sql.Conn 适配为 session.RawConn。
// 只支持文本格式的参数和结果；服务端的事务状态根据执行成功的语句推断。
type SQLConn struct {
	conn   *sql.Conn
	pipe   inflight.Pipeline
	life   lifecycle
	broken atomic.Bool

	// 当前调用的取消函数
	cmu    sync.Mutex
	cancel context.CancelFunc

	// 以下字段只在命令执行期间访问，命令之间由 Pipeline 串行化
	stmts map[string]*sql.Stmt
	tx    session.TxStatus
}

func newSQLConn(conn *sql.Conn) *SQLConn {
	c := &SQLConn{
		conn:  conn,
		stmts: make(map[string]*sql.Stmt),
		tx:    session.TxIdle,
	}
	c.life.init()
	return c
}

func (c *SQLConn) send(fn func(ctx context.Context) ([]*session.Result, error)) error {
	return c.pipe.Send(c.call(fn))
}

func (c *SQLConn) call(fn func(ctx context.Context) ([]*session.Result, error)) func() ([]*session.Result, error) {
	return func() ([]*session.Result, error) {
		base, err := c.life.enter()
		if err != nil {
			return nil, err
		}
		defer c.life.leave()

		ctx, cancel := context.WithCancel(base)
		c.cmu.Lock()
		c.cancel = cancel
		c.cmu.Unlock()
		defer func() {
			c.cmu.Lock()
			c.cancel = nil
			c.cmu.Unlock()
			cancel()
		}()

		results, err := fn(ctx)
		if err != nil {
			c.broken.Store(true)
		}
		return results, err
	}
}

// SendQuery 实现 session.RawConn 接口
func (c *SQLConn) SendQuery(query string) error {
	return c.send(func(ctx context.Context) ([]*session.Result, error) {
		return c.simple(ctx, query)
	})
}

// SendQueryParams 实现 session.RawConn 接口。paramTypes 被忽略，由服务端推断参数类型。
func (c *SQLConn) SendQueryParams(query string, _ []uint32, params [][]byte, paramFormats []int16, resultFormat int16) error {
	args, err := textArgs(params, paramFormats, resultFormat)
	if err != nil {
		return err
	}
	return c.send(func(ctx context.Context) ([]*session.Result, error) {
		rows, err := c.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return c.failure(ctx, err)
		}
		return c.collect(ctx, rows, statementVerbs(query), query)
	})
}

// SendPrepare 实现 session.RawConn 接口
func (c *SQLConn) SendPrepare(name, query string, _ []uint32) error {
	return c.send(func(ctx context.Context) ([]*session.Result, error) {
		if _, ok := c.stmts[name]; ok {
			return []*session.Result{serverError("ERROR", fmt.Sprintf("prepared statement %q already exists", name), "42P05")}, nil
		}
		stmt, err := c.conn.PrepareContext(ctx, query)
		if err != nil {
			return c.failure(ctx, err)
		}
		c.stmts[name] = stmt
		return []*session.Result{{Status: session.StatusCommandOK, CommandTag: "PREPARE"}}, nil
	})
}

// SendQueryPrepared 实现 session.RawConn 接口
func (c *SQLConn) SendQueryPrepared(name string, params [][]byte, paramFormats []int16, resultFormat int16) error {
	args, err := textArgs(params, paramFormats, resultFormat)
	if err != nil {
		return err
	}
	return c.send(func(ctx context.Context) ([]*session.Result, error) {
		stmt, ok := c.stmts[name]
		if !ok {
			return []*session.Result{serverError("ERROR", fmt.Sprintf("prepared statement %q does not exist", name), "26000")}, nil
		}
		rows, err := stmt.QueryContext(ctx, args...)
		if err != nil {
			return c.failure(ctx, err)
		}
		return c.collect(ctx, rows, nil, "")
	})
}

// Ready 实现 session.RawConn 接口
func (c *SQLConn) Ready() <-chan struct{} {
	return c.pipe.Ready()
}

// ConsumeInput 实现 session.RawConn 接口
func (c *SQLConn) ConsumeInput() error {
	return c.pipe.Consume()
}

// IsBusy 实现 session.RawConn 接口
func (c *SQLConn) IsBusy() bool {
	return c.pipe.Busy()
}

// GetResult 实现 session.RawConn 接口
func (c *SQLConn) GetResult() *session.Result {
	return c.pipe.Next()
}

// Exec 实现 session.RawConn 接口
func (c *SQLConn) Exec(query string) *session.Result {
	return c.pipe.Run(c.call(func(ctx context.Context) ([]*session.Result, error) {
		return c.simple(ctx, query)
	}))
}

// Cancel 取消当前调用的 context，lib/pq 随后向服务端发送取消请求
func (c *SQLConn) Cancel(context.Context) error {
	if c.life.isClosed() {
		return ErrConnClosed
	}
	c.cmu.Lock()
	defer c.cmu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Status 实现 session.RawConn 接口
func (c *SQLConn) Status() session.ConnStatus {
	if c.broken.Load() || c.life.isClosed() {
		return session.ConnBad
	}
	return session.ConnOK
}

// TxStatus 等待当前命令结束后返回推断出的事务状态
func (c *SQLConn) TxStatus() session.TxStatus {
	c.pipe.Wait()
	if c.broken.Load() || c.life.isClosed() {
		return session.TxUnknown
	}
	return c.tx
}

// ErrorMessage 实现 session.RawConn 接口
func (c *SQLConn) ErrorMessage() string {
	return c.pipe.Err()
}

// Close 取消正在执行的命令，关闭预处理语句并把物理连接还给 sql.DB
func (c *SQLConn) Close() error {
	if !c.life.shutdown() {
		return nil
	}
	for name, stmt := range c.stmts {
		stmt.Close()
		delete(c.stmts, name)
	}
	return c.conn.Close()
}

// simple 执行一条简单查询，可能包含多条语句
func (c *SQLConn) simple(ctx context.Context, query string) ([]*session.Result, error) {
	if strings.TrimSpace(query) == "" {
		return []*session.Result{{Status: session.StatusEmptyQuery}}, nil
	}
	if res, ok := c.deallocate(query); ok {
		return []*session.Result{res}, nil
	}

	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return c.failure(ctx, err)
	}
	return c.collect(ctx, rows, statementVerbs(query), query)
}

// deallocate 处理释放本连接上预处理语句的命令。
// 预处理语句由 database/sql 以匿名名称创建，必须通过 sql.Stmt 关闭。
func (c *SQLConn) deallocate(query string) (*session.Result, bool) {
	name, all, ok := parseDeallocate(query)
	if !ok {
		return nil, false
	}
	if all {
		for n, stmt := range c.stmts {
			stmt.Close()
			delete(c.stmts, n)
		}
		return &session.Result{Status: session.StatusCommandOK, CommandTag: "DEALLOCATE ALL"}, true
	}
	stmt, exists := c.stmts[name]
	if !exists {
		return serverError("ERROR", fmt.Sprintf("prepared statement %q does not exist", name), "26000"), true
	}
	stmt.Close()
	delete(c.stmts, name)
	return &session.Result{Status: session.StatusCommandOK, CommandTag: "DEALLOCATE"}, true
}

// parseDeallocate 解析 DEALLOCATE [PREPARE] name | ALL
func parseDeallocate(query string) (name string, all bool, ok bool) {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if len(fields) < 2 || !strings.EqualFold(fields[0], "DEALLOCATE") {
		return "", false, false
	}
	fields = fields[1:]
	if strings.EqualFold(fields[0], "PREPARE") {
		fields = fields[1:]
	}
	if len(fields) != 1 {
		return "", false, false
	}
	if strings.EqualFold(fields[0], "ALL") {
		return "", true, true
	}
	return strings.Trim(fields[0], `"`), false, true
}

// collect 读取所有结果集。verbs 用于生成命令标签并推断事务状态。
func (c *SQLConn) collect(ctx context.Context, rows *sql.Rows, verbs []string, query string) ([]*session.Result, error) {
	defer rows.Close()

	var stmts []string
	if query != "" {
		stmts = splitStatements(query)
	}

	var out []*session.Result
	for i := 0; ; i++ {
		res, err := readResultSet(rows)
		if err != nil {
			return c.failure(ctx, err)
		}
		if i < len(verbs) {
			if res.Status == session.StatusCommandOK {
				res.CommandTag = verbs[i]
			}
			if i < len(stmts) {
				c.tx = nextTxStatus(c.tx, stmts[i])
			}
		}
		out = append(out, res)
		if !rows.NextResultSet() {
			break
		}
	}

	if err := rows.Err(); err != nil {
		failed, ferr := c.failure(ctx, err)
		return append(out, failed...), ferr
	}
	return out, nil
}

// failure 把驱动错误转换为错误结果，无法识别的错误作为传输层错误返回
func (c *SQLConn) failure(ctx context.Context, err error) ([]*session.Result, error) {
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pqErr):
		if c.tx == session.TxInBlock {
			c.tx = session.TxFailed
		}
		return []*session.Result{serverError(pqErr.Severity, pqErr.Message, string(pqErr.Code))}, nil
	case ctx.Err() != nil && !c.life.isClosed():
		if c.tx == session.TxInBlock {
			c.tx = session.TxFailed
		}
		return []*session.Result{serverError("ERROR", "canceling statement due to user request", "57014")}, nil
	case errors.Is(err, driver.ErrBadConn):
		return nil, fmt.Errorf("server closed the connection unexpectedly: %w", err)
	default:
		return nil, err
	}
}

func splitStatements(query string) []string {
	var out []string
	for _, stmt := range strings.Split(query, ";") {
		if strings.TrimSpace(stmt) != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// readResultSet 读取当前结果集，把驱动解码后的值重新格式化为文本格式
func readResultSet(rows *sql.Rows) (*session.Result, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		// 不返回行的命令仍需要把结果集读完
		for rows.Next() {
		}
		return &session.Result{Status: session.StatusCommandOK}, nil
	}

	res := &session.Result{
		Status: session.StatusTuplesOK,
		Fields: make([]session.FieldDescription, len(types)),
	}
	for i, t := range types {
		oid, _ := pgtypes.OIDByName(t.DatabaseTypeName())
		res.Fields[i] = session.FieldDescription{Name: t.Name(), TypeOID: oid, Format: session.FormatText}
	}

	values := make([]any, len(types))
	dest := make([]any, len(types))
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make([][]byte, len(values))
		for i, v := range values {
			row[i] = formatText(v, res.Fields[i].TypeOID)
		}
		res.Rows = append(res.Rows, row)
	}
	res.CommandTag = "SELECT " + strconv.Itoa(len(res.Rows))
	return res, nil
}

// formatText 按 PostgreSQL 的文本输出格式还原驱动解码后的值，nil 表示 NULL
func formatText(v any, oid uint32) []byte {
	switch v := v.(type) {
	case nil:
		return nil
	case []byte:
		if oid == pgtypes.OIDBytea {
			out := make([]byte, 2+hex.EncodedLen(len(v)))
			copy(out, `\x`)
			hex.Encode(out[2:], v)
			return out
		}
		return bytes.Clone(v)
	case string:
		return []byte(v)
	case int64:
		return strconv.AppendInt(nil, v, 10)
	case float64:
		return strconv.AppendFloat(nil, v, 'g', -1, 64)
	case bool:
		if v {
			return []byte("t")
		}
		return []byte("f")
	case time.Time:
		switch oid {
		case pgtypes.OIDDate:
			return []byte(v.Format("2006-01-02"))
		case pgtypes.OIDTimestamp:
			return []byte(v.Format("2006-01-02 15:04:05.999999"))
		default:
			return []byte(v.Format("2006-01-02 15:04:05.999999Z07:00"))
		}
	default:
		return []byte(fmt.Sprint(v))
	}
}

// textArgs 把文本格式的参数转换为驱动参数，nil 表示 NULL
func textArgs(params [][]byte, formats []int16, resultFormat int16) ([]any, error) {
	if resultFormat != session.FormatText {
		return nil, ErrUnsupportedFormat
	}
	for _, f := range formats {
		if f != session.FormatText {
			return nil, ErrUnsupportedFormat
		}
	}
	args := make([]any, len(params))
	for i, p := range params {
		if p != nil {
			args[i] = string(p)
		}
	}
	return args, nil
}
