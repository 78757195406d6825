package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fyerfyer/pgpool/internal/inflight"
	"github.com/fyerfyer/pgpool/session"
)

// PgxConnector 使用 pgconn 建立连接
type PgxConnector struct{}

// NewPgxConnector 创建一个 pgx 连接器
func NewPgxConnector() *PgxConnector {
	return &PgxConnector{}
}

// Connect 实现 session.Connector 接口
func (PgxConnector) Connect(ctx context.Context, connString string) (session.RawConn, error) {
	conn, err := pgconn.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("pgx connect: %w", err)
	}
	return newPgxConn(conn), nil
}

// PgxConn 把 pgconn.PgConn 适配为 session.RawConn。
// 每条命令在后台 goroutine 中执行，Ready 在命令完成时可接收。
type PgxConn struct {
	conn   *pgconn.PgConn
	pipe   inflight.Pipeline
	life   lifecycle
	broken atomic.Bool
}

func newPgxConn(conn *pgconn.PgConn) *PgxConn {
	c := &PgxConn{conn: conn}
	c.life.init()
	return c
}

// PgConn 返回底层的 pgconn 连接
func (c *PgxConn) PgConn() *pgconn.PgConn {
	return c.conn
}

func (c *PgxConn) send(fn func(ctx context.Context) ([]*session.Result, error)) error {
	return c.pipe.Send(c.call(fn))
}

// call 把 fn 包装为登记在 lifecycle 中的调用，传输层错误会把连接标记为损坏
func (c *PgxConn) call(fn func(ctx context.Context) ([]*session.Result, error)) func() ([]*session.Result, error) {
	return func() ([]*session.Result, error) {
		ctx, err := c.life.enter()
		if err != nil {
			return nil, err
		}
		defer c.life.leave()

		results, err := fn(ctx)
		if err != nil {
			c.broken.Store(true)
		}
		return results, err
	}
}

// SendQuery 实现 session.RawConn 接口
func (c *PgxConn) SendQuery(query string) error {
	return c.send(func(ctx context.Context) ([]*session.Result, error) {
		results, err := c.conn.Exec(ctx, query).ReadAll()
		return convertPgxResults(results, err)
	})
}

// SendQueryParams 实现 session.RawConn 接口
func (c *PgxConn) SendQueryParams(query string, paramTypes []uint32, params [][]byte, paramFormats []int16, resultFormat int16) error {
	return c.send(func(ctx context.Context) ([]*session.Result, error) {
		r := c.conn.ExecParams(ctx, query, params, paramTypes, paramFormats, []int16{resultFormat}).Read()
		return convertPgxResult(r)
	})
}

// SendPrepare 实现 session.RawConn 接口
func (c *PgxConn) SendPrepare(name, query string, paramTypes []uint32) error {
	return c.send(func(ctx context.Context) ([]*session.Result, error) {
		if _, err := c.conn.Prepare(ctx, name, query, paramTypes); err != nil {
			return pgxFailure(err)
		}
		return []*session.Result{{Status: session.StatusCommandOK, CommandTag: "PREPARE"}}, nil
	})
}

// SendQueryPrepared 实现 session.RawConn 接口
func (c *PgxConn) SendQueryPrepared(name string, params [][]byte, paramFormats []int16, resultFormat int16) error {
	return c.send(func(ctx context.Context) ([]*session.Result, error) {
		r := c.conn.ExecPrepared(ctx, name, params, paramFormats, []int16{resultFormat}).Read()
		return convertPgxResult(r)
	})
}

// Ready 实现 session.RawConn 接口
func (c *PgxConn) Ready() <-chan struct{} {
	return c.pipe.Ready()
}

// ConsumeInput 实现 session.RawConn 接口
func (c *PgxConn) ConsumeInput() error {
	return c.pipe.Consume()
}

// IsBusy 实现 session.RawConn 接口
func (c *PgxConn) IsBusy() bool {
	return c.pipe.Busy()
}

// GetResult 实现 session.RawConn 接口
func (c *PgxConn) GetResult() *session.Result {
	return c.pipe.Next()
}

// Exec 实现 session.RawConn 接口
func (c *PgxConn) Exec(query string) *session.Result {
	return c.pipe.Run(c.call(func(ctx context.Context) ([]*session.Result, error) {
		results, err := c.conn.Exec(ctx, query).ReadAll()
		return convertPgxResults(results, err)
	}))
}

// Cancel 通过独立的连接发送取消请求
func (c *PgxConn) Cancel(ctx context.Context) error {
	if c.life.isClosed() {
		return ErrConnClosed
	}
	return c.conn.CancelRequest(ctx)
}

// Status 实现 session.RawConn 接口
func (c *PgxConn) Status() session.ConnStatus {
	if c.broken.Load() || c.life.isClosed() {
		return session.ConnBad
	}
	// 命令执行期间不读取 pgconn 的内部状态
	if !c.pipe.InFlight() && c.conn.IsClosed() {
		return session.ConnBad
	}
	return session.ConnOK
}

// TxStatus 等待当前命令结束后返回服务端报告的事务状态
func (c *PgxConn) TxStatus() session.TxStatus {
	c.pipe.Wait()
	if c.broken.Load() || c.life.isClosed() {
		return session.TxUnknown
	}
	switch s := session.TxStatus(c.conn.TxStatus()); s {
	case session.TxIdle, session.TxInBlock, session.TxFailed:
		return s
	default:
		return session.TxUnknown
	}
}

// ErrorMessage 实现 session.RawConn 接口
func (c *PgxConn) ErrorMessage() string {
	return c.pipe.Err()
}

// Close 取消正在执行的命令并关闭连接，可以安全地重复调用
func (c *PgxConn) Close() error {
	if !c.life.shutdown() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return c.conn.Close(ctx)
}

// convertPgxResults 转换简单查询的全部结果。
// 服务端错误转换为错误结果，其他错误作为传输层错误返回。
func convertPgxResults(results []*pgconn.Result, err error) ([]*session.Result, error) {
	out := make([]*session.Result, 0, len(results)+1)
	var reported error
	for _, r := range results {
		if r.Err != nil {
			var pgErr *pgconn.PgError
			if !errors.As(r.Err, &pgErr) {
				return out, r.Err
			}
			out = append(out, pgErrorResult(pgErr))
			reported = r.Err
			continue
		}
		out = append(out, convertPgxRows(r))
	}

	// ReadAll 返回的错误通常已经体现在最后一个结果中
	if err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			return out, err
		}
		if reportedCode(reported) != pgErr.Code {
			out = append(out, pgErrorResult(pgErr))
		}
	}

	if len(out) == 0 {
		out = append(out, &session.Result{Status: session.StatusEmptyQuery})
	}
	return out, nil
}

func reportedCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// convertPgxResult 转换扩展协议的单个结果
func convertPgxResult(r *pgconn.Result) ([]*session.Result, error) {
	if r.Err != nil {
		return pgxFailure(r.Err)
	}
	return []*session.Result{convertPgxRows(r)}, nil
}

func pgxFailure(err error) ([]*session.Result, error) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return []*session.Result{pgErrorResult(pgErr)}, nil
	}
	return nil, err
}

func convertPgxRows(r *pgconn.Result) *session.Result {
	res := &session.Result{
		Status:     session.StatusCommandOK,
		CommandTag: r.CommandTag.String(),
		Rows:       r.Rows,
	}
	if len(r.FieldDescriptions) > 0 {
		res.Status = session.StatusTuplesOK
		res.Fields = make([]session.FieldDescription, len(r.FieldDescriptions))
		for i, fd := range r.FieldDescriptions {
			res.Fields[i] = session.FieldDescription{
				Name:    fd.Name,
				TypeOID: fd.DataTypeOID,
				Format:  fd.Format,
			}
		}
	}
	return res
}

func pgErrorResult(err *pgconn.PgError) *session.Result {
	return serverError(err.Severity, err.Message, err.Code)
}
