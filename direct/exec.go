package direct

import (
	"github.com/fyerfyer/pgpool/session"
)

// Execute 执行一条命令，只关心是否成功。opts 为 nil 时使用 DefaultQueryOptions。
func (c *Conn) Execute(query string, opts *QueryOptions) error {
	o := options(opts)
	return c.retry(o, func() error {
		return c.sess.Execute(query, o.Timeout)
	})
}

// Query 执行一条查询并返回第一个结果
func (c *Conn) Query(query string, opts *QueryOptions) (*session.Result, error) {
	o := options(opts)
	var res *session.Result
	err := c.retry(o, func() error {
		var err error
		res, err = c.sess.Query(query, o.Timeout)
		return err
	})
	return res, err
}

// QueryParams 执行一条参数化查询
func (c *Conn) QueryParams(query string, args session.QueryArgs, opts *QueryOptions) (*session.Result, error) {
	o := options(opts)
	var res *session.Result
	err := c.retry(o, func() error {
		var err error
		res, err = c.sess.QueryParams(query, args, o.Timeout)
		return err
	})
	return res, err
}

// Prepare 创建一个命名预处理语句
func (c *Conn) Prepare(name, query string, paramTypes []uint32) error {
	if c.closed {
		return ErrClosed
	}
	return c.sess.Prepare(name, query, paramTypes, session.NoTimeout)
}

// ExecutePrepared 执行一个命名预处理语句。
// 重连后预处理语句不复存在，因此这里不做重试。
func (c *Conn) ExecutePrepared(name string, params [][]byte, formats []int16, resultFormat int16, opts *QueryOptions) (*session.Result, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return c.sess.ExecutePrepared(name, params, formats, resultFormat, options(opts).Timeout)
}

// Deallocate 释放一个命名预处理语句
func (c *Conn) Deallocate(name string) error {
	if c.closed {
		return ErrClosed
	}
	return c.sess.Deallocate(name, session.NoTimeout)
}

// Begin 开始一个事务
func (c *Conn) Begin() error {
	if c.closed {
		return ErrClosed
	}
	return c.sess.Begin()
}

// Commit 提交当前事务
func (c *Conn) Commit() error {
	if c.closed {
		return ErrClosed
	}
	return c.sess.Commit()
}

// Rollback 回滚当前事务
func (c *Conn) Rollback() error {
	if c.closed {
		return ErrClosed
	}
	return c.sess.Rollback()
}
