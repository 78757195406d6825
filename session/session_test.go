package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyerfyer/pgpool/internal/fakepg"
	"github.com/fyerfyer/pgpool/session"
)

func newSession(t *testing.T) (*session.Session, *fakepg.Server) {
	t.Helper()
	server := fakepg.NewServer()
	raw, err := server.Connect(context.Background(), "host=fake")
	require.NoError(t, err)
	return session.New(1, raw), server
}

func TestSession_ExecuteAndQuery(t *testing.T) {
	s, _ := newSession(t)
	before := s.LastActivity()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, s.Execute("CREATE TABLE t (id int)", time.Second))
	assert.True(t, s.LastActivity().After(before))

	res, err := s.Query("SELECT 1, 'two' AS name, NULL", time.Second)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTuplesOK, res.Status)
	assert.Equal(t, 1, res.NumRows())
	assert.Equal(t, 3, res.NumFields())
	assert.Equal(t, []byte("1"), res.Value(0, 0))
	assert.Equal(t, "two", string(res.Value(0, 1)))
	assert.Equal(t, 1, res.FieldIndex("name"))
	assert.True(t, res.IsNull(0, 2))
	assert.Empty(t, s.LastError())
}

func TestSession_SynchronousPath(t *testing.T) {
	s, server := newSession(t)

	res, err := s.Query("SELECT 42", session.NoTimeout)
	require.NoError(t, err)
	assert.Equal(t, "42", string(res.Value(0, 0)))

	require.NoError(t, s.Execute("SET search_path = public", session.NoTimeout))
	assert.Equal(t, "public", server.Conn(0).Setting("search_path"))
}

func TestSession_ServerError(t *testing.T) {
	s, _ := newSession(t)

	_, err := s.Query("SELECT missing_column", time.Second)
	require.Error(t, err)

	var rerr *session.ResultError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, session.StatusFatalError, rerr.Status)
	assert.Equal(t, "42703", rerr.SQLState)
	assert.Contains(t, s.ErrorMessage(), "does not exist")

	// 下一次调用会先清除错误信息
	require.NoError(t, s.Execute("SELECT 1", time.Second))
	assert.Empty(t, s.LastError())
}

func TestSession_InvalidArguments(t *testing.T) {
	s, _ := newSession(t)

	_, err := s.Query("", time.Second)
	assert.ErrorIs(t, err, session.ErrInvalidArgument)
	assert.Equal(t, "invalid connection or query", s.ErrorMessage())

	err = s.Prepare("", "SELECT 1", nil, time.Second)
	assert.ErrorIs(t, err, session.ErrInvalidArgument)

	_, err = s.ExecutePrepared("", nil, nil, session.FormatText, time.Second)
	assert.ErrorIs(t, err, session.ErrInvalidArgument)

	empty := session.New(2, nil)
	_, err = empty.Query("SELECT 1", time.Second)
	assert.ErrorIs(t, err, session.ErrInvalidConn)
	assert.Equal(t, session.ConnBad, empty.Status())
	assert.False(t, empty.Validate("", time.Second))
}

// 测试查询超时与取消
func TestSession_Timeout(t *testing.T) {
	s, server := newSession(t)

	start := time.Now()
	err := s.Execute("SELECT pg_sleep(5)", 50*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, session.ErrQueryTimeout)
	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Equal(t, "query execution timed out", s.ErrorMessage())
	assert.Equal(t, 1, server.Cancels())

	// 被取消的查询结果会在下一次调用前被丢弃
	res, err := s.Query("SELECT 1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", string(res.Value(0, 0)))
}

func TestSession_TimeoutCancelFailureNotSurfaced(t *testing.T) {
	s, server := newSession(t)
	server.SetCancelError(errors.New("cancel refused"))

	err := s.Execute("SELECT pg_sleep(0.2)", 20*time.Millisecond)
	require.ErrorIs(t, err, session.ErrQueryTimeout)
	assert.Equal(t, "query execution timed out", s.ErrorMessage())
	assert.Equal(t, 1, server.Cancels())
}

func TestSession_ZeroTimeout(t *testing.T) {
	s, _ := newSession(t)

	err := s.Execute("SELECT pg_sleep(0.2)", 0)
	assert.ErrorIs(t, err, session.ErrQueryTimeout)
}

func TestSession_DrainsExtraResults(t *testing.T) {
	s, _ := newSession(t)

	res, err := s.Query("SELECT 1; SELECT 2", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", string(res.Value(0, 0)))

	res, err = s.Query("SELECT 3", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "3", string(res.Value(0, 0)))
}

func TestSession_QueryParams(t *testing.T) {
	s, server := newSession(t)

	res, err := s.QueryParams("SELECT $1, $2", session.QueryArgs{
		Params: [][]byte{[]byte("it's"), nil},
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "it's", string(res.Value(0, 0)))
	assert.True(t, res.IsNull(0, 1))
	assert.Contains(t, server.Conn(0).Queries(), "SELECT 'it''s', NULL")
}

func TestSession_PreparedStatements(t *testing.T) {
	s, _ := newSession(t)

	require.NoError(t, s.Prepare("get_val", "SELECT $1", []uint32{25}, time.Second))

	// 同名语句不能重复创建
	err := s.Prepare("get_val", "SELECT $1", nil, time.Second)
	var rerr *session.ResultError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "42P05", rerr.SQLState)

	res, err := s.ExecutePrepared("get_val", [][]byte{[]byte("7")}, nil, session.FormatText, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "7", string(res.Value(0, 0)))

	require.NoError(t, s.Deallocate("get_val", time.Second))

	_, err = s.ExecutePrepared("get_val", nil, nil, session.FormatText, time.Second)
	require.Error(t, err)
	assert.Contains(t, s.ErrorMessage(), "does not exist")

	err = s.Deallocate("get_val", time.Second)
	assert.Error(t, err)
}

func TestSession_SendFailure(t *testing.T) {
	s, server := newSession(t)
	server.Conn(0).Break()

	err := s.Execute("SELECT 1", time.Second)
	assert.ErrorIs(t, err, session.ErrSendFailed)
	assert.Contains(t, s.ErrorMessage(), "server closed the connection unexpectedly")
	assert.Equal(t, session.ConnBad, s.Status())
	assert.False(t, s.Validate("SELECT 1", time.Second))
}

func TestSession_Validate(t *testing.T) {
	s, server := newSession(t)

	assert.True(t, s.Validate("", time.Second))
	assert.Equal(t, "SELECT 1", server.Conn(0).Queries()[0])

	// 不返回行的命令不能证明连接可用
	assert.False(t, s.Validate("SET a = 1", time.Second))
	assert.Empty(t, s.LastError())
}

func TestSession_ValidateWithRunningCommand(t *testing.T) {
	s, server := newSession(t)
	server.SetCancelError(errors.New("cancel refused"))

	require.ErrorIs(t, s.Execute("SELECT pg_sleep(2)", 20*time.Millisecond), session.ErrQueryTimeout)
	assert.True(t, s.Busy())

	start := time.Now()
	assert.False(t, s.Validate("", 50*time.Millisecond))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, s.Busy())
}

func TestSession_ValidateWaitsForShortCommand(t *testing.T) {
	s, server := newSession(t)
	server.SetCancelError(errors.New("cancel refused"))

	require.ErrorIs(t, s.Execute("SELECT pg_sleep(0.1)", 20*time.Millisecond), session.ErrQueryTimeout)
	assert.True(t, s.Validate("", time.Second))
	assert.False(t, s.Busy())
}

func TestSession_ErrorMessageFallback(t *testing.T) {
	s, _ := newSession(t)
	assert.Equal(t, "no error information available", s.ErrorMessage())

	s.SetError("boom")
	assert.Equal(t, "boom", s.ErrorMessage())
	s.ClearError()
	assert.Empty(t, s.LastError())
}

func TestSession_Replace(t *testing.T) {
	s, server := newSession(t)
	require.NoError(t, s.Begin())

	raw, err := server.Connect(context.Background(), "host=fake")
	require.NoError(t, err)
	s.Replace(raw)

	assert.False(t, s.InTransaction())
	assert.Same(t, raw, s.Raw())
}
