package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyerfyer/pgpool/internal/fakepg"
	"github.com/fyerfyer/pgpool/session"
)

func TestTransaction_BeginCommit(t *testing.T) {
	s, server := newSession(t)

	require.NoError(t, s.Begin())
	assert.True(t, s.InTransaction())
	assert.Equal(t, session.TxInBlock, s.ServerTxStatus())

	require.NoError(t, s.Execute("INSERT INTO t VALUES (1)", time.Second))
	require.NoError(t, s.Commit())
	assert.False(t, s.InTransaction())
	assert.Equal(t, session.TxIdle, s.ServerTxStatus())

	assert.Equal(t, []string{"BEGIN", "INSERT INTO t VALUES (1)", "COMMIT"}, server.Conn(0).Queries())
}

func TestTransaction_Misuse(t *testing.T) {
	s, _ := newSession(t)

	err := s.Commit()
	assert.ErrorIs(t, err, session.ErrNoTx)
	assert.Contains(t, s.ErrorMessage(), "no active transaction")

	err = s.Rollback()
	assert.ErrorIs(t, err, session.ErrNoTx)
	assert.Contains(t, err.Error(), "no active transaction")

	require.NoError(t, s.Begin())
	err = s.Begin()
	assert.ErrorIs(t, err, session.ErrTxActive)
	assert.Contains(t, s.ErrorMessage(), "already active")
	assert.True(t, s.InTransaction())

	require.NoError(t, s.Rollback())
	assert.False(t, s.InTransaction())
}

func TestTransaction_BeginFailureLeavesFlagClear(t *testing.T) {
	s, server := newSession(t)
	server.SetHandler(func(_ *fakepg.Conn, query string) (*session.Result, error) {
		if query == "BEGIN" {
			return fakepg.Error("53300", "too many connections"), nil
		}
		return nil, nil
	})

	assert.Error(t, s.Begin())
	assert.False(t, s.InTransaction())
}

// 提交失败时本地事务标记依然被清除
func TestTransaction_CommitFailureClearsFlag(t *testing.T) {
	s, server := newSession(t)
	require.NoError(t, s.Begin())

	server.SetHandler(func(_ *fakepg.Conn, query string) (*session.Result, error) {
		if query == "COMMIT" {
			return fakepg.Error("40001", "could not serialize access"), nil
		}
		return nil, nil
	})

	err := s.Commit()
	var rerr *session.ResultError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "40001", rerr.SQLState)
	assert.False(t, s.InTransaction())
}

func TestTransaction_Abandon(t *testing.T) {
	s, server := newSession(t)

	rolled, err := s.Abandon(time.Second)
	require.NoError(t, err)
	assert.False(t, rolled)

	// 本地标记
	require.NoError(t, s.Begin())
	rolled, err = s.Abandon(time.Second)
	require.NoError(t, err)
	assert.True(t, rolled)
	assert.False(t, s.InTransaction())

	// 只有服务端认为处于事务中
	require.NoError(t, s.Execute("BEGIN", time.Second))
	assert.False(t, s.InTransaction())
	rolled, err = s.Abandon(time.Second)
	require.NoError(t, err)
	assert.True(t, rolled)
	assert.Equal(t, session.TxIdle, server.Conn(0).TxStatus())
}
