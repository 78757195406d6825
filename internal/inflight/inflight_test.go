package inflight

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyerfyer/pgpool/session"
)

func ok(tag string) *session.Result {
	return &session.Result{Status: session.StatusCommandOK, CommandTag: tag}
}

func results(rs ...*session.Result) func() ([]*session.Result, error) {
	return func() ([]*session.Result, error) { return rs, nil }
}

func TestCall(t *testing.T) {
	release := make(chan struct{})
	c := Start(func() (int, error) {
		<-release
		return 7, nil
	})
	assert.False(t, c.Finished())

	close(release)
	v, err := c.Wait()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.True(t, c.Finished())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done 在调用结束后应可接收")
	}
}

func TestPipeline_ReadyWhenIdle(t *testing.T) {
	var p Pipeline

	select {
	case <-p.Ready():
	default:
		t.Fatal("空闲时 Ready 应立即可接收")
	}
	assert.False(t, p.Busy())
	assert.False(t, p.InFlight())
	assert.Nil(t, p.Next())
	assert.NoError(t, p.Consume())
}

func TestPipeline_SendWhileBusy(t *testing.T) {
	var p Pipeline
	release := make(chan struct{})

	require.NoError(t, p.Send(func() ([]*session.Result, error) {
		<-release
		return []*session.Result{ok("SELECT 1")}, nil
	}))
	assert.True(t, p.Busy())
	assert.True(t, p.InFlight())
	assert.ErrorIs(t, p.Send(results(ok("X"))), ErrBusy)

	close(release)
	<-p.Ready()
	require.NoError(t, p.Consume())
	assert.False(t, p.Busy())

	// 结果尚未读取时仍然不能发送
	assert.ErrorIs(t, p.Send(results(ok("X"))), ErrBusy)

	res := p.Next()
	require.NotNil(t, res)
	assert.Equal(t, "SELECT 1", res.CommandTag)
	assert.Nil(t, p.Next())
	assert.NoError(t, p.Send(results(ok("X"))))
}

func TestPipeline_TransportError(t *testing.T) {
	var p Pipeline
	lost := errors.New("connection lost")

	require.NoError(t, p.Send(func() ([]*session.Result, error) {
		return []*session.Result{ok("BEGIN")}, lost
	}))

	first := p.Next()
	require.NotNil(t, first)
	assert.Equal(t, "BEGIN", first.CommandTag)

	fatal := p.Next()
	require.NotNil(t, fatal)
	assert.Equal(t, session.StatusFatalError, fatal.Status)
	assert.Equal(t, "connection lost", fatal.ErrorMessage)
	assert.Equal(t, "connection lost", p.Err())
	assert.Nil(t, p.Next())

	p.SetErr("")
	assert.Empty(t, p.Err())
}

func TestPipeline_RunDrainsEarlierResults(t *testing.T) {
	var p Pipeline
	require.NoError(t, p.Send(results(ok("OLD 1"), ok("OLD 2"))))

	last := p.Run(results(ok("SET"), ok("SELECT 1")))
	require.NotNil(t, last)
	assert.Equal(t, "SELECT 1", last.CommandTag)
	assert.Nil(t, p.Next())
	assert.False(t, p.Busy())
}

func TestPipeline_WaitKeepsResults(t *testing.T) {
	var p Pipeline
	require.NoError(t, p.Send(func() ([]*session.Result, error) {
		time.Sleep(10 * time.Millisecond)
		return []*session.Result{ok("DONE")}, nil
	}))

	p.Wait()
	assert.False(t, p.InFlight())
	res := p.Next()
	require.NotNil(t, res)
	assert.Equal(t, "DONE", res.CommandTag)
}
