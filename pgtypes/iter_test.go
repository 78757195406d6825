package pgtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyerfyer/pgpool/session"
)

func TestIterator(t *testing.T) {
	res := &session.Result{
		Status: session.StatusTuplesOK,
		Fields: []session.FieldDescription{{Name: "id"}, {Name: "name"}},
		Rows: [][][]byte{
			{[]byte("1"), []byte("alice")},
			{[]byte("2"), nil},
		},
	}

	it := NewIterator(res)
	assert.Equal(t, -1, it.Index())
	assert.Nil(t, it.Row())

	var ids []int64
	var names []string
	for it.Next() {
		id, ok := it.Int64(0)
		assert.True(t, ok)
		ids = append(ids, id)
		if name, ok := it.String(1); ok {
			names = append(names, name)
		}
	}

	assert.Equal(t, []int64{1, 2}, ids)
	assert.Equal(t, []string{"alice"}, names)
	assert.False(t, it.Next(), "耗尽后保持结束状态")
	assert.Nil(t, it.Row())
}

func TestIterator_Empty(t *testing.T) {
	it := NewIterator(nil)
	assert.False(t, it.Next())
	assert.Nil(t, it.Value(0))

	it = NewIterator(&session.Result{Status: session.StatusCommandOK})
	assert.False(t, it.Next())
}

func TestIterator_Value(t *testing.T) {
	it := NewIterator(&session.Result{
		Rows: [][][]byte{{[]byte("x"), []byte("t")}},
	})
	assert.True(t, it.Next())
	assert.Equal(t, []byte("x"), it.Value(0))
	assert.Nil(t, it.Value(5))
	assert.Equal(t, [][]byte{[]byte("x"), []byte("t")}, it.Row())

	v, ok := it.Bool(1)
	assert.True(t, ok)
	assert.True(t, v)
}
