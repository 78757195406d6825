package pgtypes

import "github.com/fyerfyer/pgpool/session"

// Iterator 按行遍历一个结果，用法与 database/sql 的 Rows 类似：
//
//	it := pgtypes.NewIterator(res)
//	for it.Next() {
//		name, _ := it.String(0)
//	}
type Iterator struct {
	res *session.Result
	row int
}

// NewIterator 创建一个位于第一行之前的迭代器，res 为 nil 时不产生任何行
func NewIterator(res *session.Result) *Iterator {
	return &Iterator{res: res, row: -1}
}

// Next 前进到下一行，没有更多行时返回 false
func (it *Iterator) Next() bool {
	if it.row+1 >= it.res.NumRows() {
		it.row = it.res.NumRows()
		return false
	}
	it.row++
	return true
}

// Index 返回当前行号，Next 之前为 -1
func (it *Iterator) Index() int {
	return it.row
}

// Value 返回当前行指定列的原始值，NULL 或越界时返回 nil
func (it *Iterator) Value(col int) []byte {
	return it.res.Value(it.row, col)
}

// Row 返回当前行的全部原始值
func (it *Iterator) Row() [][]byte {
	if it.row < 0 || it.row >= it.res.NumRows() {
		return nil
	}
	return it.res.Rows[it.row]
}

// String 读取当前行的字符串值
func (it *Iterator) String(col int) (string, bool) {
	return String(it.res, it.row, col)
}

// Int64 读取当前行的整数值
func (it *Iterator) Int64(col int) (int64, bool) {
	return Int64(it.res, it.row, col)
}

// Bool 读取当前行的布尔值
func (it *Iterator) Bool(col int) (bool, bool) {
	return Bool(it.res, it.row, col)
}
