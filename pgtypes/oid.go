// Package pgtypes 提供从 session.Result 中读取强类型值的辅助函数，
// 以及按行遍历结果的迭代器。
//
// 所有读取函数都返回 (value, ok)：单元格为 NULL、越界或无法解析时 ok 为 false。
package pgtypes

import "strings"

// 常用的 PostgreSQL 内置类型 OID
const (
	OIDBool        uint32 = 16
	OIDBytea       uint32 = 17
	OIDChar        uint32 = 18
	OIDName        uint32 = 19
	OIDInt8        uint32 = 20
	OIDInt2        uint32 = 21
	OIDInt4        uint32 = 23
	OIDText        uint32 = 25
	OIDOid         uint32 = 26
	OIDJSON        uint32 = 114
	OIDFloat4      uint32 = 700
	OIDFloat8      uint32 = 701
	OIDUnknown     uint32 = 705
	OIDBpchar      uint32 = 1042
	OIDVarchar     uint32 = 1043
	OIDDate        uint32 = 1082
	OIDTime        uint32 = 1083
	OIDTimestamp   uint32 = 1114
	OIDTimestamptz uint32 = 1184
	OIDInterval    uint32 = 1186
	OIDNumeric     uint32 = 1700
	OIDUUID        uint32 = 2950
	OIDJSONB       uint32 = 3802
)

var typeNames = map[uint32]string{
	OIDBool:        "BOOL",
	OIDBytea:       "BYTEA",
	OIDChar:        "CHAR",
	OIDName:        "NAME",
	OIDInt8:        "INT8",
	OIDInt2:        "INT2",
	OIDInt4:        "INT4",
	OIDText:        "TEXT",
	OIDOid:         "OID",
	OIDJSON:        "JSON",
	OIDFloat4:      "FLOAT4",
	OIDFloat8:      "FLOAT8",
	OIDUnknown:     "UNKNOWN",
	OIDBpchar:      "BPCHAR",
	OIDVarchar:     "VARCHAR",
	OIDDate:        "DATE",
	OIDTime:        "TIME",
	OIDTimestamp:   "TIMESTAMP",
	OIDTimestamptz: "TIMESTAMPTZ",
	OIDInterval:    "INTERVAL",
	OIDNumeric:     "NUMERIC",
	OIDUUID:        "UUID",
	OIDJSONB:       "JSONB",
}

// SQL 标准写法的别名
var aliases = map[string]uint32{
	"BOOLEAN":                     OIDBool,
	"SMALLINT":                    OIDInt2,
	"INTEGER":                     OIDInt4,
	"INT":                         OIDInt4,
	"BIGINT":                      OIDInt8,
	"REAL":                        OIDFloat4,
	"DOUBLE PRECISION":            OIDFloat8,
	"CHARACTER VARYING":           OIDVarchar,
	"CHARACTER":                   OIDBpchar,
	"TIMESTAMP WITH TIME ZONE":    OIDTimestamptz,
	"TIMESTAMP WITHOUT TIME ZONE": OIDTimestamp,
	"DECIMAL":                     OIDNumeric,
}

var byName map[string]uint32

func init() {
	byName = make(map[string]uint32, len(typeNames)+len(aliases))
	for oid, name := range typeNames {
		byName[name] = oid
	}
	for name, oid := range aliases {
		byName[name] = oid
	}
}

// OIDByName 按类型名查找 OID，不区分大小写，未知类型返回 OIDUnknown 和 false
func OIDByName(name string) (uint32, bool) {
	oid, ok := byName[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return OIDUnknown, false
	}
	return oid, true
}

// TypeName 返回 OID 对应的类型名，未知 OID 返回空字符串
func TypeName(oid uint32) string {
	return typeNames[oid]
}
