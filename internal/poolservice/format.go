package poolservice

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/fyerfyer/pgpool/pgtypes"
	"github.com/fyerfyer/pgpool/pool"
	"github.com/fyerfyer/pgpool/session"
)

// StatsData 是统计信息的可序列化结构
type StatsData struct {
	Name          string    `json:"name,omitempty"`
	Total         int       `json:"total"`
	Idle          int       `json:"idle"`
	Active        int       `json:"active"`
	Pending       int       `json:"pending"`
	Waiters       int       `json:"waiters"`
	Max           int       `json:"max"`
	Acquired      int64     `json:"acquired"`
	Released      int64     `json:"released"`
	Timeouts      int64     `json:"timeouts"`
	ConnectErrors int64     `json:"connectErrors"`
	Reconnects    int64     `json:"reconnects"`
	Evictions     int64     `json:"evictions"`
	Rollbacks     int64     `json:"rollbacks"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ColumnData 描述结果中的一列
type ColumnData struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ResultData 是查询结果的可序列化结构，NULL 序列化为 null
type ResultData struct {
	Status     string       `json:"status"`
	CommandTag string       `json:"commandTag,omitempty"`
	Columns    []ColumnData `json:"columns,omitempty"`
	Rows       [][]*string  `json:"rows,omitempty"`
}

// NewStatsData 把统计信息转换为可序列化结构
func NewStatsData(name string, s pool.Stats) StatsData {
	return StatsData{
		Name:          name,
		Total:         s.Total,
		Idle:          s.Idle,
		Active:        s.Active,
		Pending:       s.Pending,
		Waiters:       s.Waiters,
		Max:           s.MaxConnections,
		Acquired:      s.Acquired,
		Released:      s.Released,
		Timeouts:      s.Timeouts,
		ConnectErrors: s.ConnectErrors,
		Reconnects:    s.Reconnects,
		Evictions:     s.Evictions,
		Rollbacks:     s.Rollbacks,
		CreatedAt:     s.CreatedAt,
	}
}

// NewResultData 把查询结果转换为可序列化结构
func NewResultData(res *session.Result) ResultData {
	data := ResultData{Status: res.Status.String(), CommandTag: res.CommandTag}
	for _, f := range res.Fields {
		typ := pgtypes.TypeName(f.TypeOID)
		if typ == "" {
			typ = fmt.Sprintf("oid:%d", f.TypeOID)
		}
		data.Columns = append(data.Columns, ColumnData{Name: f.Name, Type: typ})
	}
	it := pgtypes.NewIterator(res)
	for it.Next() {
		row := make([]*string, len(res.Fields))
		for col := range row {
			if v, ok := it.String(col); ok {
				row[col] = &v
			}
		}
		data.Rows = append(data.Rows, row)
	}
	return data
}

// Marshal 把数据序列化为缩进的 JSON
func Marshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// FormatStats 返回统计信息的格式化字符串表示
func FormatStats(stats pool.Stats) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Connections: %d/%d (%d idle, %d active, %d pending)\n",
		stats.Total, stats.MaxConnections, stats.Idle, stats.Active, stats.Pending))
	if stats.MaxConnections > 0 {
		sb.WriteString(fmt.Sprintf("Utilization: %.1f%%\n",
			float64(stats.Active)*100/float64(stats.MaxConnections)))
	}
	sb.WriteString(fmt.Sprintf("Created: %s\n", formatTimeAgo(stats.CreatedAt)))
	sb.WriteString(fmt.Sprintf("Operations: %d acquired, %d released\n", stats.Acquired, stats.Released))

	if stats.Waiters > 0 || stats.Timeouts > 0 {
		sb.WriteString(fmt.Sprintf("Waiting: %d now, %d timed out\n", stats.Waiters, stats.Timeouts))
	}
	if stats.ConnectErrors > 0 {
		sb.WriteString(fmt.Sprintf("Connect errors: %d\n", stats.ConnectErrors))
	}
	if stats.Reconnects > 0 || stats.Evictions > 0 {
		sb.WriteString(fmt.Sprintf("Repairs: %d reconnected, %d evicted\n", stats.Reconnects, stats.Evictions))
	}
	if stats.Rollbacks > 0 {
		sb.WriteString(fmt.Sprintf("Rollbacks on release: %d\n", stats.Rollbacks))
	}

	return sb.String()
}

// FormatPoolInfo 返回连接池信息的格式化字符串表示
func FormatPoolInfo(info PoolInfo) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Pool: %s\n", info.Name))
	sb.WriteString(fmt.Sprintf("DSN: %s\n", info.ConnString))
	sb.WriteString(FormatStats(info.Stats))
	return sb.String()
}

// FormatLease 返回租约的单行描述
func FormatLease(info LeaseInfo) string {
	tx := ""
	if info.InTransaction {
		tx = " [in transaction]"
	}
	return fmt.Sprintf("%s -> %s#%d, held %s%s", info.Name, info.Pool, info.ConnID,
		time.Since(info.AcquiredAt).Round(time.Millisecond), tx)
}

// FormatResult 以对齐的表格形式输出查询结果
func FormatResult(res *session.Result) string {
	if res.Status != session.StatusTuplesOK {
		if res.CommandTag != "" {
			return res.CommandTag + "\n"
		}
		return res.Status.String() + "\n"
	}

	data := NewResultData(res)
	widths := make([]int, len(data.Columns))
	for i, c := range data.Columns {
		widths[i] = len(c.Name)
	}
	cells := make([][]string, len(data.Rows))
	for r, row := range data.Rows {
		cells[r] = make([]string, len(row))
		for i, v := range row {
			s := "NULL"
			if v != nil {
				s = *v
			}
			cells[r][i] = s
			widths[i] = max(widths[i], len(s))
		}
	}

	var sb strings.Builder
	line := func(values []string) {
		for i, v := range values {
			if i > 0 {
				sb.WriteString(" | ")
			}
			sb.WriteString(v)
			sb.WriteString(strings.Repeat(" ", widths[i]-len(v)))
		}
		sb.WriteString("\n")
	}

	header := make([]string, len(data.Columns))
	sep := make([]string, len(data.Columns))
	for i, c := range data.Columns {
		header[i] = c.Name
		sep[i] = strings.Repeat("-", widths[i])
	}
	line(header)
	line(sep)
	for _, row := range cells {
		line(row)
	}
	if len(cells) == 1 {
		sb.WriteString("(1 row)\n")
	} else {
		sb.WriteString(fmt.Sprintf("(%d rows)\n", len(cells)))
	}
	return sb.String()
}

// formatTimeAgo 将时间格式化为人类可读的"多久之前"字符串
func formatTimeAgo(t time.Time) string {
	duration := time.Since(t)

	seconds := int(duration.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%d seconds ago", seconds)
	}

	minutes := int(duration.Minutes())
	if minutes < 60 {
		return fmt.Sprintf("%d minutes ago", minutes)
	}

	hours := int(duration.Hours())
	if hours < 24 {
		return fmt.Sprintf("%d hours ago", hours)
	}

	days := int(duration.Hours() / 24)
	return fmt.Sprintf("%d days ago", days)
}
