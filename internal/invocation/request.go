// Package invocation 实现算子之间的延迟调用队列，以及把排队请求交给执行器的处理器。
package invocation

import "time"

// Status 表示调用请求所处的阶段。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// rank 用于判断状态迁移方向；两个终态同级。
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusExecuting:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Terminal 判断是否为终态。
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Request 是一条排队的调用请求，由 Queue 独占持有。
type Request struct {
	ID          string         `json:"id"`
	OperatorURI string         `json:"operator_uri"`
	Params      map[string]any `json:"params,omitempty"`
	Status      Status         `json:"status"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

func (r Request) clone() Request {
	r.Params = cloneParams(r.Params)
	return r
}

// Snapshot 是队列在某次变更后的序列化视图，Requests 保持入队顺序。
type Snapshot struct {
	Version  uint64    `json:"version"`
	Requests []Request `json:"requests"`
}

// Stats 汇总各状态的请求数量。
type Stats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
