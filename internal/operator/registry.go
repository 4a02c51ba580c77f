package operator

import (
	"log/slog"
	"sync"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/pkg/logger"
)

// Summary 是算子在列表中的展示信息。
type Summary struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Unlisted    bool   `json:"unlisted,omitempty"`
	CanExecute  bool   `json:"canExecute"`
}

// Listing 是注册表的一次快照。
type Listing struct {
	AllOperators []Summary `json:"allOperators"`
}

// Summarize 从算子配置生成 Summary。
func Summarize(op Operator) Summary {
	cfg := op.Config()
	label := cfg.Label
	if label == "" {
		label = cfg.Name
	}
	return Summary{
		URI:         op.URI(),
		Name:        cfg.Name,
		Label:       label,
		Description: cfg.Description,
		Unlisted:    cfg.Unlisted,
		CanExecute:  cfg.CanExecute,
	}
}

// Registry 按 URI 保存算子，并发安全。
type Registry struct {
	mu    sync.RWMutex
	order []string
	ops   map[string]Operator
	log   *slog.Logger
}

// NewRegistry 创建空的算子注册表。
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operator), log: logger.Named("operator.registry")}
}

// Register 注册算子。URI 非法或已存在时返回错误。
func (r *Registry) Register(op Operator) error {
	if op == nil {
		return xerrors.New(xerrors.CodeRegistrationInvalid, "operator is nil")
	}
	uri := op.URI()
	if _, _, err := SplitURI(uri); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[uri]; exists {
		return xerrors.Newf(xerrors.CodeConflict, "operator %s already registered", uri)
	}
	r.ops[uri] = op
	r.order = append(r.order, uri)
	r.log.Debug("算子已注册", slog.String("operator", uri))
	return nil
}

// Unregister 移除算子并返回是否存在。
func (r *Registry) Unregister(uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ops[uri]
	if ok {
		delete(r.ops, uri)
		r.dropOrder(uri)
	}
	return ok
}

func (r *Registry) dropOrder(uri string) {
	for i, u := range r.order {
		if u == uri {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// UnregisterNamespace 移除某个插件命名空间下的全部算子，返回移除数量。
func (r *Registry) UnregisterNamespace(namespace string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for uri := range r.ops {
		ns, _, err := SplitURI(uri)
		if err == nil && ns == namespace {
			delete(r.ops, uri)
			r.dropOrder(uri)
			removed++
		}
	}
	return removed
}

// Get 按 URI 查找算子，不存在时返回 CodeOperatorNotFound。
func (r *Registry) Get(uri string) (Operator, error) {
	r.mu.RLock()
	op, ok := r.ops[uri]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeOperatorNotFound, "operator %s not found", uri)
	}
	return op, nil
}

// List 按注册顺序返回全部算子摘要，包括 unlisted。
func (r *Registry) List() Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.order))
	for _, uri := range r.order {
		out = append(out, Summarize(r.ops[uri]))
	}
	return Listing{AllOperators: out}
}

// Len 返回已注册数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}
