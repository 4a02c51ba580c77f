package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/internal/executor"
	"OperatorHub/internal/invocation"
	"OperatorHub/internal/observability/metrics"
	"OperatorHub/internal/operator"
	"OperatorHub/internal/remote"
	"OperatorHub/pkg/logger"
	"OperatorHub/pkg/plugin"
)

// DefinitionSource 提供当前已安装插件的元数据，通常是 plugin.Manager。
type DefinitionSource interface {
	Definitions() []plugin.Definition
}

// Placer 是算子可选实现的接口，声明自己在当前上下文下的界面插入点。
type Placer interface {
	Placement(ctx context.Context, ectx *operator.ExecutionContext) (remote.Placement, bool)
}

// InvocationRequest 是执行、解析、放置与入队接口共用的请求体。
type InvocationRequest struct {
	OperatorURI string         `json:"operator_uri"`
	Params      map[string]any `json:"params"`
	State       operator.State `json:"state"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr      string
	operators *operator.Registry
	plugins   DefinitionSource
	queue     *invocation.Queue
	history   *operator.History
	settings  *plugin.SettingsResolver
	execOpts  []executor.Option
	prompts   promptStore
	log       *slog.Logger
}

// Option 定制 Server。
type Option func(*Server)

// WithDefinitions 设置 /plugins 的数据来源。
func WithDefinitions(src DefinitionSource) Option {
	return func(s *Server) { s.plugins = src }
}

// WithQueue 启用 /queue 接口，并让远程执行的算子可以排队调用其他算子。
func WithQueue(q *invocation.Queue) Option {
	return func(s *Server) { s.queue = q }
}

// WithHistory 让 /operators?q= 的排序参考最近执行记录。
func WithHistory(h *operator.History) Option {
	return func(s *Server) { s.history = h }
}

// WithSettings 启用 /plugins/{name}/settings 接口。
func WithSettings(r *plugin.SettingsResolver) Option {
	return func(s *Server) { s.settings = r }
}

// WithExecutorOptions 附加到每次远程执行的执行器选项。
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(s *Server) { s.execOpts = append(s.execOpts, opts...) }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, operators *operator.Registry, opts ...Option) *Server {
	s := &Server{addr: addr, operators: operators, log: logger.Named("api")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /plugins", s.instrument("plugins", http.HandlerFunc(s.handlePlugins)))
	mux.Handle("GET /plugins/{name...}", s.instrument("plugin_settings", http.HandlerFunc(s.handlePluginSettings)))
	mux.Handle("POST /placements", s.instrument("placements", http.HandlerFunc(s.handlePlacements)))
	mux.Handle("GET /operators", s.instrument("operators", http.HandlerFunc(s.handleOperators)))
	mux.Handle("POST /operators/resolve-input", s.instrument("resolve_input", http.HandlerFunc(s.handleResolveInput)))
	mux.Handle("POST /operators/execute", s.instrument("execute", http.HandlerFunc(s.handleExecute)))
	mux.Handle("GET /queue", s.instrument("queue", http.HandlerFunc(s.handleQueueSnapshot)))
	mux.Handle("POST /queue", s.instrument("queue", http.HandlerFunc(s.handleEnqueue)))
	mux.Handle("GET /queue/{id}", s.instrument("queue_item", http.HandlerFunc(s.handleQueueItem)))
	mux.Handle("POST /prompts", s.instrument("prompts", http.HandlerFunc(s.handleOpenPrompt)))
	mux.Handle("GET /prompts/{id}", s.instrument("prompt", http.HandlerFunc(s.handleGetPrompt)))
	mux.Handle("PUT /prompts/{id}/params", s.instrument("prompt_params", http.HandlerFunc(s.handleSetPromptParams)))
	mux.Handle("POST /prompts/{id}/execute", s.instrument("prompt_execute", http.HandlerFunc(s.handleExecutePrompt)))
	mux.Handle("DELETE /prompts/{id}", s.instrument("prompt", http.HandlerFunc(s.handleClosePrompt)))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	defs := []plugin.Definition{}
	if s.plugins != nil {
		defs = append(defs, s.plugins.Definitions()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": defs})
}

// handlePluginSettings 返回合并后的插件设置。插件名可能带有 "@scope/" 前缀，
// 因此路径形如 /plugins/@acme/tools/settings。
func (s *Server) handlePluginSettings(w http.ResponseWriter, r *http.Request) {
	name, ok := strings.CutSuffix(r.PathValue("name"), "/settings")
	if !ok || name == "" {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "unknown plugin resource"))
		return
	}
	if s.settings == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "插件设置未启用"))
		return
	}
	if s.plugins != nil {
		found := false
		for _, def := range s.plugins.Definitions() {
			if def.Name == name {
				found = true
				break
			}
		}
		if !found {
			writeError(w, xerrors.Newf(xerrors.CodeNotFound, "plugin %s is not installed", name))
			return
		}
	}
	merged, err := s.settings.Resolve(r.Context(), name, r.URL.Query().Get("dataset"), nil)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeStorageFailure, err, "resolve plugin settings"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugin": name, "settings": merged})
}

func (s *Server) handleOperators(w http.ResponseWriter, r *http.Request) {
	listing := s.operators.List()
	if q := r.URL.Query().Get("q"); q != "" {
		listing.AllOperators = operator.Rank(q, listing.AllOperators, s.history)
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handlePlacements(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	placements := []remote.OperatorPlacement{}
	for _, summary := range s.operators.List().AllOperators {
		op, err := s.operators.Get(summary.URI)
		if err != nil {
			continue
		}
		placer, ok := op.(Placer)
		if !ok {
			continue
		}
		ectx, err := operator.NewExecutionContext(op, req.Params, req.State)
		if err != nil {
			s.log.Warn("构造放置上下文失败", slog.String("operator_uri", summary.URI), slog.Any("error", err))
			continue
		}
		placement, err := operator.Protect(summary.URI, func() (*remote.Placement, error) {
			p, ok := placer.Placement(r.Context(), ectx)
			if !ok {
				return nil, nil
			}
			return &p, nil
		})
		if err != nil {
			s.log.Warn("算子放置计算失败", slog.String("operator_uri", summary.URI), slog.Any("error", err))
			continue
		}
		if placement == nil {
			continue
		}
		placements = append(placements, remote.OperatorPlacement{Placement: *placement, Operator: summary})
	}
	writeJSON(w, http.StatusOK, map[string]any{"placements": placements})
}

func (s *Server) handleResolveInput(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	op, err := s.operators.Get(req.OperatorURI)
	if err != nil {
		writeError(w, err)
		return
	}
	ectx, err := operator.NewExecutionContext(op, req.Params, req.State, s.contextOptions()...)
	var schema *operator.Object
	if err == nil {
		schema, err = operator.Protect(op.URI(), func() (*operator.Object, error) {
			return op.ResolveInput(operator.IntoContext(r.Context(), ectx), ectx)
		})
	}
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeResolutionFailed, err, "resolve input"))
		return
	}
	writeJSON(w, http.StatusOK, remote.ResolveResponse{Schema: schema})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	op, err := s.operators.Get(req.OperatorURI)
	if err != nil {
		writeError(w, err)
		return
	}
	state := req.State
	opts := s.executorOptions(func() operator.State { return state })
	res, err := executor.New(op, opts...).Execute(r.Context(), req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Failed() {
		writeJSON(w, http.StatusOK, remote.ExecuteResponse{Error: apiError(res.Err)})
		return
	}
	writeJSON(w, http.StatusOK, remote.ExecuteResponse{Result: res.Value})
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, _ *http.Request) {
	if !s.queueReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": s.queue.Snapshot(),
		"stats":    s.queue.Stats(),
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !s.queueReady(w) {
		return
	}
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.OperatorURI) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "operator_uri is required"))
		return
	}
	id := s.queue.Enqueue(req.OperatorURI, req.Params)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleQueueItem(w http.ResponseWriter, r *http.Request) {
	if !s.queueReady(w) {
		return
	}
	req, ok := s.queue.Get(r.PathValue("id"))
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "invocation not found"))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) queueReady(w http.ResponseWriter) bool {
	if s.queue == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调用队列未启用"))
		return false
	}
	return true
}

func (s *Server) contextOptions() []operator.ContextOption {
	if s.queue == nil {
		return nil
	}
	return []operator.ContextOption{operator.WithInvoker(s.queue)}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (InvocationRequest, bool) {
	var req InvocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return req, false
	}
	return req, true
}

func apiError(err error) *remote.APIError {
	return &remote.APIError{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeValidationFailed:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeOperatorNotFound:
		status = http.StatusNotFound
	case xerrors.CodeOperatorNotExecutable:
		status = http.StatusForbidden
	case xerrors.CodeConflict, xerrors.CodeAlreadyExecuting:
		status = http.StatusConflict
	case xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	case xerrors.CodeResolutionFailed:
		status = http.StatusUnprocessableEntity
	}
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个路由的请求数、错误数与耗时。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}
