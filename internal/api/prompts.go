package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/internal/executor"
	"OperatorHub/internal/operator"
	"OperatorHub/internal/prompt"
	"OperatorHub/internal/remote"
	"OperatorHub/internal/validation"
)

// PromptView 是 /prompts 接口返回的提示状态。ID 只在提示保持打开时出现。
type PromptView struct {
	ID               string                  `json:"id,omitempty"`
	Open             bool                    `json:"open"`
	Ready            bool                    `json:"ready"`
	OperatorURI      string                  `json:"operator_uri"`
	Params           map[string]any          `json:"params,omitempty"`
	InputSchema      *operator.Object        `json:"input_schema,omitempty"`
	OutputSchema     *operator.Object        `json:"output_schema,omitempty"`
	ResolveError     *remote.APIError        `json:"resolve_error,omitempty"`
	OutputError      *remote.APIError        `json:"output_error,omitempty"`
	ValidationErrors []validation.FieldError `json:"validation_errors,omitempty"`
	HasExecuted      bool                    `json:"has_executed"`
	Result           any                     `json:"result,omitempty"`
	Error            *remote.APIError        `json:"error,omitempty"`
}

// promptSession 把一个提示控制器与调用方最近一次提交的宿主状态绑在一起。
type promptSession struct {
	controller *prompt.Controller

	mu    sync.Mutex
	state operator.State
}

func (p *promptSession) currentState() operator.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *promptSession) setState(state operator.State) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

// promptStore 保存仍然打开的提示，关闭后立即移除。
type promptStore struct {
	mu       sync.Mutex
	sessions map[string]*promptSession
}

func (s *promptStore) put(id string, p *promptSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = map[string]*promptSession{}
	}
	s.sessions[id] = p
}

func (s *promptStore) get(id string) (*promptSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[id]
	return p, ok
}

func (s *promptStore) remove(id string) (*promptSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[id]
	delete(s.sessions, id)
	return p, ok
}

func (s *Server) handleOpenPrompt(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	session := &promptSession{state: req.State}
	session.controller = prompt.NewController(s.operators,
		prompt.WithStateProvider(session.currentState),
		prompt.WithExecutorOptions(s.executorOptions(nil)...),
	)
	if err := session.controller.Prompt(r.Context(), req.OperatorURI, req.Params); err != nil {
		writeError(w, err)
		return
	}

	snap := session.controller.Snapshot()
	if !snap.Open {
		writeJSON(w, http.StatusOK, promptView("", snap))
		return
	}
	id := uuid.NewString()
	s.prompts.put(id, session)
	s.log.Debug("提示已打开", slog.String("prompt_id", id), slog.String("operator_uri", req.OperatorURI))
	writeJSON(w, http.StatusCreated, promptView(id, snap))
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, ok := s.prompts.get(id)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "prompt not found"))
		return
	}
	writeJSON(w, http.StatusOK, promptView(id, session.controller.Snapshot()))
}

func (s *Server) handleSetPromptParams(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, ok := s.prompts.get(id)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "prompt not found"))
		return
	}
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	session.setState(req.State)
	session.controller.SetParams(r.Context(), req.Params)
	writeJSON(w, http.StatusOK, promptView(id, session.controller.Snapshot()))
}

func (s *Server) handleExecutePrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, ok := s.prompts.get(id)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "prompt not found"))
		return
	}
	if _, err := session.controller.Execute(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	snap := session.controller.Snapshot()
	if !snap.Open {
		s.prompts.remove(id)
		id = ""
	}
	writeJSON(w, http.StatusOK, promptView(id, snap))
}

func (s *Server) handleClosePrompt(w http.ResponseWriter, r *http.Request) {
	session, ok := s.prompts.remove(r.PathValue("id"))
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "prompt not found"))
		return
	}
	session.controller.Close()
	w.WriteHeader(http.StatusNoContent)
}

// executorOptions 组装一次执行的选项；state 为 nil 时由调用方自行提供状态来源。
func (s *Server) executorOptions(state executor.StateProvider) []executor.Option {
	var opts []executor.Option
	if state != nil {
		opts = append(opts, executor.WithStateProvider(state))
	}
	opts = append(opts, s.execOpts...)
	if s.queue != nil {
		opts = append(opts, executor.WithInvoker(s.queue))
	}
	if s.history != nil {
		opts = append(opts, executor.WithHistory(s.history))
	}
	return opts
}

func promptView(id string, snap prompt.Snapshot) PromptView {
	view := PromptView{
		ID:               id,
		Open:             snap.Open,
		Ready:            snap.Ready,
		OperatorURI:      snap.OperatorURI,
		Params:           snap.Params,
		InputSchema:      snap.InputSchema,
		OutputSchema:     snap.OutputSchema,
		ValidationErrors: snap.Validation.Errors,
		HasExecuted:      snap.HasExecuted,
	}
	if snap.ResolveError != nil {
		view.ResolveError = apiError(snap.ResolveError)
	}
	if snap.OutputError != nil {
		view.OutputError = apiError(snap.OutputError)
	}
	if snap.Result != nil {
		if snap.Result.Failed() {
			view.Error = apiError(snap.Result.Err)
		} else {
			view.Result = snap.Result.Value
		}
	}
	return view
}
