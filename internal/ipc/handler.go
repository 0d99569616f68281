package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"keypad/internal/config"
	"keypad/internal/health"
	"keypad/internal/journal"
	"keypad/internal/logging"
	"keypad/internal/metrics"
	"keypad/internal/session"
	"keypad/pkg/policy"
)

// DaemonHandler serves the control protocol for a running keypadd. It
// translates protocol messages into session manager calls and maps the
// manager's errors onto wire error codes.
type DaemonHandler struct {
	version    string
	startedAt  time.Time
	socketPath string

	sessions *session.Manager
	registry *policy.Registry
	journal  *journal.Journal
	metrics  *metrics.KeypadMetrics
	checker  *health.Checker

	journalPath string

	// getConfig returns the live configuration, reload rereads it
	// from disk. Either may be nil when the daemon runs without a
	// config file.
	getConfig    func() *config.Config
	reload       func() error
	configSource string

	log *logging.Logger
}

// DaemonHandlerConfig wires a DaemonHandler into the daemon.
// Sessions is required, everything else degrades gracefully when
// absent.
type DaemonHandlerConfig struct {
	Version      string
	StartedAt    time.Time
	SocketPath   string
	Sessions     *session.Manager
	Registry     *policy.Registry
	Journal      *journal.Journal
	JournalPath  string
	Checker      *health.Checker
	GetConfig    func() *config.Config
	Reload       func() error
	ConfigSource string
	Logger       *logging.Logger
}

// NewDaemonHandler creates the daemon-side message handler.
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	h := &DaemonHandler{
		version:      cfg.Version,
		startedAt:    cfg.StartedAt,
		socketPath:   cfg.SocketPath,
		sessions:     cfg.Sessions,
		registry:     cfg.Registry,
		journal:      cfg.Journal,
		journalPath:  cfg.JournalPath,
		checker:      cfg.Checker,
		getConfig:    cfg.GetConfig,
		reload:       cfg.Reload,
		configSource: cfg.ConfigSource,
		log:          cfg.Logger,
	}
	if h.startedAt.IsZero() {
		h.startedAt = time.Now()
	}
	if h.registry == nil {
		h.registry = policy.DefaultRegistry
	}
	if h.sessions != nil {
		h.metrics = h.sessions.Metrics()
	} else {
		h.metrics = metrics.NewKeypadMetrics(nil)
	}
	if h.log == nil {
		h.log = logging.Default().WithComponent("ipc")
	}
	return h
}

// HandleMessage implements Handler.
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatus:
		return h.handleStatus(msg), nil
	case MsgHealth:
		return h.handleHealth(ctx, msg), nil
	case MsgMetrics:
		return h.handleMetrics(msg), nil

	case MsgOpenSession:
		return h.handleOpenSession(msg), nil
	case MsgCloseSession:
		return h.handleCloseSession(msg), nil
	case MsgListSessions:
		return h.handleListSessions(msg), nil

	case MsgPress:
		return h.handlePress(msg), nil
	case MsgDelete:
		return h.handleDelete(msg), nil
	case MsgText:
		return h.handleText(msg), nil
	case MsgCommit:
		return h.handleCommit(msg), nil
	case MsgReset:
		return h.handleReset(msg), nil

	case MsgSetPolicy:
		return h.handleSetPolicy(msg), nil
	case MsgClearPolicy:
		return h.handleClearPolicy(msg), nil
	case MsgListPolicies:
		return h.handleListPolicies(msg), nil

	case MsgGetConfig:
		return h.handleGetConfig(msg), nil
	case MsgReloadConfig:
		return h.handleReloadConfig(msg), nil

	case MsgHistory:
		return h.handleHistory(msg), nil

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			"unknown message type"), nil
	}
}

// errorCode maps manager and policy errors onto wire codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, session.ErrNotDefined), errors.Is(err, session.ErrNotOpen):
		return ErrNotFound
	case errors.Is(err, session.ErrNotDigit):
		return ErrNotDigit
	case errors.Is(err, session.ErrBadResetText):
		return ErrInvalidRequest
	case errors.Is(err, session.ErrPINMismatch):
		return ErrPINMismatch
	case errors.Is(err, session.ErrPINLocked):
		return ErrPINLocked
	case errors.Is(err, session.ErrNoPIN):
		return ErrCommitRefused
	case errors.Is(err, policy.ErrCommitRejected):
		return ErrCommitRefused
	case errors.Is(err, policy.ErrUnknownPolicy), errors.Is(err, policy.ErrPolicyDisabled):
		return ErrUnknownPolicy
	case errors.Is(err, policy.ErrBadSpec):
		return ErrInvalidRequest
	default:
		return ErrInternal
	}
}

func fail(requestID uint32, err error) *Message {
	return NewErrorMessage(requestID, errorCode(err), err.Error())
}

func reply(msgType MessageType, requestID uint32, v any) *Message {
	m, err := NewResponse(msgType, requestID, v)
	if err != nil {
		return NewErrorMessage(requestID, ErrInternal, "encode response: "+err.Error())
	}
	return m
}

func (h *DaemonHandler) handleStatus(msg *Message) *Message {
	var req StatusRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "bad status request")
		}
	}

	resp := StatusResponse{
		Version:    h.version,
		PID:        os.Getpid(),
		StartedAt:  h.startedAt,
		Uptime:     time.Since(h.startedAt),
		SocketPath: h.socketPath,
		Journal:    h.journalStatus(),
	}
	if req.IncludeSessions {
		resp.Sessions = h.sessions.List()
	}
	if req.IncludeConfig {
		resp.Config = h.configMap()
	}
	return reply(MsgStatusResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) journalStatus() JournalStatus {
	if h.journal == nil {
		return JournalStatus{}
	}
	st := JournalStatus{Enabled: true, Path: h.journalPath}
	if v, err := h.journal.SchemaVersion(); err == nil {
		st.SchemaVersion = v
	}
	if n, err := h.journal.CountCommits(""); err == nil {
		st.Commits = n
	}
	if h.journalPath != "" {
		if fi, err := os.Stat(h.journalPath); err == nil {
			st.SizeBytes = fi.Size()
			h.metrics.SetJournalSize(fi.Size())
		}
	}
	return st
}

// configMap renders the live configuration as a JSON object. The
// config carries no secrets, only paths and tuning knobs.
func (h *DaemonHandler) configMap() map[string]any {
	if h.getConfig == nil {
		return nil
	}
	cfg := h.getConfig()
	if cfg == nil {
		return nil
	}
	raw, err := json.Marshal(cfg.Clone())
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func (h *DaemonHandler) handleHealth(ctx context.Context, msg *Message) *Message {
	var req HealthRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "bad health request")
		}
	}
	if h.checker == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInternal, "health checks not configured")
	}
	rep := h.checker.Report(ctx, req.IncludeComponents)
	return reply(MsgHealthResp, msg.Header.RequestID, rep)
}

func (h *DaemonHandler) handleMetrics(msg *Message) *Message {
	h.metrics.UpdateUptime()
	resp := MetricsResponse{Metrics: h.metrics.Snapshot()}
	return reply(MsgMetricsResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleOpenSession(msg *Message) *Message {
	var req OpenSessionRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Name == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "session name required")
	}
	sum, err := h.sessions.Open(req.Name)
	if err != nil {
		return fail(msg.Header.RequestID, err)
	}
	return reply(MsgOpenSessionResp, msg.Header.RequestID, OpenSessionResponse{Session: sum})
}

func (h *DaemonHandler) handleCloseSession(msg *Message) *Message {
	var req CloseSessionRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Name == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "session name required")
	}
	if err := h.sessions.Close(req.Name); err != nil {
		return fail(msg.Header.RequestID, err)
	}
	return reply(MsgCloseSessionResp, msg.Header.RequestID, CloseSessionResponse{Name: req.Name})
}

func (h *DaemonHandler) handleListSessions(msg *Message) *Message {
	defined := make([]string, 0)
	for _, def := range h.sessions.Definitions() {
		defined = append(defined, def.Name)
	}
	resp := ListSessionsResponse{
		Open:    h.sessions.List(),
		Defined: defined,
	}
	return reply(MsgListSessionsResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handlePress(msg *Message) *Message {
	var req PressRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Session == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "session name required")
	}
	if len(req.Digit) != 1 {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "digit must be a single character")
	}
	out, err := h.sessions.Press(req.Session, req.Digit[0])
	if err != nil {
		return fail(msg.Header.RequestID, err)
	}
	return reply(MsgPressResp, msg.Header.RequestID, EditResponse{
		Applied: out.Applied,
		Text:    out.Text,
		Digits:  out.Digits,
	})
}

func (h *DaemonHandler) handleDelete(msg *Message) *Message {
	var req DeleteRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Session == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "session name required")
	}
	out, err := h.sessions.Delete(req.Session)
	if err != nil {
		return fail(msg.Header.RequestID, err)
	}
	return reply(MsgDeleteResp, msg.Header.RequestID, EditResponse{
		Applied: out.Applied,
		Text:    out.Text,
		Digits:  out.Digits,
	})
}

func (h *DaemonHandler) handleText(msg *Message) *Message {
	var req TextRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Session == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "session name required")
	}
	info, err := h.sessions.Text(req.Session)
	if err != nil {
		return fail(msg.Header.RequestID, err)
	}
	return reply(MsgTextResp, msg.Header.RequestID, TextResponse{
		Text:   info.Text,
		Digits: info.Digits,
		Masked: info.Masked,
	})
}

func (h *DaemonHandler) handleCommit(msg *Message) *Message {
	var req CommitRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Session == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "session name required")
	}
	res, err := h.sessions.Commit(req.Session)
	if err != nil {
		return fail(msg.Header.RequestID, err)
	}
	return reply(MsgCommitResp, msg.Header.RequestID, CommitResponse{
		Value:     res.Value,
		Digits:    res.Digits,
		Policy:    res.Policy,
		JournalID: res.JournalID,
	})
}

func (h *DaemonHandler) handleReset(msg *Message) *Message {
	var req ResetRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Session == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "session name required")
	}
	info, err := h.sessions.Reset(req.Session, req.Text)
	if err != nil {
		return fail(msg.Header.RequestID, err)
	}
	return reply(MsgResetResp, msg.Header.RequestID, TextResponse{
		Text:   info.Text,
		Digits: info.Digits,
		Masked: info.Masked,
	})
}

func (h *DaemonHandler) handleSetPolicy(msg *Message) *Message {
	var req SetPolicyRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Session == "" || req.Policy == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "session and policy required")
	}
	if err := h.sessions.SetPolicy(req.Session, req.Policy); err != nil {
		return fail(msg.Header.RequestID, err)
	}
	return reply(MsgSetPolicyResp, msg.Header.RequestID, SetPolicyResponse{
		Session: req.Session,
		Policy:  req.Policy,
	})
}

func (h *DaemonHandler) handleClearPolicy(msg *Message) *Message {
	var req ClearPolicyRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Session == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "session name required")
	}
	if err := h.sessions.ClearPolicy(req.Session); err != nil {
		return fail(msg.Header.RequestID, err)
	}
	return reply(MsgClearPolicyResp, msg.Header.RequestID, SetPolicyResponse{
		Session: req.Session,
	})
}

func (h *DaemonHandler) handleListPolicies(msg *Message) *Message {
	resp := ListPoliciesResponse{Policies: h.registry.Specs()}
	return reply(MsgListPoliciesResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleGetConfig(msg *Message) *Message {
	cfgMap := h.configMap()
	if cfgMap == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "no configuration loaded")
	}
	resp := GetConfigResponse{Config: cfgMap, Source: h.configSource}
	return reply(MsgGetConfigResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleReloadConfig(msg *Message) *Message {
	if h.reload == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "reload not supported")
	}
	if err := h.reload(); err != nil {
		h.log.Error("config reload failed", "error", err)
		return NewErrorMessage(msg.Header.RequestID, ErrInternal, "reload: "+err.Error())
	}
	h.log.Info("configuration reloaded")
	return reply(MsgReloadConfigResp, msg.Header.RequestID, ReloadConfigResponse{Reloaded: true})
}

func (h *DaemonHandler) handleHistory(msg *Message) *Message {
	var req HistoryRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "bad history request")
		}
	}
	if h.journal == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "journal disabled")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	var resp HistoryResponse
	commits, err := h.journal.RecentCommits(req.Session, limit)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInternal, "read journal: "+err.Error())
	}
	for _, c := range commits {
		resp.Commits = append(resp.Commits, CommitRecord{
			ID:          c.ID,
			Session:     c.Session,
			Value:       c.Value,
			Digits:      c.Digits,
			Secret:      c.Secret,
			Policy:      c.Policy,
			CommittedAt: time.Unix(0, c.CommittedNs),
		})
	}

	if req.Rejections {
		rejections, err := h.journal.RecentRejections(req.Session, limit)
		if err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInternal, "read journal: "+err.Error())
		}
		for _, r := range rejections {
			resp.Rejections = append(resp.Rejections, RejectionRecord{
				ID:         r.ID,
				Session:    r.Session,
				Op:         r.Op,
				Digits:     r.Digits,
				Policy:     r.Policy,
				RejectedAt: time.Unix(0, r.RejectedNs),
			})
		}
	}

	return reply(MsgHistoryResp, msg.Header.RequestID, resp)
}
