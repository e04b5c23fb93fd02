package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pkt.systems/muxd/internal/rpc"
	"pkt.systems/muxd/schema"
)

type methodFunc func(ctx context.Context, c *conn, params json.RawMessage) (any, error)

func (s *Server) methodTable() map[string]methodFunc {
	return map[string]methodFunc{
		"session.create":          s.sessionCreate,
		"session.list":            s.sessionList,
		"session.get":             s.sessionGet,
		"session.delete":          s.sessionDelete,
		"session.rename":          s.sessionRename,
		"session.set_active_pane": s.sessionSetActivePane,

		"pane.create":      s.paneCreate,
		"pane.write":       s.paneWrite,
		"pane.resize":      s.paneResize,
		"pane.read":        s.paneRead,
		"pane.kill":        s.paneKill,
		"pane.info":        s.paneInfo,
		"pane.list":        s.paneList,
		"pane.search":      s.paneSearch,
		"pane.set_title":   s.paneSetTitle,
		"pane.restart":     s.paneRestart,
		"pane.subscribe":   s.paneSubscribe,
		"pane.unsubscribe": s.paneUnsubscribe,

		"state.save":    s.stateSave,
		"state.restore": s.stateRestore,
		"state.list":    s.stateList,

		"server_status":   s.serverStatus,
		"server_shutdown": s.serverShutdown,
		"server.ping":     s.serverPing,
	}
}

// Methods lists the registered method names.
func (s *Server) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	return names
}

func decode(params json.RawMessage, dst any) error {
	if err := rpc.DecodeParams(params, dst); err != nil {
		return err
	}
	return nil
}

func requireID[T ~string](name string, id T) error {
	if id == "" {
		return fmt.Errorf("%w: %s is required", schema.ErrInvalidRequest, name)
	}
	return nil
}

func (s *Server) sessionCreate(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.CreateSessionRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	resp, err := s.service.CreateSession(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (s *Server) sessionList(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	resp, err := s.service.ListSessions(ctx, schema.ListSessionsRequest{})
	if err != nil {
		return nil, err
	}
	if resp.Sessions == nil {
		return []schema.SessionSnapshot{}, nil
	}
	return resp.Sessions, nil
}

func (s *Server) sessionGet(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.GetSessionRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if err := requireID("id", req.ID); err != nil {
		return nil, err
	}
	resp, err := s.service.GetSession(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (s *Server) sessionDelete(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	var req schema.DeleteSessionRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if err := requireID("id", req.ID); err != nil {
		return nil, err
	}
	resp, err := s.service.DeleteSession(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Failed) > 0 {
		c.log.Warn("rpc session delete left orphans", "session", req.ID, "orphans", len(resp.Failed))
	}
	return nil, nil
}

func (s *Server) sessionRename(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.RenameSessionRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if err := requireID("id", req.ID); err != nil {
		return nil, err
	}
	resp, err := s.service.RenameSession(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (s *Server) sessionSetActivePane(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.SetActivePaneRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if err := requireID("id", req.ID); err != nil {
		return nil, err
	}
	resp, err := s.service.SetActivePane(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (s *Server) paneCreate(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.CreatePaneRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if err := requireID("session_id", req.SessionID); err != nil {
		return nil, err
	}
	resp, err := s.service.CreatePane(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Pane, nil
}

type writeParams struct {
	PaneID   schema.PaneID `json:"pane_id"`
	Data     string        `json:"data"`
	Encoding string        `json:"encoding,omitempty"`
}

func (s *Server) paneWrite(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p writeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := requireID("pane_id", p.PaneID); err != nil {
		return nil, err
	}
	data, err := schema.DecodeData(p.Data, p.Encoding)
	if err != nil {
		return nil, err
	}
	return nil, s.service.WritePane(ctx, schema.WritePaneRequest{PaneID: p.PaneID, Data: data})
}

func (s *Server) paneResize(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.ResizePaneRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if err := requireID("pane_id", req.PaneID); err != nil {
		return nil, err
	}
	return nil, s.service.ResizePane(ctx, req)
}

type readResult struct {
	Data          string `json:"data"`
	Encoding      string `json:"encoding"`
	FirstSequence uint64 `json:"first_sequence"`
	NextSequence  uint64 `json:"next_sequence"`
	Truncated     bool   `json:"truncated,omitempty"`
}

func (s *Server) paneRead(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.ReadPaneRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if err := requireID("pane_id", req.PaneID); err != nil {
		return nil, err
	}
	resp, err := s.service.ReadPane(ctx, req)
	if err != nil {
		return nil, err
	}
	data, encoding := schema.EncodeData(resp.Data)
	return readResult{
		Data:          data,
		Encoding:      encoding,
		FirstSequence: resp.FirstSequence,
		NextSequence:  resp.NextSequence,
		Truncated:     resp.Truncated,
	}, nil
}

func (s *Server) paneKill(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.ClosePaneRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if err := requireID("pane_id", req.PaneID); err != nil {
		return nil, err
	}
	if _, err := s.service.ClosePane(ctx, req); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) paneInfo(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.GetPaneRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if err := requireID("pane_id", req.PaneID); err != nil {
		return nil, err
	}
	resp, err := s.service.GetPane(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Pane, nil
}

func (s *Server) paneList(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.ListPanesRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if err := requireID("session_id", req.SessionID); err != nil {
		return nil, err
	}
	resp, err := s.service.ListPanes(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Panes == nil {
		return []schema.PaneSnapshot{}, nil
	}
	return resp.Panes, nil
}

func (s *Server) paneSearch(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.SearchPaneRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if err := requireID("pane_id", req.PaneID); err != nil {
		return nil, err
	}
	resp, err := s.service.SearchPane(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Matches == nil {
		return []schema.SearchMatch{}, nil
	}
	return resp.Matches, nil
}

func (s *Server) paneSetTitle(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.SetPaneTitleRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if err := requireID("pane_id", req.PaneID); err != nil {
		return nil, err
	}
	resp, err := s.service.SetPaneTitle(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Pane, nil
}

func (s *Server) paneRestart(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.RestartPaneRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if err := requireID("pane_id", req.PaneID); err != nil {
		return nil, err
	}
	resp, err := s.service.RestartPane(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Pane, nil
}

type subscribeParams struct {
	PaneID        schema.PaneID `json:"pane_id"`
	SinceSequence *uint64       `json:"since_sequence,omitempty"`
}

type subscribeResult struct {
	SubscriptionID schema.SubscriptionID `json:"subscription_id"`
	NextSequence   uint64                `json:"next_sequence"`
}

func (s *Server) paneSubscribe(_ context.Context, c *conn, params json.RawMessage) (any, error) {
	var p subscribeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := requireID("pane_id", p.PaneID); err != nil {
		return nil, err
	}
	id, next, err := s.dispatcher.Subscribe(c.sub, p.PaneID, p.SinceSequence)
	if err != nil {
		return nil, err
	}
	return subscribeResult{SubscriptionID: id, NextSequence: next}, nil
}

type unsubscribeParams struct {
	SubscriptionID schema.SubscriptionID `json:"subscription_id"`
}

func (s *Server) paneUnsubscribe(_ context.Context, c *conn, params json.RawMessage) (any, error) {
	var p unsubscribeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := requireID("subscription_id", p.SubscriptionID); err != nil {
		return nil, err
	}
	// Subscriptions of other connections look absent.
	if !s.dispatcher.Owns(c.sub, p.SubscriptionID) {
		return nil, schema.ErrSubscriptionNotFound
	}
	return nil, s.dispatcher.Unsubscribe(p.SubscriptionID)
}

type saveResult struct {
	SnapshotID  schema.SnapshotID `json:"snapshot_id"`
	SavedAt     time.Time         `json:"saved_at"`
	Compression string            `json:"compression"`
	Size        int64             `json:"size"`
}

func (s *Server) stateSave(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	resp, err := s.service.SaveState(ctx)
	if err != nil {
		return nil, err
	}
	info := resp.Snapshot
	return saveResult{SnapshotID: info.ID, SavedAt: info.SavedAt, Compression: info.Compression, Size: info.Size}, nil
}

func (s *Server) stateRestore(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var req schema.RestoreStateRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	report, err := s.service.RestoreState(ctx, req)
	if err != nil {
		return nil, err
	}
	if report.Restored == nil {
		report.Restored = []schema.PaneID{}
	}
	if report.Failed == nil {
		report.Failed = []schema.PaneRestoreFailure{}
	}
	if report.Sessions == nil {
		report.Sessions = []schema.SessionID{}
	}
	return report, nil
}

func (s *Server) stateList(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	infos, err := s.service.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	if infos == nil {
		return []schema.SnapshotInfo{}, nil
	}
	return infos, nil
}

type statusResult struct {
	Version      string    `json:"version"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	Uptime       float64   `json:"uptime"`
	SessionCount int       `json:"session_count"`
	PaneCount    int       `json:"pane_count"`
	Connections  int       `json:"connections"`
}

func (s *Server) serverStatus(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	st := s.service.Status(ctx)
	return statusResult{
		Version:      st.Version,
		PID:          st.PID,
		StartedAt:    st.StartedAt,
		Uptime:       st.Uptime.Seconds(),
		SessionCount: st.SessionCount,
		PaneCount:    st.PaneCount,
		Connections:  s.Connections(),
	}, nil
}

func (s *Server) serverShutdown(_ context.Context, c *conn, _ json.RawMessage) (any, error) {
	c.log.Info("rpc shutdown requested")
	if s.onShutdown == nil {
		return nil, fmt.Errorf("%w: shutdown is not available", schema.ErrInvalidState)
	}
	return deferred{after: s.onShutdown}, nil
}

func (s *Server) serverPing(context.Context, *conn, json.RawMessage) (any, error) {
	return "pong", nil
}
