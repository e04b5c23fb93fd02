package client

import (
	"context"
	"time"

	"pkt.systems/muxd/schema"
)

// Status is the server_status result.
type Status struct {
	Version      string    `json:"version"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	Uptime       float64   `json:"uptime"`
	SessionCount int       `json:"session_count"`
	PaneCount    int       `json:"pane_count"`
	Connections  int       `json:"connections"`
}

// ReadResult is the pane.read result with data decoded.
type ReadResult struct {
	Data          []byte
	FirstSequence uint64
	NextSequence  uint64
	Truncated     bool
}

// Subscription is the pane.subscribe result.
type Subscription struct {
	SubscriptionID schema.SubscriptionID `json:"subscription_id"`
	NextSequence   uint64                `json:"next_sequence"`
}

// Status calls server_status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.Call(ctx, "server_status", nil, &st)
	return st, err
}

// Shutdown calls server_shutdown.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, "server_shutdown", nil, nil)
}

// CreateSession calls session.create.
func (c *Client) CreateSession(ctx context.Context, name string) (schema.SessionSnapshot, error) {
	var sess schema.SessionSnapshot
	err := c.Call(ctx, "session.create", schema.CreateSessionRequest{Name: name}, &sess)
	return sess, err
}

// CreatePane calls pane.create.
func (c *Client) CreatePane(ctx context.Context, req schema.CreatePaneRequest) (schema.PaneSnapshot, error) {
	var pane schema.PaneSnapshot
	err := c.Call(ctx, "pane.create", req, &pane)
	return pane, err
}

// Write sends raw bytes to a pane.
func (c *Client) Write(ctx context.Context, paneID schema.PaneID, data []byte) error {
	encoded, encoding := schema.EncodeData(data)
	return c.Call(ctx, "pane.write", map[string]any{
		"pane_id":  paneID,
		"data":     encoded,
		"encoding": encoding,
	}, nil)
}

// Read calls pane.read from the given sequence.
func (c *Client) Read(ctx context.Context, paneID schema.PaneID, since uint64) (ReadResult, error) {
	var raw struct {
		Data          string `json:"data"`
		Encoding      string `json:"encoding"`
		FirstSequence uint64 `json:"first_sequence"`
		NextSequence  uint64 `json:"next_sequence"`
		Truncated     bool   `json:"truncated"`
	}
	params := schema.ReadPaneRequest{PaneID: paneID, SinceSequence: since}
	if err := c.Call(ctx, "pane.read", params, &raw); err != nil {
		return ReadResult{}, err
	}
	data, err := schema.DecodeData(raw.Data, raw.Encoding)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Data: data, FirstSequence: raw.FirstSequence, NextSequence: raw.NextSequence, Truncated: raw.Truncated}, nil
}

// Subscribe calls pane.subscribe. A nil since streams live output only.
func (c *Client) Subscribe(ctx context.Context, paneID schema.PaneID, since *uint64) (Subscription, error) {
	params := map[string]any{"pane_id": paneID}
	if since != nil {
		params["since_sequence"] = *since
	}
	var sub Subscription
	err := c.Call(ctx, "pane.subscribe", params, &sub)
	return sub, err
}

// SaveState calls state.save and returns the snapshot id.
func (c *Client) SaveState(ctx context.Context) (schema.SnapshotID, error) {
	var out struct {
		SnapshotID schema.SnapshotID `json:"snapshot_id"`
	}
	err := c.Call(ctx, "state.save", nil, &out)
	return out.SnapshotID, err
}

// RestoreState calls state.restore. An empty id restores the latest snapshot.
func (c *Client) RestoreState(ctx context.Context, id schema.SnapshotID) (schema.RestoreReport, error) {
	var report schema.RestoreReport
	err := c.Call(ctx, "state.restore", schema.RestoreStateRequest{SnapshotID: id}, &report)
	return report, err
}
