package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"camgate/internal/auth"
	"camgate/internal/camera"
	"camgate/internal/catalog"
	"camgate/internal/mediamtx"
	"camgate/internal/retention"
	"camgate/internal/session"
)

// methodTable declares every RPC method with its dispatch policy.
// Status-class methods only read cached monitor state; nothing in this
// table probes hardware or calls the relay synchronously except the
// control-class session methods, which carry their own deadlines.
func (s *Server) methodTable() map[string]methodSpec {
	return map[string]methodSpec{
		"ping":         {handler: s.handlePing, public: true},
		"authenticate": {handler: s.handleAuthenticate, public: true},

		"get_camera_list":         {handler: s.handleGetCameraList, public: true},
		"get_camera_status":       {handler: s.handleGetCameraStatus, minRole: auth.RoleViewer},
		"get_camera_capabilities": {handler: s.handleGetCameraCapabilities, minRole: auth.RoleViewer},
		"get_streams":             {handler: s.handleGetStreams, minRole: auth.RoleViewer},
		"list_recordings":         {handler: s.handleListRecordings, minRole: auth.RoleViewer},
		"list_snapshots":          {handler: s.handleListSnapshots, minRole: auth.RoleViewer},
		"subscribe_events":        {handler: s.handleSubscribeEvents, minRole: auth.RoleViewer},
		"unsubscribe_events":      {handler: s.handleUnsubscribeEvents, minRole: auth.RoleViewer},
		"get_status":              {handler: s.handleGetStatus, minRole: auth.RoleViewer},

		"take_snapshot":   {handler: s.handleTakeSnapshot, minRole: auth.RoleOperator},
		"start_recording": {handler: s.handleStartRecording, minRole: auth.RoleOperator},
		"stop_recording":  {handler: s.handleStopRecording, minRole: auth.RoleOperator},

		"get_metrics":          {handler: s.handleGetMetrics, minRole: auth.RoleAdmin},
		"set_retention_policy": {handler: s.handleSetRetentionPolicy, minRole: auth.RoleAdmin},
		"cleanup_old_files":    {handler: s.handleCleanupOldFiles, minRole: auth.RoleAdmin},
	}
}

// mapDomainError translates subsystem failures into wire error codes.
func mapDomainError(err error) *Error {
	switch {
	case errors.Is(err, session.ErrAlreadyRecording):
		return &Error{Code: codeRecordingInProgress, Message: "recording already in progress"}
	case errors.Is(err, session.ErrNoActiveRecording):
		return &Error{Code: codeInvalidParams, Message: "no active recording for device"}
	case errors.Is(err, session.ErrInsufficientStorage):
		return &Error{Code: codeInsufficientStorage, Message: "insufficient storage"}
	case errors.Is(err, mediamtx.ErrUnavailable):
		return &Error{Code: codeRelayUnavailable, Message: "relay service unavailable"}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: codeInternalError, Message: "request timed out"}
	default:
		return &Error{Code: codeInternalError, Message: err.Error()}
	}
}

// resolveDevice maps a wire camera id ("camera0") or raw path to the
// monitor's device entry.
func (s *Server) resolveDevice(id string) (camera.Device, *Error) {
	path, ok := camera.PathForID(id)
	if !ok {
		return camera.Device{}, &Error{Code: codeInvalidParams, Message: "invalid device identifier: " + id}
	}
	dev, ok := s.monitor.Device(path)
	if !ok {
		return camera.Device{}, &Error{Code: codeCameraNotFound, Message: "camera not found: " + id}
	}
	return dev, nil
}

func (s *Server) handlePing(_ context.Context, _ *connection, _ json.RawMessage) (any, *Error) {
	return map[string]any{
		"pong":      true,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

type authenticateParams struct {
	AuthToken string `json:"auth_token"`
}

func (s *Server) handleAuthenticate(_ context.Context, conn *connection, params json.RawMessage) (any, *Error) {
	var p authenticateParams
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	if p.AuthToken == "" {
		return nil, &Error{Code: codeInvalidParams, Message: "auth_token is required"}
	}

	ident, err := s.tokens.Validate(p.AuthToken)
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, auth.ErrTokenExpired) {
			msg = "token expired"
		}
		return nil, &Error{Code: codeAuthRequired, Message: msg}
	}

	conn.authenticate(ident.UserID, string(ident.Role))
	s.log.Info().
		Str("conn_id", conn.id).
		Str("user_id", ident.UserID).
		Str("role", string(ident.Role)).
		Msg("client authenticated")
	return map[string]any{
		"authenticated": true,
		"user_id":       ident.UserID,
		"role":          string(ident.Role),
		"expires_at":    ident.ExpiresAt.UTC().Format(time.RFC3339),
	}, nil
}

// wireCamera is the client-facing projection of a device.
type wireCamera struct {
	ID string `json:"id"`
	camera.Device
}

func (s *Server) toWire(d camera.Device) wireCamera {
	id := camera.IDForPath(d.Path)
	if d.Status == camera.StatusConnected {
		d.Streams = map[string]string{
			"rtsp": s.opts.RTSPBase + "/" + id,
			"hls":  s.opts.HLSBase + "/" + id,
		}
	}
	return wireCamera{ID: id, Device: d}
}

func (s *Server) handleGetCameraList(_ context.Context, _ *connection, _ json.RawMessage) (any, *Error) {
	devices := s.monitor.Devices()
	cameras := make([]wireCamera, 0, len(devices))
	connected := 0
	for _, d := range devices {
		if d.Status == camera.StatusConnected {
			connected++
		}
		cameras = append(cameras, s.toWire(d))
	}
	return map[string]any{
		"cameras":   cameras,
		"total":     len(cameras),
		"connected": connected,
	}, nil
}

type deviceParams struct {
	Device string `json:"device"`
}

func (s *Server) handleGetCameraStatus(_ context.Context, _ *connection, params json.RawMessage) (any, *Error) {
	var p deviceParams
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	dev, errp := s.resolveDevice(p.Device)
	if errp != nil {
		return nil, errp
	}
	return s.toWire(dev), nil
}

func (s *Server) handleGetCameraCapabilities(_ context.Context, _ *connection, params json.RawMessage) (any, *Error) {
	var p deviceParams
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	dev, errp := s.resolveDevice(p.Device)
	if errp != nil {
		return nil, errp
	}
	out := map[string]any{
		"device":           camera.IDForPath(dev.Path),
		"capability_state": string(dev.CapabilityState),
	}
	if dev.Capabilities != nil {
		out["capabilities"] = dev.Capabilities
	}
	return out, nil
}

func (s *Server) handleGetStreams(_ context.Context, _ *connection, _ json.RawMessage) (any, *Error) {
	devices := s.monitor.Devices()
	streams := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		if d.Status != camera.StatusConnected {
			continue
		}
		id := camera.IDForPath(d.Path)
		streams = append(streams, map[string]any{
			"device": id,
			"rtsp":   s.opts.RTSPBase + "/" + id,
			"hls":    s.opts.HLSBase + "/" + id,
			"ready":  s.pathReady(id),
		})
	}
	return map[string]any{"streams": streams, "total": len(streams)}, nil
}

type snapshotParams struct {
	Device  string `json:"device"`
	Format  string `json:"format,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

func (s *Server) handleTakeSnapshot(ctx context.Context, _ *connection, params json.RawMessage) (any, *Error) {
	var p snapshotParams
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	dev, errp := s.resolveDevice(p.Device)
	if errp != nil {
		return nil, errp
	}
	if dev.Status != camera.StatusConnected {
		return nil, &Error{Code: codeCameraNotFound, Message: "camera disconnected: " + p.Device}
	}
	switch p.Format {
	case "", "jpg", "jpeg", "png":
	default:
		return nil, &Error{Code: codeCapabilityUnsupported, Message: "unsupported snapshot format: " + p.Format}
	}

	art, err := s.control.TakeSnapshot(ctx, dev.Path, p.Format, p.Quality)
	if err != nil {
		return nil, mapDomainError(err)
	}
	return map[string]any{
		"device":   p.Device,
		"filename": art.Filename,
		"format":   art.Format,
		"size":     art.SizeBytes,
		"taken_at": art.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

type startRecordingParams struct {
	Device   string  `json:"device"`
	Duration float64 `json:"duration,omitempty"`
	Format   string  `json:"format,omitempty"`
}

func (s *Server) handleStartRecording(ctx context.Context, _ *connection, params json.RawMessage) (any, *Error) {
	var p startRecordingParams
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	if p.Duration < 0 {
		return nil, &Error{Code: codeInvalidParams, Message: "duration must be non-negative"}
	}
	dev, errp := s.resolveDevice(p.Device)
	if errp != nil {
		return nil, errp
	}
	if dev.Status != camera.StatusConnected {
		return nil, &Error{Code: codeCameraNotFound, Message: "camera disconnected: " + p.Device}
	}

	rec, err := s.control.StartRecording(ctx, dev.Path, time.Duration(p.Duration*float64(time.Second)), p.Format)
	if err != nil {
		return nil, mapDomainError(err)
	}
	return rec, nil
}

func (s *Server) handleStopRecording(ctx context.Context, _ *connection, params json.RawMessage) (any, *Error) {
	var p deviceParams
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	path, ok := camera.PathForID(p.Device)
	if !ok {
		return nil, &Error{Code: codeInvalidParams, Message: "invalid device identifier: " + p.Device}
	}

	rec, err := s.control.StopRecording(ctx, path)
	if err != nil {
		return nil, mapDomainError(err)
	}
	return rec, nil
}

type listParams struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func (s *Server) listArtifacts(ctx context.Context, kind catalog.Kind, params json.RawMessage) (any, *Error) {
	var p listParams
	if len(params) > 0 {
		if errp := decodeParams(params, &p); errp != nil {
			return nil, errp
		}
	}
	if s.store == nil {
		return nil, &Error{Code: codeInternalError, Message: "artifact catalog not configured"}
	}
	items, total, err := s.store.List(ctx, kind, p.Limit, p.Offset)
	if err != nil {
		return nil, mapDomainError(err)
	}
	if items == nil {
		items = []catalog.Artifact{}
	}
	return map[string]any{
		"items":  items,
		"total":  total,
		"limit":  p.Limit,
		"offset": p.Offset,
	}, nil
}

func (s *Server) handleListRecordings(ctx context.Context, _ *connection, params json.RawMessage) (any, *Error) {
	return s.listArtifacts(ctx, catalog.KindRecording, params)
}

func (s *Server) handleListSnapshots(ctx context.Context, _ *connection, params json.RawMessage) (any, *Error) {
	return s.listArtifacts(ctx, catalog.KindSnapshot, params)
}

type topicsParams struct {
	Topics []string `json:"topics"`
}

func validTopics(topics []string) *Error {
	if len(topics) == 0 {
		return &Error{Code: codeInvalidParams, Message: "topics is required"}
	}
	for _, t := range topics {
		if t != topicCamera && t != topicRecording {
			return &Error{Code: codeInvalidParams, Message: "unknown topic: " + t}
		}
	}
	return nil
}

func (s *Server) handleSubscribeEvents(_ context.Context, conn *connection, params json.RawMessage) (any, *Error) {
	var p topicsParams
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	if errp := validTopics(p.Topics); errp != nil {
		return nil, errp
	}
	return map[string]any{"subscribed": conn.subscribe(p.Topics)}, nil
}

func (s *Server) handleUnsubscribeEvents(_ context.Context, conn *connection, params json.RawMessage) (any, *Error) {
	var p topicsParams
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	if errp := validTopics(p.Topics); errp != nil {
		return nil, errp
	}
	return map[string]any{"subscribed": conn.unsubscribe(p.Topics)}, nil
}

func (s *Server) handleGetStatus(_ context.Context, _ *connection, _ json.RawMessage) (any, *Error) {
	stats := s.monitor.Stats()
	return map[string]any{
		"uptime_seconds":    time.Since(s.startedAt).Seconds(),
		"relay_healthy":     s.relayUp.Load(),
		"monitor_running":   stats.Running,
		"known_devices":     stats.KnownDevices,
		"active_recordings": len(s.control.Active()),
		"connections":       s.ConnectionCount(),
	}, nil
}

func (s *Server) handleGetMetrics(_ context.Context, _ *connection, _ json.RawMessage) (any, *Error) {
	return map[string]any{
		"monitor":           s.monitor.Stats(),
		"connections":       s.ConnectionCount(),
		"active_recordings": len(s.control.Active()),
		"uptime_seconds":    time.Since(s.startedAt).Seconds(),
	}, nil
}

type retentionParams struct {
	PolicyType   string `json:"policy_type"`
	MaxAgeDays   int    `json:"max_age_days,omitempty"`
	MaxSizeBytes int64  `json:"max_size_bytes,omitempty"`
	Enabled      bool   `json:"enabled"`
}

func (s *Server) handleSetRetentionPolicy(_ context.Context, _ *connection, params json.RawMessage) (any, *Error) {
	var p retentionParams
	if errp := decodeParams(params, &p); errp != nil {
		return nil, errp
	}
	if s.cleaner == nil {
		return nil, &Error{Code: codeInternalError, Message: "retention not configured"}
	}
	policy := retention.Policy{
		Type:         retention.PolicyType(p.PolicyType),
		MaxAgeDays:   p.MaxAgeDays,
		MaxSizeBytes: p.MaxSizeBytes,
		Enabled:      p.Enabled,
	}
	if err := s.cleaner.SetPolicy(policy); err != nil {
		return nil, &Error{Code: codeInvalidParams, Message: err.Error()}
	}
	return map[string]any{"policy": policy}, nil
}

func (s *Server) handleCleanupOldFiles(ctx context.Context, _ *connection, _ json.RawMessage) (any, *Error) {
	if s.cleaner == nil {
		return nil, &Error{Code: codeInternalError, Message: "retention not configured"}
	}
	res, err := s.cleaner.RunOnce(ctx)
	if err != nil {
		return nil, mapDomainError(err)
	}
	return res, nil
}
