package gateway

import (
	"context"
	"encoding/json"
	"time"

	"camgate/internal/auth"
)

// handlerFunc executes one method call for an authenticated-enough
// connection. It returns either a result or a wire error.
type handlerFunc func(ctx context.Context, conn *connection, params json.RawMessage) (any, *Error)

// methodSpec declares a method's dispatch policy.
type methodSpec struct {
	handler handlerFunc
	public  bool
	minRole auth.Role
}

// handleMessage parses and dispatches one inbound frame. Runs on its own
// goroutine per message; the response travels through the writer pump.
func (s *Server) handleMessage(ctx context.Context, conn *connection, msg []byte) {
	start := time.Now()

	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		conn.enqueueJSON(errorResponse(nil, codeParseError, "parse error"))
		s.metrics.ObserveRPC("unknown", codeParseError, time.Since(start))
		return
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" || len(req.ID) == 0 {
		conn.enqueueJSON(errorResponse(req.ID, codeInvalidRequest, "invalid request"))
		s.metrics.ObserveRPC(req.Method, codeInvalidRequest, time.Since(start))
		return
	}

	resp := s.dispatch(ctx, conn, req)
	conn.enqueueJSON(resp)

	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	s.metrics.ObserveRPC(req.Method, code, time.Since(start))
}

func (s *Server) dispatch(ctx context.Context, conn *connection, req Request) Response {
	if !conn.limiter.Allow() {
		return errorResponse(req.ID, codeRateLimited, "rate limit exceeded")
	}

	spec, ok := s.methods[req.Method]
	if !ok {
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}

	if !spec.public {
		authed, _, role := conn.identity()
		if !authed {
			return errorResponse(req.ID, codeAuthRequired, "authentication required")
		}
		if !auth.Role(role).Allows(spec.minRole) {
			return errorResponse(req.ID, codeAuthRequired, "insufficient permissions: requires "+string(spec.minRole))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	result, rpcErr := spec.handler(callCtx, conn, req.Params)
	if rpcErr != nil {
		s.log.Debug().
			Str("conn_id", conn.id).
			Str("method", req.Method).
			Int("code", rpcErr.Code).
			Str("error", rpcErr.Message).
			Msg("rpc_error")
		return Response{JSONRPC: jsonrpcVersion, Error: rpcErr, ID: req.ID}
	}
	if err := callCtx.Err(); err != nil {
		return errorResponse(req.ID, codeInternalError, "request timed out")
	}
	return resultResponse(req.ID, result)
}

func decodeParams(params json.RawMessage, dst any) *Error {
	if len(params) == 0 {
		return &Error{Code: codeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &Error{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}
