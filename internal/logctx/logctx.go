// Package logctx enriches slog records with connection and call data
// carried on the context, so every component logs correlated fields
// without threading them explicitly.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends context-derived
// attribute groups to each record.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("remote_addr", cd.RemoteAddr),
		))
	}

	if cc, ok := ctx.Value(callDataKey{}).(*CallData); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", cc.Method),
			slog.String("id", cc.ID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type connDataKey struct{}

// ConnData identifies the connection an event belongs to.
type ConnData struct {
	ConnID     string
	RemoteAddr string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type callDataKey struct{}

// CallData identifies the in-flight method call.
type CallData struct {
	Method string
	ID     string
}

func WithCallData(ctx context.Context, data *CallData) context.Context {
	return context.WithValue(ctx, callDataKey{}, data)
}
