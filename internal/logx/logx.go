package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/tabtree/schema"
)

type contextKey int

const (
	windowKey contextKey = iota
	tabKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithWindow annotates the logger with the window id if present.
func WithWindow(ctx context.Context, window schema.WindowID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if window != schema.NoWindow {
		if current, ok := ctx.Value(windowKey).(schema.WindowID); ok && current == window {
			return log
		}
		log = log.With("window", int64(window))
	}
	return log
}

// WithTab annotates the logger with the tab id if present.
func WithTab(ctx context.Context, tab schema.TabID) pslog.Logger {
	return withTab(ctx, pslog.Ctx(ctx), tab)
}

// WithWindowTab annotates the logger with window and tab identifiers.
func WithWindowTab(ctx context.Context, window schema.WindowID, tab schema.TabID) pslog.Logger {
	return withTab(ctx, WithWindow(ctx, window), tab)
}

func withTab(ctx context.Context, log pslog.Logger, tab schema.TabID) pslog.Logger {
	if tab != schema.NoTab {
		if current, ok := ctx.Value(tabKey).(schema.TabID); ok && current == tab {
			return log
		}
		log = log.With("tab", int64(tab))
	}
	return log
}

// WithTxn annotates the logger with a transaction id when available.
func WithTxn(log pslog.Logger, txnID string) pslog.Logger {
	if txnID != "" {
		log = log.With("txn", txnID)
	}
	return log
}

// ContextWithWindow stores the window marker on the context for log de-duplication.
func ContextWithWindow(ctx context.Context, window schema.WindowID) context.Context {
	if ctx == nil || window == schema.NoWindow {
		return ctx
	}
	return context.WithValue(ctx, windowKey, window)
}

// ContextWithTab stores the tab marker on the context for log de-duplication.
func ContextWithTab(ctx context.Context, tab schema.TabID) context.Context {
	if ctx == nil || tab == schema.NoTab {
		return ctx
	}
	return context.WithValue(ctx, tabKey, tab)
}

// ContextWithWindowLogger attaches the logger and window marker to the context.
// The logger should already carry the window field.
func ContextWithWindowLogger(ctx context.Context, log pslog.Logger, window schema.WindowID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithWindow(ctx, window)
}

// CopyContextFields copies window/tab markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if window, ok := src.Value(windowKey).(schema.WindowID); ok && window != schema.NoWindow {
		dst = ContextWithWindow(dst, window)
	}
	if tab, ok := src.Value(tabKey).(schema.TabID); ok && tab != schema.NoTab {
		dst = ContextWithTab(dst, tab)
	}
	return dst
}
