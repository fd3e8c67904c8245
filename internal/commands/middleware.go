package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"midibot/internal/storage"
	logx "midibot/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("cmd", req.Command),
				logx.String("requester", req.Requester()),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				logger.Info("request rejected", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// MWReplyError answers the chat with a user-facing rendering of the
// handler's error.
func MWReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err != nil {
				_ = req.Reply(context.WithoutCancel(ctx), userMessage(err))
			}
			return err
		}
	}
}

// MWAudit appends one audit entry per invocation. A nil store disables it.
func MWAudit(st storage.Store, log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if st == nil {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			e := storage.AuditEntry{
				At:            start,
				ReqID:         req.ReqID,
				ActorID:       req.FromID,
				ActorUsername: req.Requester(),
				ChatID:        req.Chat.ChatID,
				ThreadID:      req.Chat.ThreadID,
				Action:        req.Command,
				Target:        req.RawArgs,
				OK:            err == nil,
				TookMS:        time.Since(start).Milliseconds(),
			}
			if err != nil {
				e.Error = err.Error()
			}
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if aerr := st.AppendAudit(actx, e); aerr != nil {
				log.Warn("audit append failed", logx.String("rid", req.ReqID), logx.Err(aerr))
			}
			return err
		}
	}
}
