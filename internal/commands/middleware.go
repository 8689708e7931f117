package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	logx "linkwatch/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

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
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// slowRequest is where a successful request is promoted from debug to info.
// /monitor fetches the page, so it often crosses it.
const slowRequest = 750 * time.Millisecond

// MWRequestLog logs each finished request with the link or index it acted on.
// chat_id, from_id and cmd already ride on req.Logger.
func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log.With(
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int64("from_id", req.FromID),
				logx.String("cmd", req.Command),
			)
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)

			fields := []logx.Field{logx.Duration("dur", time.Since(start))}
			if arg := requestArg(req); arg != "" {
				fields = append(fields, logx.String(argField(req.Command), arg))
			}
			switch {
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case time.Since(start) >= slowRequest:
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// requestArg is the first argument, or the prompt answer when the request
// continues a /monitor or /remove prompt.
func requestArg(req *Request) string {
	if len(req.Args) > 0 {
		return req.Args[0]
	}
	if t := strings.TrimSpace(req.Text); t != "" && !strings.HasPrefix(t, "/") {
		return t
	}
	return ""
}

func argField(cmd string) string {
	switch cmd {
	case "monitor":
		return "url"
	case "remove":
		return "index"
	default:
		return "arg"
	}
}
