// Package commands turns chat messages into operations on the performance
// scheduler: request submission, queue management and operator controls.
package commands

import (
	"context"
	"time"

	kit "midibot/internal/transport"
	logx "midibot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// Request is one dispatched command invocation.
type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	// RawArgs is the text after the command word, whitespace preserved.
	RawArgs string
	ReqID   string
	Owner   bool

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Requester is the name queue entries and bans are keyed by.
func (r *Request) Requester() string {
	if r == nil {
		return ""
	}
	return r.Update.Message.Requester()
}

func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}
