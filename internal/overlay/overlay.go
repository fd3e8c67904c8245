// Package overlay mirrors playback events to an OSC listener, typically a
// stream overlay or lighting rig.
package overlay

import (
	"context"
	"strings"

	"github.com/hypebeast/go-osc/osc"

	"midibot/internal/clock"
	"midibot/internal/coordinator"
	"midibot/internal/eventbus"
	logx "midibot/pkg/logx"
)

const DefaultPrefix = "/midibot"

type Config struct {
	Host   string
	Port   int
	Prefix string
}

type sender interface {
	Send(packet osc.Packet) error
}

// Publisher converts bus events into OSC messages:
//
//	<prefix>/now_playing  s:type s:tag   (empty strings when idle)
//	<prefix>/queued       s:type i:turn s:tag s:requester
//	<prefix>/clock        i:1|0
//	<prefix>/bar          i:seq
type Publisher struct {
	out    sender
	prefix string
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Publisher {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	return newPublisher(osc.NewClient(host, cfg.Port), cfg.Prefix, log)
}

func newPublisher(out sender, prefix string, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "/" {
		prefix = DefaultPrefix
	}
	return &Publisher{out: out, prefix: prefix, log: log}
}

// Run forwards events from bus until ctx is done.
func (p *Publisher) Run(ctx context.Context, bus eventbus.Bus) error {
	sub, unsub := bus.Subscribe(64)
	defer unsub()
	events := eventbus.Filter(sub,
		eventbus.NowPlayingChanged,
		eventbus.RequestQueued,
		eventbus.ClockStateChanged,
		eventbus.BarStarted,
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			msg := p.message(e)
			if msg == nil {
				continue
			}
			if err := p.out.Send(msg); err != nil {
				p.log.Debug("osc send failed", logx.String("addr", msg.Address), logx.Err(err))
			}
		}
	}
}

func (p *Publisher) message(e eventbus.Event) *osc.Message {
	switch e.Type {
	case eventbus.NowPlayingChanged:
		m := osc.NewMessage(p.prefix + "/now_playing")
		if pl, ok := e.Data.(coordinator.Playing); ok {
			m.Append(string(pl.Type), pl.Tag)
		} else {
			m.Append("", "")
		}
		return m
	case eventbus.RequestQueued:
		info, ok := e.Data.(eventbus.RequestInfo)
		if !ok {
			return nil
		}
		return osc.NewMessage(p.prefix+"/queued", info.Queue, int32(info.Turn), info.Tag, info.Requester)
	case eventbus.ClockStateChanged:
		on, _ := e.Data.(bool)
		var v int32
		if on {
			v = 1
		}
		return osc.NewMessage(p.prefix+"/clock", v)
	case eventbus.BarStarted:
		ev, ok := e.Data.(clock.BarEvent)
		if !ok {
			return nil
		}
		return osc.NewMessage(p.prefix+"/bar", int32(ev.Seq))
	}
	return nil
}
