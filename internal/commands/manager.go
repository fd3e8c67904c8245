package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"midibot/internal/runtime/supervisor"
	"midibot/internal/storage"
	kit "midibot/internal/transport"
	logx "midibot/pkg/logx"
)

const jobQueueCap = 256

// Manager routes chat messages to registered commands and runs them on a
// bounded worker pool.
type Manager struct {
	mu       sync.RWMutex
	commands map[string]*Command // name and alias -> command
	list     []Command
	owners   []int64

	log     logx.Logger
	adapter kit.Adapter
	store   storage.Store
	appSup  *supervisor.Supervisor
	workers int

	jobs chan func()
}

type Option func(*Manager)

// WithStore enables the audit trail.
func WithStore(st storage.Store) Option { return func(m *Manager) { m.store = st } }

// WithSupervisor runs background work (menu updates) under sup.
func WithSupervisor(sup *supervisor.Supervisor) Option {
	return func(m *Manager) { m.appSup = sup }
}

func WithWorkers(n int) Option { return func(m *Manager) { m.workers = n } }

func NewManager(adapter kit.Adapter, owners []int64, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		commands: map[string]*Command{},
		owners:   append([]int64(nil), owners...),
		log:      log,
		adapter:  adapter,
		workers:  max(runtime.NumCPU(), 2),
		jobs:     make(chan func(), jobQueueCap),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetOwners replaces the owner list. Safe during hot reload.
func (m *Manager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetRegistry installs cmds plus the built-in help command and refreshes the
// chat menu when the adapter supports it.
func (m *Manager) SetRegistry(cmds []Command) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args, req.Owner))
		},
	})

	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" || c.Handle == nil {
			continue
		}
		list = append(list, c)
	}
	slices.SortFunc(list, func(a, b Command) int { return strings.Compare(a.Name, b.Name) })

	byName := make(map[string]*Command, len(list))
	for i := range list {
		byName[list[i].Name] = &list[i]
	}
	// Aliases never shadow a canonical name.
	for i := range list {
		for _, a := range list[i].Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if _, taken := byName[a]; a == "" || taken {
				continue
			}
			byName[a] = &list[i]
		}
	}

	m.mu.Lock()
	m.commands = byName
	m.list = list
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildMenu(list)
	run := func(parent context.Context) error {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
		return nil
	}
	if m.appSup != nil {
		m.appSup.Go("telegram.menu.update", run)
		return
	}
	go func() { _ = run(context.Background()) }()
}

func (m *Manager) lookup(word string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commands[word]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// tryEnqueue is a panic-safe enqueue helper (the jobs channel may be closed).
func (m *Manager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "commands"))),
		supervisor.WithCancelOnError(false),
	)
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
		)
	}

	defer func() {
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.Route(ctx, up)
		}
	}
}

func (m *Manager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// Route parses one update and queues the matching command.
func (m *Manager) Route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	word, args, raw, ok := parseCommandLine(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := m.lookup(word)
	if !ok {
		// Unknown commands stay silent: the bot shares chats with other bots.
		m.log.Debug("unknown command", logx.String("cmd", word), logx.Int64("chat_id", msg.ChatID))
		return
	}
	owner := m.isOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = m.adapter.SendText(ctx, chat, "This command is for the bot owner.", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		RawArgs: raw,
		ReqID:   rid,
		Owner:   owner,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWAudit(m.store, m.log),
		MWReplyError(),
		MWTimeout(cmd.Timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "Busy, try again.", nil)
	}
}
