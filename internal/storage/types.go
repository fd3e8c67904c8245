package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrConflict is returned when saving an alias that already exists.
	ErrConflict = errors.New("alias already exists")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": jsonl audit + state snapshot/journal
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the command layer and the app.
type Store interface {
	AliasExists(ctx context.Context, name string) (bool, error)
	GetAlias(ctx context.Context, name string) (request string, ok bool, err error)
	// SaveAlias fails with ErrConflict when name is taken.
	SaveAlias(ctx context.Context, name, request string) error
	DeleteAlias(ctx context.Context, name string) (bool, error)
	ListAliases(ctx context.Context) ([]Alias, error)

	Ban(ctx context.Context, username, by string) error
	Unban(ctx context.Context, username string) (bool, error)
	IsBanned(ctx context.Context, username string) (bool, error)
	ListBans(ctx context.Context) ([]Ban, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

type Alias struct {
	Name    string `json:"name"`
	Request string `json:"request"`
}

type Ban struct {
	Username string    `json:"username"`
	By       string    `json:"by"`
	At       time.Time `json:"at"`
}

// AuditEntry records a chat request or an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ReqID         string    `json:"req_id,omitempty"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	ThreadID      int       `json:"thread_id,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}

// AliasKey normalizes an alias name.
func AliasKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// UserKey normalizes a chat username: trimmed, lower case, without a leading @.
func UserKey(username string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
}
