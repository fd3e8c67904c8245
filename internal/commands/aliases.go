package commands

import (
	"context"
	"errors"
	"fmt"

	"midibot/internal/coordinator"
	"midibot/internal/storage"
)

// AliasBook exposes a store as the coordinator's alias persistence.
func AliasBook(st storage.Store) coordinator.Aliases { return aliasBook{st: st} }

type aliasBook struct{ st storage.Store }

func (a aliasBook) Exists(ctx context.Context, name string) (bool, error) {
	return a.st.AliasExists(ctx, name)
}

func (a aliasBook) Save(ctx context.Context, alias, request string) error {
	err := a.st.SaveAlias(ctx, alias, request)
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%w: %q", coordinator.ErrAliasConflict, alias)
	}
	return err
}
