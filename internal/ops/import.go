package ops

import (
	"context"

	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/errors"
	"github.com/hpungsan/casegate/internal/store"
)

// ImportInput contains parameters for the Import operation.
type ImportInput struct {
	Path string           // required
	Mode store.ImportMode // default: error
}

// Import loads an export file. In error mode any malformed line or ID
// collision aborts the import with nothing written; replace overwrites
// existing cases and skip keeps them.
func Import(ctx context.Context, repo *store.Repository, cfg *config.Config, input ImportInput) (*store.ImportResult, error) {
	if err := ValidatePath(input.Path, PathCheckRead, cfg); err != nil {
		return nil, err
	}
	f, err := openFileNoFollowRead(input.Path)
	if err != nil {
		if _, ok := err.(*errors.CaseError); ok {
			return nil, err
		}
		return nil, errors.NewInternal(err)
	}
	defer f.Close()

	return repo.Import(ctx, f, input.Mode)
}
