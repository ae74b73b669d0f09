package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/rsmtech/servicereport_backend/models"
)

type accountReader struct {
	accounts models.AccountRepository
}

func (r *accountReader) getAccounts(ctx context.Context, ids []int) []*dataloader.Result[*models.Account] {
	results, err := r.accounts.GetAccountsByIds(ctx, ids)
	if err != nil {
		return handleError[*models.Account](len(ids), err)
	}
	return generateLoaderResults(results, ids)
}

// GetAccount returns single account by id efficiently
func GetAccount(ctx context.Context, id int) (*models.Account, error) {
	loaders := For(ctx)
	return loaders.AccountLoader.Load(ctx, id)()
}

// GetAccounts returns many accounts by ids efficiently
func GetAccounts(ctx context.Context, ids []int) ([]*models.Account, []error) {
	loaders := For(ctx)
	return loaders.AccountLoader.LoadMany(ctx, ids)()
}

// AccountNames resolves ids to usernames in one batch. Unknown ids map to "".
func AccountNames(ctx context.Context, ids []int) map[int]string {
	names := make(map[int]string, len(ids))
	accounts, _ := GetAccounts(ctx, ids)
	for i, a := range accounts {
		if a != nil {
			names[ids[i]] = a.Username
		}
	}
	return names
}
