// Package profile resolves author attribution for rendering. A missing user
// is a normal, renderable outcome (the UI shows "Anonymous"), never an error.
package profile

import (
	"context"
	"time"

	"github.com/graph-gophers/dataloader"

	"sproutly/api/internal/store"
)

// Summary is the read-only projection handed to the UI next to each post and
// reply. It never exposes more of the user record than attribution needs.
type Summary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Role        string `json:"role"`
}

// Directory is the user-store boundary: one multi-get per distinct id set.
type Directory interface {
	GetUsersByIDs(ctx context.Context, ids []string) (map[string]store.User, error)
}

type Resolver struct {
	dir Directory
}

func New(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// ResolveSet resolves the distinct author set of one tree pass through a
// single batched directory call. Unknown ids are absent from the result.
// The loader (and its cache) lives only for this call; nothing is cached
// across tree reconstructions.
func (r *Resolver) ResolveSet(ctx context.Context, ids []string) (map[string]Summary, error) {
	distinct := dedupe(ids)
	if len(distinct) == 0 {
		return map[string]Summary{}, nil
	}

	loader := r.newLoader()
	thunk := loader.LoadMany(ctx, dataloader.NewKeysFromStrings(distinct))
	results, errs := thunk()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	summaries := make(map[string]Summary, len(results))
	for _, result := range results {
		summary, ok := result.(*Summary)
		if !ok || summary == nil {
			continue
		}
		summaries[summary.ID] = *summary
	}
	return summaries, nil
}

// Resolve looks up a single author. Returns nil when the user record is
// missing or inaccessible.
func (r *Resolver) Resolve(ctx context.Context, id string) (*Summary, error) {
	if id == "" {
		return nil, nil
	}
	thunk := r.newLoader().Load(ctx, dataloader.StringKey(id))
	result, err := thunk()
	if err != nil {
		return nil, err
	}
	summary, ok := result.(*Summary)
	if !ok {
		return nil, nil
	}
	return summary, nil
}

func (r *Resolver) newLoader() *dataloader.Loader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := make([]string, len(keys))
		for i, key := range keys {
			ids[i] = key.String()
		}

		users, err := r.dir.GetUsersByIDs(ctx, ids)
		results := make([]*dataloader.Result, len(keys))
		if err != nil {
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		for i, id := range ids {
			user, ok := users[id]
			if !ok {
				// Unknown author: normal outcome, not an error.
				results[i] = &dataloader.Result{Data: (*Summary)(nil)}
				continue
			}
			results[i] = &dataloader.Result{Data: &Summary{
				ID:          user.ID,
				DisplayName: user.DisplayName,
				AvatarURL:   user.AvatarURL,
				Role:        user.Role,
			}}
		}
		return results
	}

	return dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(time.Millisecond))
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	distinct := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		distinct = append(distinct, id)
	}
	return distinct
}
