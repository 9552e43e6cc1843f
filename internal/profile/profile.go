// Package profile resolves the counterpart profile released after a match.
// Storage of profiles is owned elsewhere; this package only reads them.
package profile

import (
	"context"
	"errors"

	"github.com/bumpxchange/exchange-server/internal/model"
)

var ErrProfileNotFound = errors.New("profile not found")

// Fetcher is the Profile Fetch collaborator.
type Fetcher interface {
	ResolveProfile(ctx context.Context, ref model.ProfileRef) (*model.Profile, error)
}

// resolve applies the sharing category after a backend lookup.
// A ref with no profile id yields an empty profile.
func resolve(ctx context.Context, ref model.ProfileRef, lookup func(context.Context, string) (*model.Profile, error)) (*model.Profile, error) {
	if ref.ProfileID == "" {
		return &model.Profile{Fields: map[string]model.ProfileField{}}, nil
	}

	p, err := lookup(ctx, ref.ProfileID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProfileNotFound
	}
	return p.Filter(ref.SharingCategory), nil
}
