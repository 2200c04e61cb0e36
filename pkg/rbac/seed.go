package rbac

import (
	"context"
	"fmt"

	"github.com/plazahq/plaza/pkg/observability"
)

// Seeder converges the permission catalog and default member role templates
// to the declared platform defaults. Safe to run on every service start and
// under concurrent startups: permission upserts are atomic by key and the
// template sync is convergent, not additive.
type Seeder struct {
	store  *Store
	logger *observability.Logger
}

// NewSeeder creates a seeder. logger may be nil.
func NewSeeder(store *Store, logger *observability.Logger) *Seeder {
	return &Seeder{store: store, logger: logger}
}

// SeedDefaults upserts the permission catalog and syncs each service's
// global member template to own exactly the declared default permission set.
func (s *Seeder) SeedDefaults(ctx context.Context, defaults []ServiceDefaults) error {
	for _, svc := range defaults {
		if err := s.seedService(ctx, svc); err != nil {
			return fmt.Errorf("failed to seed defaults for service %s: %w", svc.Service, err)
		}
	}
	return nil
}

func (s *Seeder) seedService(ctx context.Context, svc ServiceDefaults) error {
	permsByKey := make(map[string]int64, len(svc.Permissions))
	for _, seed := range svc.Permissions {
		perm, err := s.store.UpsertPermission(ctx, seed.Key, seed.Description, svc.Service)
		if err != nil {
			return err
		}
		permsByKey[perm.Key] = perm.ID
	}

	template, err := s.store.EnsureRole(ctx, nil, svc.Service, MemberRoleName, true)
	if err != nil {
		return err
	}

	memberIDs := make([]int64, 0, len(svc.MemberPermissions))
	for _, key := range svc.MemberPermissions {
		id, ok := permsByKey[key]
		if !ok {
			return fmt.Errorf("member permission %s is not in the declared catalog", key)
		}
		memberIDs = append(memberIDs, id)
	}

	if err := s.store.SyncRolePermissions(ctx, template.ID, memberIDs); err != nil {
		return err
	}

	if s.logger != nil {
		s.logger.WithFields(map[string]interface{}{
			"service":     svc.Service,
			"permissions": len(svc.Permissions),
			"member_set":  len(memberIDs),
		}).Info("seeded service defaults")
	}
	return nil
}
