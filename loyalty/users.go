/*
users.go - Account registration and administration

PURPOSE:
  Creates, reads and updates users. Cashiers register accounts and
  managers verify them. Managers may grant up to cashier; manager and
  superuser are granted by a superuser only. Bootstrap seeds the first
  superuser for an empty store.

SEE ALSO:
  - types.go: Role ordering
  - ledger.go: RequireRole
  - balance.go: Points are only moved through the Balance Store
*/
package loyalty

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var utoridPattern = regexp.MustCompile(`^[a-z0-9]{7,8}$`)

type CreateUserInput struct {
	Actor  Actor
	Utorid string
	Name   string
	Email  string
}

// CreateUser registers a regular, unverified user with a zero balance.
// Cashiers and above may register users.
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	if err := RequireRole(in.Actor, RoleCashier); err != nil {
		return nil, err
	}
	u := &User{
		Utorid:    strings.ToLower(strings.TrimSpace(in.Utorid)),
		Name:      strings.TrimSpace(in.Name),
		Email:     strings.TrimSpace(in.Email),
		Role:      RoleRegular,
		CreatedAt: s.now(),
	}
	if !utoridPattern.MatchString(u.Utorid) {
		return nil, fmt.Errorf("%w: utorid must be 7-8 alphanumeric characters", ErrInvalidInput)
	}
	if u.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	err := s.withTx(ctx, "create_user", func(st Store) error {
		u.ID = s.ids.NextID()
		return st.CreateUser(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("user created", zap.String("utorid", u.Utorid), zap.String("by", in.Actor.Utorid))
	return u, nil
}

// GetUser returns a user to themselves or to cashiers and above.
func (s *Service) GetUser(ctx context.Context, actor Actor, utorid string) (*User, error) {
	if actor.Utorid != utorid {
		if err := RequireRole(actor, RoleCashier); err != nil {
			return nil, err
		}
	}
	return s.store.GetUser(ctx, utorid)
}

type UpdateUserInput struct {
	Actor      Actor
	Utorid     string
	Role       *Role
	Verified   *bool
	Suspicious *bool
}

// UpdateUser changes role and flags. Managers may grant up to cashier;
// only a superuser may grant manager or superuser.
func (s *Service) UpdateUser(ctx context.Context, in UpdateUserInput) (*User, error) {
	if err := RequireRole(in.Actor, RoleManager); err != nil {
		return nil, err
	}
	if in.Role != nil {
		if !in.Role.Valid() {
			return nil, fmt.Errorf("%w: role %d", ErrInvalidInput, *in.Role)
		}
		if *in.Role >= RoleManager {
			if err := RequireRole(in.Actor, RoleSuperuser); err != nil {
				return nil, err
			}
		}
	}
	if in.Verified != nil && !*in.Verified {
		return nil, fmt.Errorf("%w: users cannot be unverified", ErrInvalidInput)
	}

	var out *User
	err := s.withTx(ctx, "update_user", func(st Store) error {
		if _, err := st.GetUser(ctx, in.Utorid); err != nil {
			return err
		}
		err := st.UpdateUser(ctx, in.Utorid, UserUpdate{
			Role:       in.Role,
			Verified:   in.Verified,
			Suspicious: in.Suspicious,
		})
		if err != nil {
			return err
		}
		out, err = st.GetUser(ctx, in.Utorid)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("user updated", zap.String("utorid", in.Utorid), zap.String("by", in.Actor.Utorid))
	return out, nil
}

// Bootstrap creates a verified superuser without an acting user. It exists
// for the first account of a fresh deployment and for demo seeding.
func (s *Service) Bootstrap(ctx context.Context, utorid, name string) (*User, error) {
	u := &User{
		Utorid:    strings.ToLower(strings.TrimSpace(utorid)),
		Name:      strings.TrimSpace(name),
		Role:      RoleSuperuser,
		Verified:  true,
		CreatedAt: s.now(),
	}
	if !utoridPattern.MatchString(u.Utorid) {
		return nil, fmt.Errorf("%w: utorid must be 7-8 alphanumeric characters", ErrInvalidInput)
	}
	err := s.withTx(ctx, "bootstrap", func(st Store) error {
		u.ID = s.ids.NextID()
		return st.CreateUser(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("superuser bootstrapped", zap.String("utorid", u.Utorid))
	return u, nil
}
