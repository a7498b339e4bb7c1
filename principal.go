package docds

import (
	"context"
	"maps"
)

// PrincipalResolver supplies the caller on whose behalf a request runs.
type PrincipalResolver interface {
	CurrentUser(ctx context.Context) (User, bool)
}

// StaticPrincipal always resolves to the same user.
type StaticPrincipal User

func (p StaticPrincipal) CurrentUser(ctx context.Context) (User, bool) {
	return User(p), p.Email != ""
}

type principalKey struct{}

// WithUser attaches a user to ctx for ContextPrincipal.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, principalKey{}, u)
}

// ContextPrincipal resolves the user attached with WithUser.
type ContextPrincipal struct{}

func (ContextPrincipal) CurrentUser(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(principalKey{}).(User)
	return u, ok && u.Email != ""
}

// fillUsers replaces User values with an empty email, including inside
// lists, with the current user. It returns props unchanged when there is
// nothing to fill.
func fillUsers(props map[string]Value, u User) map[string]Value {
	var out map[string]Value
	for name, v := range props {
		nv, changed := fillUser(v, u)
		if !changed {
			continue
		}
		if out == nil {
			out = maps.Clone(props)
		}
		out[name] = nv
	}
	if out == nil {
		return props
	}
	return out
}

func fillUser(v Value, u User) (Value, bool) {
	switch v := v.(type) {
	case User:
		if v.Email == "" {
			return u, true
		}
	case List:
		var out List
		for i, el := range v {
			if nv, changed := fillUser(el, u); changed {
				if out == nil {
					out = append(List(nil), v...)
				}
				out[i] = nv
			}
		}
		if out != nil {
			return out, true
		}
	}
	return v, false
}
