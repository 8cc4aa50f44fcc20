// Package auth defines the boundary between authentication and authorization.
//
// Credential handling lives outside this module. Whatever authenticates a
// request resolves it to an Identity and stores an AuthContext on the request
// context; the RBAC layer only ever reads that context.
//
//	authCtx := &auth.AuthContext{
//		User:   &auth.Identity{ID: user.ID, Username: user.Username, IsActive: true},
//		Method: auth.MethodTrustedHeader,
//	}
//	ctx = contextkeys.WithAuth(ctx, authCtx)
package auth
