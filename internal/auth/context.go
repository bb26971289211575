package auth

import "context"

type contextKey string

const accountContextKey contextKey = "account"

// ContextWithAccount returns a new context with the account stored in it.
func ContextWithAccount(ctx context.Context, account *Account) context.Context {
	if account == nil {
		return ctx
	}
	return context.WithValue(ctx, accountContextKey, account)
}

// AccountFromContext retrieves the account from the context.
// Returns nil if no account is present.
func AccountFromContext(ctx context.Context) *Account {
	if ctx == nil {
		return nil
	}
	account, ok := ctx.Value(accountContextKey).(*Account)
	if !ok {
		return nil
	}
	return account
}
