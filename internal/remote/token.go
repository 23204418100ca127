package remote

import (
	"context"

	"outpost/internal/failure"
)

// StaticToken is a TokenSource backed by a configured bearer token.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", failure.Fatal(failure.ErrUnauthenticated, "no token configured")
	}
	return string(t), nil
}
