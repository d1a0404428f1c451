package notifier

import (
	"context"
	"errors"
	"strings"

	"defectbot/internal/storage"
	"defectbot/internal/transport"
)

type ResolutionStatus int

const (
	Unknown ResolutionStatus = iota
	Resolved
)

// Resolution is the result of a directory lookup. Unknown is not an error.
type Resolution struct {
	Status  ResolutionStatus
	Name    string
	Address transport.Address
}

// Directory maps a person's display name to a messaging address.
type Directory interface {
	Lookup(ctx context.Context, name string) (Resolution, error)
}

// DirectoryFunc adapts a function to Directory.
type DirectoryFunc func(ctx context.Context, name string) (Resolution, error)

func (f DirectoryFunc) Lookup(ctx context.Context, name string) (Resolution, error) {
	return f(ctx, name)
}

// UserFinder is the subset of storage.Store the directory needs.
type UserFinder interface {
	UserByName(ctx context.Context, name string) (storage.User, error)
}

type storeDirectory struct {
	users UserFinder
}

// NewStoreDirectory resolves names against the subscribed users table.
func NewStoreDirectory(users UserFinder) Directory {
	return storeDirectory{users: users}
}

func (d storeDirectory) Lookup(ctx context.Context, name string) (Resolution, error) {
	u, err := d.users.UserByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return Resolution{Status: Unknown, Name: name}, nil
	}
	if err != nil {
		return Resolution{Name: name}, err
	}
	addr := strings.TrimSpace(u.TelegramID)
	if addr == "" {
		return Resolution{Status: Unknown, Name: name}, nil
	}
	return Resolution{Status: Resolved, Name: name, Address: transport.Address(addr)}, nil
}
