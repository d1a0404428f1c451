package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Address is a channel-specific recipient id (Telegram: chat id).
type Address string

// Channel delivers composed notifications. Implementations must be safe for
// concurrent use: one dispatch batch sends to several recipients at once.
type Channel interface {
	SendText(ctx context.Context, to Address, text string) error
	// SendPhoto uploads the file referenced by photoRef with caption.
	// A missing file yields an error wrapping ErrPhotoNotFound.
	SendPhoto(ctx context.Context, to Address, photoRef, caption string) error
	Close() error
}

// ErrPhotoNotFound: the referenced photo does not exist on local storage.
var ErrPhotoNotFound = errors.New("photo not found")

// ChannelError wraps a failure reported by the messaging service or the network.
type ChannelError struct {
	Op      string
	Address Address
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s to %s: %v", e.Op, e.Address, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ResolvePhoto maps a stored photo reference ("/uploads/x.jpg") to an absolute
// file path under root, and checks that the file exists. References that
// climb out of root are treated as missing.
func ResolvePhoto(root, ref string) (string, error) {
	rel := strings.TrimLeft(strings.TrimSpace(ref), `/\`)
	if rel == "" {
		return "", fmt.Errorf("%w: empty reference", ErrPhotoNotFound)
	}
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	p := filepath.Join(absRoot, filepath.FromSlash(rel))
	if r, err := filepath.Rel(absRoot, p); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the media root", ErrPhotoNotFound, ref)
	}
	st, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrPhotoNotFound, p)
		}
		return "", err
	}
	if st.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrPhotoNotFound, p)
	}
	return p, nil
}
