package sessionstore

import (
	"context"
	"time"
)

// Object is a stored blob and the version token it was read at.
type Object struct {
	Data    []byte
	Version string
}

// ObjectInfo describes a stored blob without its content.
type ObjectInfo struct {
	Name      string
	Path      string
	Size      int64
	Version   string
	UpdatedAt *time.Time
}

// WriteRequest is one conditional write.
//
// An empty Version means "create": the backend must fail with ErrConflict if the
// path already exists. A non-empty Version must match the stored version.
type WriteRequest struct {
	Path    string
	Data    []byte
	Version string
	Message string
}

// RemoveRequest is one conditional delete; Version is required.
type RemoveRequest struct {
	Path    string
	Version string
	Message string
}

// Backend is the remote object store capability.
type Backend interface {
	Read(ctx context.Context, path string) (Object, error)
	Write(ctx context.Context, req WriteRequest) (version string, err error)
	Remove(ctx context.Context, req RemoveRequest) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	EnsureContainer(ctx context.Context) error
	Ping(ctx context.Context) error
	Name() string
}
