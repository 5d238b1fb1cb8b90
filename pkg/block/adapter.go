package block

import (
	"context"
	"errors"
	"io"
)

const (
	BlockstoreTypeS3    = "s3"
	BlockstoreTypeLocal = "local"
	BlockstoreTypeMem   = "mem"
)

var (
	ErrDataNotFound   = errors.New("not found")
	ErrInvalidAddress = errors.New("invalid address")
)

// ObjectPointer locates a blob: StorageNamespace is the bucket, Identifier the key inside it
type ObjectPointer struct {
	StorageNamespace string
	Identifier       string
}

func (p ObjectPointer) String() string {
	return p.StorageNamespace + "/" + p.Identifier
}

// Adapter is the put/get blob service row sets are persisted to. Objects are immutable once
// put: callers never overwrite an identifier.
type Adapter interface {
	Put(ctx context.Context, obj ObjectPointer, sizeBytes int64, reader io.Reader) error
	Get(ctx context.Context, obj ObjectPointer) (io.ReadCloser, error)
	Exists(ctx context.Context, obj ObjectPointer) (bool, error)
	Remove(ctx context.Context, obj ObjectPointer) error
	BlockstoreType() string
}
