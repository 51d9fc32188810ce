package remindsync

import (
	"context"
)

// RemoteFile is one read of the remote snapshot file: the decoded bytes and
// the version token to thread into the next conditional write.
type RemoteFile struct {
	Content []byte
	Version string
}

// RemoteStore is a versioned single-file content store. Get returns
// (nil, nil) when the file does not exist yet; that is the expected
// first-run state, not an error. Put applies optimistic concurrency: an
// expectedVersion that is no longer current fails with ErrRemoteConflict
// and must not be retried automatically.
type RemoteStore interface {
	Get(ctx context.Context) (*RemoteFile, error)
	Put(ctx context.Context, content []byte, message, expectedVersion string) (string, error)
}

// RemoteFactory builds a remote store from the current settings. The store
// invokes it whenever settings switch remote sync on or change the target.
type RemoteFactory func(settings Settings) (RemoteStore, error)
