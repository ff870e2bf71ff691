package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// LedgerArchiver exports the ledger to cold storage.
type LedgerArchiver interface {
	// ArchiveLedger writes one object per market describing its snapshot and
	// votes as of at, returning the number of votes written.
	ArchiveLedger(ctx context.Context, at time.Time) (int64, error)
}
