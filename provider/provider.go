package provider

import (
	"context"
	"time"

	"github.com/franksops/sharesync/transfer"
)

// Entry is one item returned by a directory listing, local or remote.
type Entry struct {
	Name     string
	FullPath string
	IsDir    bool
	Length   int64
	// LastWrite is the zero time when the store does not report it.
	LastWrite time.Time
}

// Page is one slice of a paged remote listing.
type Page struct {
	Entries   []Entry
	NextToken string
	HasMore   bool
}

// Properties is the metadata probe result for a remote file.
type Properties struct {
	Length int64
	// ContentMD5 is nil when the store does not publish a content hash.
	ContentMD5 []byte
	LastWrite  time.Time
}

// LocalLister lists the local filesystem.
type LocalLister interface {
	ListDirectory(ctx context.Context, path string) ([]Entry, error)
	// GetEntryDetails returns nil and no error when fullPath does not exist.
	GetEntryDetails(ctx context.Context, fullPath string) (*Entry, error)
}

// RemoteLister lists directories in a share.
type RemoteLister interface {
	ListDirectory(ctx context.Context, dir transfer.RemotePath) ([]Entry, error)
	ListDirectoryPage(ctx context.Context, dir transfer.RemotePath, token string, pageSize int) (Page, error)
}

// Share is the byte-level contract of the remote store. Every method is safe
// to retry.
type Share interface {
	RemoteLister

	GetProperties(ctx context.Context, p transfer.RemotePath) (Properties, error)
	Exists(ctx context.Context, p transfer.RemotePath) (bool, error)
	// Create makes (or replaces) a file of the given length. Its contents
	// are undefined until every range has been written.
	Create(ctx context.Context, p transfer.RemotePath, length int64) error
	// CreateDirectory creates p and any missing parents.
	CreateDirectory(ctx context.Context, p transfer.RemotePath) error
	ReadRange(ctx context.Context, p transfer.RemotePath, offset, length int64) ([]byte, error)
	WriteRange(ctx context.Context, p transfer.RemotePath, offset int64, data []byte) error
	Delete(ctx context.Context, p transfer.RemotePath) error
}

// WriteAligner is implemented by shares that only accept range writes at
// multiples of a fixed granularity.
type WriteAligner interface {
	WriteGranularity() int64
}

// ContentHashRecorder is implemented by shares that store the MD5 of an
// object's content when the object is created, and publish it back through
// Properties.ContentMD5.
type ContentHashRecorder interface {
	CreateWithMD5(ctx context.Context, p transfer.RemotePath, length int64, sum []byte) error
}

// pageSize bounds a single listing request when the caller does not care.
const defaultPageSize = 1000

// EndpointHoster is implemented by shares that can name the host serving an
// account, for diagnostics.
type EndpointHoster interface {
	EndpointHost(account string) string
}
