package engine

import (
	"bytes"
	"crypto/md5"
	"hash"
	"io"

	"github.com/spf13/afero"
)

// ChecksumReader wraps an io.Reader to compute an MD5 while reading.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash
	n    int64
}

// NewChecksumReader creates a new ChecksumReader that wraps the given reader.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{
		r:    r,
		hash: md5.New(),
	}
}

// Read reads data from the underlying reader and updates the checksum.
func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n += int64(n)
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the digest of everything read so far.
func (cr *ChecksumReader) Checksum() []byte {
	return cr.hash.Sum(nil)
}

// BytesRead returns the total number of bytes read.
func (cr *ChecksumReader) BytesRead() int64 {
	return cr.n
}

// HashFile computes the MD5 of a local file using buf for reads.
func HashFile(fs afero.Fs, path string, buf []byte) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := NewChecksumReader(f)
	if _, err := io.CopyBuffer(io.Discard, cr, buf); err != nil {
		return nil, err
	}
	return cr.Checksum(), nil
}

// VerifyChecksum compares a local digest against the one the remote
// published.
func VerifyChecksum(path string, expected, actual []byte) error {
	if bytes.Equal(expected, actual) {
		return nil
	}
	return &IntegrityError{Path: path, Expected: expected, Actual: actual}
}
