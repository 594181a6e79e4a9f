package provider

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"

	"github.com/spf13/afero"

	"github.com/franksops/sharesync/transfer"
)

// FsShare serves shares from a directory tree laid out as
// <root>/<account>/<share>/<path>. It backs mounted network shares and the
// in-memory share used by tests.
type FsShare struct {
	fs          afero.Fs
	contentHash bool
}

var _ Share = (*FsShare)(nil)

// FsShareOption configures an FsShare.
type FsShareOption func(*FsShare)

// WithContentHashes makes GetProperties publish an MD5 of the file contents.
func WithContentHashes(enabled bool) FsShareOption {
	return func(s *FsShare) {
		s.contentHash = enabled
	}
}

// NewFsShare creates an FsShare over fsys.
func NewFsShare(fsys afero.Fs, opts ...FsShareOption) *FsShare {
	s := &FsShare{fs: fsys}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FsShare) shareRoot(p transfer.RemotePath) (string, error) {
	if p.Account == "" || p.Share == "" {
		return "", &RequestError{StatusCode: 400, Code: "InvalidResourceName", Message: "account and share are required"}
	}
	root := path.Join("/", p.Account, p.Share)
	info, err := s.fs.Stat(root)
	if err != nil || !info.IsDir() {
		return "", notFound("ShareNotFound", "share "+p.Account+"/"+p.Share, err)
	}
	return root, nil
}

func (s *FsShare) resolve(p transfer.RemotePath) (string, error) {
	root, err := s.shareRoot(p)
	if err != nil {
		return "", err
	}
	return path.Join(root, transfer.NormalizeRemote(p.Path)), nil
}

func (s *FsShare) ListDirectory(ctx context.Context, dir transfer.RemotePath) ([]Entry, error) {
	var (
		all   []Entry
		token string
	)
	for {
		page, err := s.ListDirectoryPage(ctx, dir, token, defaultPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Entries...)
		if !page.HasMore {
			return all, nil
		}
		token = page.NextToken
	}
}

// ListDirectoryPage pages through a directory in name order. The token is
// the index of the next entry.
func (s *FsShare) ListDirectoryPage(ctx context.Context, dir transfer.RemotePath, token string, pageSize int) (Page, error) {
	select {
	case <-ctx.Done():
		return Page{}, ctx.Err()
	default:
	}

	full, err := s.resolve(dir)
	if err != nil {
		return Page{}, err
	}
	infos, err := afero.ReadDir(s.fs, full)
	if err != nil {
		return Page{}, s.translate(err, dir)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	start := 0
	if token != "" {
		start, err = strconv.Atoi(token)
		if err != nil || start < 0 {
			return Page{}, &RequestError{StatusCode: 400, Code: "InvalidContinuationToken", Message: "bad continuation token " + token}
		}
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	end := min(start+pageSize, len(infos))

	page := Page{}
	for i := start; i < end; i++ {
		rel := path.Join(transfer.NormalizeRemote(dir.Path), infos[i].Name())
		page.Entries = append(page.Entries, entryFromInfo(rel, infos[i]))
	}
	if end < len(infos) {
		page.HasMore = true
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (s *FsShare) GetProperties(ctx context.Context, p transfer.RemotePath) (Properties, error) {
	full, err := s.resolve(p)
	if err != nil {
		return Properties{}, err
	}
	info, err := s.fs.Stat(full)
	if err != nil {
		return Properties{}, s.translate(err, p)
	}
	if info.IsDir() {
		return Properties{}, &RequestError{StatusCode: 409, Code: "ResourceTypeMismatch", Message: p.String() + " is a directory"}
	}

	props := Properties{Length: info.Size(), LastWrite: info.ModTime()}
	if s.contentHash {
		sum, err := s.md5(ctx, full)
		if err != nil {
			return Properties{}, err
		}
		props.ContentMD5 = sum
	}
	return props, nil
}

func (s *FsShare) md5(ctx context.Context, full string) ([]byte, error) {
	f, err := s.fs.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, contextReader{ctx: ctx, r: f}); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func (s *FsShare) Exists(ctx context.Context, p transfer.RemotePath) (bool, error) {
	full, err := s.resolve(p)
	if err != nil {
		return false, err
	}
	_, err = s.fs.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, s.translate(err, p)
	}
	return true, nil
}

func (s *FsShare) Create(ctx context.Context, p transfer.RemotePath, length int64) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if _, err := s.fs.Stat(path.Dir(full)); err != nil {
		return notFound("ParentNotFound", "parent of "+p.String(), err)
	}
	f, err := s.fs.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return s.translate(err, p)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return fmt.Errorf("failed to size %s: %w", p, err)
	}
	return f.Close()
}

func (s *FsShare) CreateDirectory(ctx context.Context, p transfer.RemotePath) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	return s.fs.MkdirAll(full, 0755)
}

func (s *FsShare) ReadRange(ctx context.Context, p transfer.RemotePath, offset, length int64) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(full)
	if err != nil {
		return nil, s.translate(err, p)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func (s *FsShare) WriteRange(ctx context.Context, p transfer.RemotePath, offset int64, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	f, err := s.fs.OpenFile(full, os.O_RDWR, 0644)
	if err != nil {
		return s.translate(err, p)
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *FsShare) Delete(ctx context.Context, p transfer.RemotePath) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if _, err := s.fs.Stat(full); err != nil {
		return s.translate(err, p)
	}
	return s.fs.RemoveAll(full)
}

func (s *FsShare) translate(err error, p transfer.RemotePath) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return notFound("ResourceNotFound", p.String(), err)
	case errors.Is(err, fs.ErrPermission):
		return &RequestError{StatusCode: 403, Code: "AuthorizationPermissionMismatch", Message: "access to " + p.String() + " denied", Err: err}
	}
	return err
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
