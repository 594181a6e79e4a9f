package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/franksops/sharesync/transfer"
)

// S3PartSize is the range-write granularity of S3Share. Every range except
// the last must start at a multiple of it, and S3 rejects parts below 5 MiB.
const S3PartSize = 5 * 1024 * 1024

// s3MaxParts is the S3 multipart limit.
const s3MaxParts = 10000

// contentMD5Key is the user metadata key carrying a base64 MD5 of the object.
const contentMD5Key = "content-md5"

// S3Account describes how to reach one account's buckets.
type S3Account struct {
	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	Endpoint string
	// Region is discovered per bucket when empty.
	Region  string
	Profile string
}

// S3Share maps accounts to S3 endpoints and shares to buckets. Range writes
// are staged as multipart uploads that complete once every byte of the
// declared length has been written.
type S3Share struct {
	accounts map[string]S3Account

	mu      sync.Mutex
	clients map[string]*s3.Client
	uploads map[string]*multipartUpload
}

var (
	_ Share               = (*S3Share)(nil)
	_ WriteAligner        = (*S3Share)(nil)
	_ ContentHashRecorder = (*S3Share)(nil)
)

type multipartUpload struct {
	mu       sync.Mutex
	uploadID string
	length   int64
	parts    map[int32]partInfo
}

type partInfo struct {
	etag string
	size int64
}

// NewS3Share creates an S3Share for the given accounts.
func NewS3Share(accounts map[string]S3Account) *S3Share {
	return &S3Share{
		accounts: accounts,
		clients:  make(map[string]*s3.Client),
		uploads:  make(map[string]*multipartUpload),
	}
}

// WriteGranularity implements WriteAligner.
func (p *S3Share) WriteGranularity() int64 {
	return S3PartSize
}

// EndpointHost returns the host name requests for account are sent to.
func (p *S3Share) EndpointHost(account string) string {
	acct := p.accounts[account]
	if acct.Endpoint != "" {
		if u, err := url.Parse(acct.Endpoint); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
		return acct.Endpoint
	}
	if acct.Region != "" {
		return "s3." + acct.Region + ".amazonaws.com"
	}
	return "s3.amazonaws.com"
}

// client returns a client for the account, bound to the bucket's region.
func (p *S3Share) client(ctx context.Context, account, bucket string) (*s3.Client, error) {
	acct, ok := p.accounts[account]
	if !ok {
		return nil, &RequestError{StatusCode: http.StatusNotFound, Code: "AccountNotFound", Message: "no endpoint configured for account " + account}
	}

	cacheKey := account + "/" + bucket
	p.mu.Lock()
	c, ok := p.clients[cacheKey]
	p.mu.Unlock()
	if ok {
		return c, nil
	}

	opts := []func(*config.LoadOptions) error{}
	if acct.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(acct.Profile))
	}
	region := acct.Region
	if region == "" {
		region = "us-east-1"
	}
	opts = append(opts, config.WithRegion(region))

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	withEndpoint := func(o *s3.Options) {
		if acct.Endpoint != "" {
			o.BaseEndpoint = aws.String(acct.Endpoint)
			o.UsePathStyle = true
		}
	}
	c = s3.NewFromConfig(cfg, withEndpoint)

	if acct.Region == "" && acct.Endpoint == "" {
		discovered, err := manager.GetBucketRegion(ctx, c, bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve region of bucket %s: %w", bucket, err)
		}
		if discovered != region {
			cfg.Region = discovered
			c = s3.NewFromConfig(cfg, withEndpoint)
		}
	}

	p.mu.Lock()
	p.clients[cacheKey] = c
	p.mu.Unlock()
	return c, nil
}

// objectKey turns a share-relative path into an S3 key.
func objectKey(pth string) string {
	return transfer.NormalizeRemote(pth)
}

// dirPrefix is the listing prefix for a directory key.
func dirPrefix(pth string) string {
	key := objectKey(pth)
	if key == "" {
		return ""
	}
	return key + "/"
}

func uploadKey(p transfer.RemotePath) string {
	return p.Account + "/" + p.Share + "/" + objectKey(p.Path)
}

// partNumber maps a range offset to its multipart part number.
func partNumber(offset int64) (int32, error) {
	if offset%S3PartSize != 0 {
		return 0, fmt.Errorf("range offset %d is not aligned to %d", offset, S3PartSize)
	}
	n := offset/S3PartSize + 1
	if n > s3MaxParts {
		return 0, fmt.Errorf("range offset %d exceeds the multipart limit", offset)
	}
	return int32(n), nil
}

func (p *S3Share) ListDirectory(ctx context.Context, dir transfer.RemotePath) ([]Entry, error) {
	var (
		all   []Entry
		token string
	)
	for {
		page, err := p.ListDirectoryPage(ctx, dir, token, defaultPageSize)
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

func (p *S3Share) ListDirectoryPage(ctx context.Context, dir transfer.RemotePath, token string, pageSize int) (Page, error) {
	c, err := p.client(ctx, dir.Account, dir.Share)
	if err != nil {
		return Page{}, err
	}
	if pageSize <= 0 || pageSize > defaultPageSize {
		pageSize = defaultPageSize
	}

	prefix := dirPrefix(dir.Path)
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(dir.Share),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(int32(pageSize)),
	}
	if token != "" {
		in.ContinuationToken = aws.String(token)
	}
	out, err := c.ListObjectsV2(ctx, in)
	if err != nil {
		return Page{}, fmt.Errorf("failed to list %q: %w", dir.String(), err)
	}

	var page Page
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		page.Entries = append(page.Entries, Entry{
			Name:     name,
			FullPath: path.Join(objectKey(dir.Path), name),
			IsDir:    true,
		})
	}
	for _, obj := range out.Contents {
		name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
		if name == "" || strings.HasSuffix(name, "/") {
			// directory marker
			continue
		}
		page.Entries = append(page.Entries, Entry{
			Name:      name,
			FullPath:  path.Join(objectKey(dir.Path), name),
			Length:    aws.ToInt64(obj.Size),
			LastWrite: aws.ToTime(obj.LastModified),
		})
	}

	if aws.ToBool(out.IsTruncated) {
		page.HasMore = true
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

func (p *S3Share) GetProperties(ctx context.Context, rp transfer.RemotePath) (Properties, error) {
	if up := p.pending(rp); up != nil {
		return Properties{Length: up.length}, nil
	}

	c, err := p.client(ctx, rp.Account, rp.Share)
	if err != nil {
		return Properties{}, err
	}
	out, err := c.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(rp.Share),
		Key:    aws.String(objectKey(rp.Path)),
	})
	if err != nil {
		return Properties{}, translateS3(err, rp)
	}

	props := Properties{
		Length:    aws.ToInt64(out.ContentLength),
		LastWrite: aws.ToTime(out.LastModified),
	}
	props.ContentMD5 = metadataMD5(out.Metadata)
	return props, nil
}

func objectMetadata(sum []byte) map[string]string {
	if len(sum) == 0 {
		return nil
	}
	return map[string]string{contentMD5Key: base64.StdEncoding.EncodeToString(sum)}
}

func metadataMD5(meta map[string]string) []byte {
	encoded, ok := meta[contentMD5Key]
	if !ok {
		return nil
	}
	sum, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	return sum
}

func (p *S3Share) Exists(ctx context.Context, rp transfer.RemotePath) (bool, error) {
	_, err := p.GetProperties(ctx, rp)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *S3Share) pending(rp transfer.RemotePath) *multipartUpload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploads[uploadKey(rp)]
}

// Create starts a multipart upload for the object, aborting any upload this
// share previously started for the same key. Zero-length objects are written
// directly.
func (p *S3Share) Create(ctx context.Context, rp transfer.RemotePath, length int64) error {
	return p.create(ctx, rp, length, nil)
}

// CreateWithMD5 is Create with the content MD5 recorded as user metadata, so
// GetProperties can publish it once the upload completes.
func (p *S3Share) CreateWithMD5(ctx context.Context, rp transfer.RemotePath, length int64, sum []byte) error {
	return p.create(ctx, rp, length, sum)
}

func (p *S3Share) create(ctx context.Context, rp transfer.RemotePath, length int64, sum []byte) error {
	c, err := p.client(ctx, rp.Account, rp.Share)
	if err != nil {
		return err
	}
	key := objectKey(rp.Path)

	p.mu.Lock()
	stale := p.uploads[uploadKey(rp)]
	delete(p.uploads, uploadKey(rp))
	p.mu.Unlock()
	if stale != nil {
		_, _ = c.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(rp.Share),
			Key:      aws.String(key),
			UploadId: aws.String(stale.uploadID),
		})
	}

	if length == 0 {
		_, err := c.PutObject(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(rp.Share),
			Key:      aws.String(key),
			Body:     bytes.NewReader(nil),
			Metadata: objectMetadata(sum),
		})
		if err != nil {
			return fmt.Errorf("failed to create %q: %w", rp.String(), err)
		}
		return nil
	}
	if (length+S3PartSize-1)/S3PartSize > s3MaxParts {
		return &RequestError{StatusCode: http.StatusRequestEntityTooLarge, Code: "EntityTooLarge", Message: rp.String() + " exceeds the multipart limit"}
	}

	out, err := c.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(rp.Share),
		Key:      aws.String(key),
		Metadata: objectMetadata(sum),
	})
	if err != nil {
		return fmt.Errorf("failed to start upload of %q: %w", rp.String(), err)
	}

	p.mu.Lock()
	p.uploads[uploadKey(rp)] = &multipartUpload{
		uploadID: aws.ToString(out.UploadId),
		length:   length,
		parts:    make(map[int32]partInfo),
	}
	p.mu.Unlock()
	return nil
}

// CreateDirectory writes a zero-byte marker object ending in '/'.
func (p *S3Share) CreateDirectory(ctx context.Context, rp transfer.RemotePath) error {
	key := dirPrefix(rp.Path)
	if key == "" {
		return nil
	}
	c, err := p.client(ctx, rp.Account, rp.Share)
	if err != nil {
		return err
	}
	_, err = c.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(rp.Share),
		Key:    aws.String(key),
		Body:   strings.NewReader(""),
	})
	if err != nil {
		return fmt.Errorf("failed to write directory placeholder: %w", err)
	}
	return nil
}

func (p *S3Share) ReadRange(ctx context.Context, rp transfer.RemotePath, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	c, err := p.client(ctx, rp.Account, rp.Share)
	if err != nil {
		return nil, err
	}
	out, err := c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(rp.Share),
		Key:    aws.String(objectKey(rp.Path)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, translateS3(err, rp)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// WriteRange uploads data as the part starting at offset. Rewriting a part
// replaces it. The upload completes once the parts cover the whole length.
func (p *S3Share) WriteRange(ctx context.Context, rp transfer.RemotePath, offset int64, data []byte) error {
	up := p.pending(rp)
	if up == nil {
		return &RequestError{StatusCode: http.StatusConflict, Code: "NoUploadInProgress", Message: "no upload in progress for " + rp.String()}
	}
	num, err := partNumber(offset)
	if err != nil {
		return err
	}
	c, err := p.client(ctx, rp.Account, rp.Share)
	if err != nil {
		return err
	}

	out, err := c.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(rp.Share),
		Key:           aws.String(objectKey(rp.Path)),
		UploadId:      aws.String(up.uploadID),
		PartNumber:    aws.Int32(num),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("failed to upload part %d of %q: %w", num, rp.String(), err)
	}

	up.mu.Lock()
	up.parts[num] = partInfo{etag: aws.ToString(out.ETag), size: int64(len(data))}
	var written int64
	for _, part := range up.parts {
		written += part.size
	}
	complete := written >= up.length
	parts := completedParts(up.parts)
	up.mu.Unlock()

	if !complete {
		return nil
	}

	_, err = c.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(rp.Share),
		Key:             aws.String(objectKey(rp.Path)),
		UploadId:        aws.String(up.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("failed to complete upload of %q: %w", rp.String(), err)
	}

	p.mu.Lock()
	if p.uploads[uploadKey(rp)] == up {
		delete(p.uploads, uploadKey(rp))
	}
	p.mu.Unlock()
	return nil
}

func completedParts(parts map[int32]partInfo) []types.CompletedPart {
	out := make([]types.CompletedPart, 0, len(parts))
	for num, part := range parts {
		out = append(out, types.CompletedPart{
			ETag:       aws.String(part.etag),
			PartNumber: aws.Int32(num),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return aws.ToInt32(out[i].PartNumber) < aws.ToInt32(out[j].PartNumber)
	})
	return out
}

func (p *S3Share) Delete(ctx context.Context, rp transfer.RemotePath) error {
	c, err := p.client(ctx, rp.Account, rp.Share)
	if err != nil {
		return err
	}
	_, err = c.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(rp.Share),
		Key:    aws.String(objectKey(rp.Path)),
	})
	if err != nil {
		return translateS3(err, rp)
	}
	return nil
}

// translateS3 maps S3 not-found codes onto a RequestError so callers can
// rely on IsNotFound and a 404 status.
func translateS3(err error, rp transfer.RemotePath) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return notFound("ResourceNotFound", rp.String(), err)
		case "NoSuchBucket":
			return notFound("ShareNotFound", "share "+rp.Account+"/"+rp.Share, err)
		}
	}
	return fmt.Errorf("request for %q failed: %w", rp.String(), err)
}
