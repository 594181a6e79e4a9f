package provider

import (
	"bytes"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"

	"github.com/franksops/sharesync/transfer"
)

func TestS3Share_ImplementsShare(t *testing.T) {
	var _ Share = (*S3Share)(nil)
	var _ WriteAligner = (*S3Share)(nil)
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		path   string
		expect string
		prefix string
	}{
		{"test.txt", "test.txt", "test.txt/"},
		{"/test.txt", "test.txt", "test.txt/"},
		{"some\\path.txt", "some/path.txt", "some/path.txt/"},
		{"/deep/dir/", "deep/dir", "deep/dir/"},
		{"", "", ""},
		{"/", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if actual := objectKey(tt.path); actual != tt.expect {
				t.Errorf("objectKey(%q) = %q; want %q", tt.path, actual, tt.expect)
			}
			if actual := dirPrefix(tt.path); actual != tt.prefix {
				t.Errorf("dirPrefix(%q) = %q; want %q", tt.path, actual, tt.prefix)
			}
		})
	}
}

func TestPartNumber(t *testing.T) {
	n, err := partNumber(0)
	if err != nil || n != 1 {
		t.Errorf("partNumber(0) = %d, %v; want 1", n, err)
	}
	n, err = partNumber(3 * S3PartSize)
	if err != nil || n != 4 {
		t.Errorf("partNumber(3 parts) = %d, %v; want 4", n, err)
	}
	if _, err := partNumber(S3PartSize + 1); err == nil {
		t.Error("expected error for an unaligned offset")
	}
	if _, err := partNumber(int64(s3MaxParts) * S3PartSize); err == nil {
		t.Error("expected error beyond the part limit")
	}
}

func TestCompletedParts_Sorted(t *testing.T) {
	parts := completedParts(map[int32]partInfo{
		3: {etag: "c"},
		1: {etag: "a"},
		2: {etag: "b"},
	})
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	for i, p := range parts {
		if aws.ToInt32(p.PartNumber) != int32(i+1) {
			t.Errorf("part %d has number %d", i, aws.ToInt32(p.PartNumber))
		}
	}
}

func TestTranslateS3_NotFound(t *testing.T) {
	rp := transfer.RemotePath{Account: "a", Share: "bucket", Path: "k"}

	err := translateS3(&smithy.GenericAPIError{Code: "NoSuchKey"}, rp)
	if !IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
	if status, ok := StatusCode(err); !ok || status != 404 {
		t.Errorf("expected status 404, got %d (%v)", status, ok)
	}

	err = translateS3(&smithy.GenericAPIError{Code: "NoSuchBucket"}, rp)
	if ErrorCode(err) != "ShareNotFound" {
		t.Errorf("expected ShareNotFound, got %q", ErrorCode(err))
	}

	err = translateS3(&smithy.GenericAPIError{Code: "SlowDown"}, rp)
	if IsNotFound(err) {
		t.Errorf("SlowDown should not be not-found")
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "SlowDown" {
		t.Errorf("expected wrapped smithy error, got %v", err)
	}
}

func TestS3Share_EndpointHost(t *testing.T) {
	p := NewS3Share(map[string]S3Account{
		"minio":    {Endpoint: "http://minio.internal:9000"},
		"regional": {Region: "eu-west-1"},
	})
	cases := map[string]string{
		"minio":    "minio.internal",
		"regional": "s3.eu-west-1.amazonaws.com",
		"unknown":  "s3.amazonaws.com",
	}
	for account, want := range cases {
		if got := p.EndpointHost(account); got != want {
			t.Errorf("EndpointHost(%q) = %q, want %q", account, got, want)
		}
	}
}

func TestObjectMetadata_ContentMD5(t *testing.T) {
	var _ ContentHashRecorder = (*S3Share)(nil)

	if meta := objectMetadata(nil); meta != nil {
		t.Errorf("expected no metadata without a hash, got %v", meta)
	}
	sum := []byte{0x9e, 0x10, 0x7d, 0x9d, 0x37, 0x2b, 0xb6, 0x82, 0x6b, 0xd8, 0x1d, 0x35, 0x42, 0xa4, 0x19, 0xd6}
	meta := objectMetadata(sum)
	if got := metadataMD5(meta); !bytes.Equal(got, sum) {
		t.Errorf("metadataMD5 = %x, want %x", got, sum)
	}
	if got := metadataMD5(map[string]string{contentMD5Key: "not base64!"}); got != nil {
		t.Errorf("expected nil for a malformed hash, got %x", got)
	}
}
