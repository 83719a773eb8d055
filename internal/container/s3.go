package container

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/nexoedge/agent/internal/chunk"
)

// S3Driver stores chunks as objects in a single AWS S3 bucket, versioned
// with the bucket's native object versioning (so Revert is a restore of a
// prior VersionId rather than a rename-based backup like the fs driver).
type S3Driver struct {
	Base

	bucket         string
	client         *s3.S3
	verifyChecksum bool
}

// NewS3Driver constructs a driver bound to bucket in region, optionally
// through an HTTP(S) proxy, matching AwsContainer's constructor parameters
// in original_source/src/agent/container/aws_s3.hh.
func NewS3Driver(id int32, bucket, region, keyID, key string, capacity uint64, endpoint, httpProxyIP string, httpProxyPort int, verifyChecksum bool) (*S3Driver, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if keyID != "" || key != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(keyID, key, ""))
	}
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "container: creating aws session")
	}
	return &S3Driver{
		Base:           NewBase(id, capacity),
		bucket:         bucket,
		client:         s3.New(sess),
		verifyChecksum: verifyChecksum,
	}, nil
}

func (d *S3Driver) Put(ctx context.Context, c *chunk.Chunk) error {
	out, err := d.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(c.Name()),
		Body:   bytes.NewReader(c.Buf.Data),
	})
	if err != nil {
		return wrapAWSErr(err, "putting object")
	}
	if out.VersionId != nil {
		c.ChunkVersion = chunk.TruncatedChunkVersion(*out.VersionId)
	}
	if out.ETag != nil {
		if err := copyETagMD5(*out.ETag, c); err != nil && d.verifyChecksum {
			return errors.Wrap(err, "container: verifying put etag")
		}
	}
	glog.Infof("container %d: put object %s in bucket %s", d.ID(), c.Name(), d.bucket)
	return nil
}

func (d *S3Driver) Get(ctx context.Context, c *chunk.Chunk, skipVerification bool) error {
	out, err := d.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(c.Name()),
	})
	if err != nil {
		return wrapAWSErr(err, "getting object")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return errors.Wrap(err, "container: reading s3 object body")
	}
	c.Buf = chunk.Buffer{Data: data, Owned: true}

	if !skipVerification && d.verifyChecksum && !c.VerifyMD5() {
		return ErrIntegrity
	}
	if out.ETag != nil {
		if err := copyETagMD5(*out.ETag, c); err != nil && !skipVerification && d.verifyChecksum {
			return err
		}
	}
	glog.Infof("container %d: get object %s from bucket %s", d.ID(), c.Name(), d.bucket)
	return nil
}

func (d *S3Driver) Delete(ctx context.Context, c *chunk.Chunk) error {
	_, err := d.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(c.Name()),
	})
	if err != nil {
		return wrapAWSErr(err, "deleting object")
	}
	glog.Infof("container %d: delete object %s from bucket %s", d.ID(), c.Name(), d.bucket)
	return nil
}

func (d *S3Driver) Copy(ctx context.Context, src *chunk.Chunk, dst *chunk.Chunk) error {
	out, err := d.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		CopySource: aws.String(d.bucket + "/" + src.Name()),
		Key:        aws.String(dst.Name()),
	})
	if err != nil {
		return wrapAWSErr(err, "copying object")
	}
	if out.CopyObjectResult != nil && out.CopyObjectResult.ETag != nil {
		if err := copyETagMD5(*out.CopyObjectResult.ETag, dst); err != nil && d.verifyChecksum {
			return err
		}
	}
	dst.Buf.Data = make([]byte, src.Size())
	glog.Infof("container %d: copy object %s to %s", d.ID(), src.Name(), dst.Name())
	return nil
}

func (d *S3Driver) Move(ctx context.Context, src *chunk.Chunk, dst *chunk.Chunk) error {
	if err := d.Copy(ctx, src, dst); err != nil {
		return err
	}
	if err := d.Delete(ctx, src); err != nil {
		return errors.Wrap(err, "container: deleting source after move copy")
	}
	return nil
}

func (d *S3Driver) Has(ctx context.Context, c *chunk.Chunk) (bool, error) {
	out, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(c.Name()),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, wrapAWSErr(err, "heading object")
	}
	if out.ContentLength == nil || int64(c.Size()) != *out.ContentLength {
		return false, nil
	}
	if !d.verifyChecksum || out.ETag == nil {
		return true, nil
	}
	tmp := &chunk.Chunk{}
	tmp.CopyMeta(c, false)
	if err := copyETagMD5(*out.ETag, tmp); err != nil {
		return false, nil
	}
	return tmp.MD5 == c.MD5, nil
}

// Revert deletes the object version named by c.ChunkVersion (the version
// id Put recorded for the write being undone), so the version before it
// becomes current again.
func (d *S3Driver) Revert(ctx context.Context, c *chunk.Chunk) error {
	if c.ChunkVersion == "" {
		return ErrUnsupported
	}
	_, err := d.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket:    aws.String(d.bucket),
		Key:       aws.String(c.Name()),
		VersionId: aws.String(c.ChunkVersion),
	})
	if err != nil {
		return wrapAWSErr(err, "reverting object version")
	}
	glog.Infof("container %d: revert object %s by deleting version %s", d.ID(), c.Name(), c.ChunkVersion)
	return nil
}

func (d *S3Driver) Verify(ctx context.Context, c *chunk.Chunk) (bool, error) {
	tmp := &chunk.Chunk{}
	tmp.CopyMeta(c, false)
	if err := d.Get(ctx, tmp, true); err != nil {
		return false, nil
	}
	tmp.ComputeMD5()
	return tmp.MD5 == c.MD5, nil
}

func (d *S3Driver) UpdateUsage(ctx context.Context) error {
	d.UpdateMu.Lock()
	defer d.UpdateMu.Unlock()

	var total uint64
	var token *string
	for {
		out, err := d.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(d.bucket),
			ContinuationToken: token,
		})
		if err != nil {
			return wrapAWSErr(err, "listing bucket for usage")
		}
		for _, obj := range out.Contents {
			if obj.Size != nil {
				total += uint64(*obj.Size)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	d.SetUsage(total)
	return nil
}

func copyETagMD5(etag string, c *chunk.Chunk) error {
	etag = strings.Trim(etag, `"`)
	if strings.Contains(etag, "-") {
		// multipart-upload etag: not a plain MD5, nothing to compare
		return nil
	}
	raw, err := hex.DecodeString(etag)
	if err != nil || len(raw) != len(c.MD5) {
		return errors.New("container: malformed etag")
	}
	copy(c.MD5[:], raw)
	return nil
}

func wrapAWSErr(err error, action string) error {
	if isNotFound(err) {
		return ErrNotFound
	}
	if aerr, ok := err.(awserr.Error); ok {
		return &BackendError{Msg: action + ": " + aerr.Message()}
	}
	return errors.Wrap(err, "container: "+action)
}

func isNotFound(err error) bool {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	default:
		return false
	}
}

var _ Driver = (*S3Driver)(nil)
