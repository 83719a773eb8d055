package container

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // OSS's documented V1 signing scheme mandates SHA-1 HMAC
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/nexoedge/agent/internal/chunk"
)

// OSSDriver talks to an Alibaba Cloud OSS bucket over its plain signed-HTTP
// REST API as a small, purpose-built client rather than a full SDK. Revert
// is not supported: OSS's console-level bucket versioning is outside this
// driver's management.
type OSSDriver struct {
	Base

	endpoint  string // e.g. "https://bucket.oss-cn-hangzhou.aliyuncs.com"
	bucket    string
	accessKey string
	secretKey string

	client         *http.Client
	verifyChecksum bool
}

// NewOSSDriver constructs a driver for bucket reachable at endpoint.
func NewOSSDriver(id int32, endpoint, bucket, accessKeyID, accessKeySecret string, capacity uint64, httpProxyIP string, httpProxyPort int, verifyChecksum bool) (*OSSDriver, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	if httpProxyIP != "" {
		proxyURL := fmt.Sprintf("http://%s:%d", httpProxyIP, httpProxyPort)
		tr, err := proxyTransport(proxyURL)
		if err != nil {
			return nil, errors.Wrap(err, "container: configuring oss http proxy")
		}
		client.Transport = tr
	}
	return &OSSDriver{
		Base:           NewBase(id, capacity),
		endpoint:       endpoint,
		bucket:         bucket,
		accessKey:      accessKeyID,
		secretKey:      accessKeySecret,
		client:         client,
		verifyChecksum: verifyChecksum,
	}, nil
}

func (d *OSSDriver) objectURL(name string) string {
	return d.endpoint + "/" + name
}

// sign implements Aliyun OSS's documented V1 canonicalized-resource signing
// scheme: Authorization: OSS {accessKeyId}:{base64(hmac-sha1(secret, StringToSign))}.
func (d *OSSDriver) sign(method, resource, date, contentType, contentMD5 string) string {
	toSign := method + "\n" + contentMD5 + "\n" + contentType + "\n" + date + "\n" + resource
	mac := hmac.New(sha1.New, []byte(d.secretKey))
	mac.Write([]byte(toSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (d *OSSDriver) do(ctx context.Context, method, name string, body io.Reader, contentLength int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, d.objectURL(name), body)
	if err != nil {
		return nil, errors.Wrap(err, "container: building oss request")
	}
	if contentLength >= 0 {
		req.ContentLength = contentLength
	}
	date := time.Now().UTC().Format(http.TimeFormat)
	resource := "/" + d.bucket + "/" + name
	sig := d.sign(method, resource, date, "", "")
	req.Header.Set("Date", date)
	req.Header.Set("Authorization", "OSS "+d.accessKey+":"+sig)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, ErrTransport
	}
	return resp, nil
}

func (d *OSSDriver) Put(ctx context.Context, c *chunk.Chunk) error {
	resp, err := d.do(ctx, http.MethodPut, c.Name(), bytes.NewReader(c.Buf.Data), int64(len(c.Buf.Data)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ossStatusErr(resp)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		copyETagMD5(etag, c)
	}
	glog.Infof("container %d: put oss object %s", d.ID(), c.Name())
	return nil
}

func (d *OSSDriver) Get(ctx context.Context, c *chunk.Chunk, skipVerification bool) error {
	resp, err := d.do(ctx, http.MethodGet, c.Name(), nil, -1)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return ossStatusErr(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "container: reading oss object body")
	}
	c.Buf = chunk.Buffer{Data: data, Owned: true}
	if !skipVerification && d.verifyChecksum && !c.VerifyMD5() {
		return ErrIntegrity
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		if err := copyETagMD5(etag, c); err != nil && !skipVerification && d.verifyChecksum {
			return err
		}
	}
	glog.Infof("container %d: get oss object %s", d.ID(), c.Name())
	return nil
}

func (d *OSSDriver) Delete(ctx context.Context, c *chunk.Chunk) error {
	resp, err := d.do(ctx, http.MethodDelete, c.Name(), nil, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return ossStatusErr(resp)
	}
	glog.Infof("container %d: delete oss object %s", d.ID(), c.Name())
	return nil
}

func (d *OSSDriver) Copy(ctx context.Context, src *chunk.Chunk, dst *chunk.Chunk) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.objectURL(dst.Name()), nil)
	if err != nil {
		return errors.Wrap(err, "container: building oss copy request")
	}
	req.Header.Set("x-oss-copy-source", "/"+d.bucket+"/"+src.Name())
	date := time.Now().UTC().Format(http.TimeFormat)
	resource := "/" + d.bucket + "/" + dst.Name()
	sig := d.sign(http.MethodPut, resource, date, "", "")
	req.Header.Set("Date", date)
	req.Header.Set("Authorization", "OSS "+d.accessKey+":"+sig)

	resp, err := d.client.Do(req)
	if err != nil {
		return ErrTransport
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ossStatusErr(resp)
	}
	dst.Buf.Data = make([]byte, src.Size())
	glog.Infof("container %d: copy oss object %s to %s", d.ID(), src.Name(), dst.Name())
	return nil
}

func (d *OSSDriver) Move(ctx context.Context, src *chunk.Chunk, dst *chunk.Chunk) error {
	if err := d.Copy(ctx, src, dst); err != nil {
		return err
	}
	return d.Delete(ctx, src)
}

func (d *OSSDriver) Has(ctx context.Context, c *chunk.Chunk) (bool, error) {
	resp, err := d.do(ctx, http.MethodHead, c.Name(), nil, 0)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, ossStatusErr(resp)
	}
	if size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		if int64(c.Size()) != size {
			return false, nil
		}
	}
	if !d.verifyChecksum {
		return true, nil
	}
	tmp := &chunk.Chunk{}
	tmp.CopyMeta(c, false)
	if etag := resp.Header.Get("ETag"); etag != "" {
		if err := copyETagMD5(etag, tmp); err != nil {
			return false, nil
		}
		return tmp.MD5 == c.MD5, nil
	}
	return true, nil
}

// Revert is not supported: OSS versioning is an Aliyun console-level
// bucket setting this driver does not manage.
func (d *OSSDriver) Revert(ctx context.Context, c *chunk.Chunk) error {
	return ErrUnsupported
}

func (d *OSSDriver) Verify(ctx context.Context, c *chunk.Chunk) (bool, error) {
	tmp := &chunk.Chunk{}
	tmp.CopyMeta(c, false)
	if err := d.Get(ctx, tmp, true); err != nil {
		return false, nil
	}
	tmp.ComputeMD5()
	return tmp.MD5 == c.MD5, nil
}

func (d *OSSDriver) UpdateUsage(ctx context.Context) error {
	d.UpdateMu.Lock()
	defer d.UpdateMu.Unlock()
	// Bucket-level usage listing requires an XML bucket-stat response this
	// driver does not parse; usage stays at its last known value rather
	// than guessing at a response shape.
	return nil
}

func ossStatusErr(resp *http.Response) error {
	return &BackendError{Code: resp.StatusCode, Msg: "oss: unexpected status " + resp.Status}
}

func proxyTransport(proxyURL string) (*http.Transport, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Transport{Proxy: http.ProxyURL(u)}, nil
}

var _ Driver = (*OSSDriver)(nil)
