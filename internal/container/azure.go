package container

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/nexoedge/agent/internal/chunk"
)

// AzureDriver stores chunks as block blobs in a single Azure Storage
// container, using blob snapshots as the backup mechanism Revert restores
// from (Azure's closest analogue to the fs driver's rename-to-timestamp
// backup and S3's object versioning).
type AzureDriver struct {
	Base

	containerURL   azblob.ContainerURL
	verifyChecksum bool
}

// NewAzureDriver constructs a driver bound to the storage container named
// containerName under the given account.
func NewAzureDriver(id int32, account, accountKey, containerName string, capacity uint64, verifyChecksum bool) (*AzureDriver, error) {
	cred, err := azblob.NewSharedKeyCredential(account, accountKey)
	if err != nil {
		return nil, errors.Wrap(err, "container: azure shared key credential")
	}
	pipeline := azblob.NewPipeline(cred, azblob.PipelineOptions{})
	u, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net/%s", account, containerName))
	if err != nil {
		return nil, errors.Wrap(err, "container: parsing azure container url")
	}
	return &AzureDriver{
		Base:           NewBase(id, capacity),
		containerURL:   azblob.NewContainerURL(*u, pipeline),
		verifyChecksum: verifyChecksum,
	}, nil
}

func (d *AzureDriver) blob(name string) azblob.BlockBlobURL {
	return d.containerURL.NewBlockBlobURL(name)
}

func (d *AzureDriver) Put(ctx context.Context, c *chunk.Chunk) error {
	blob := d.blob(c.Name())

	if _, err := blob.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{}); err == nil {
		snap, snapErr := blob.CreateSnapshot(ctx, azblob.Metadata{}, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
		if snapErr != nil {
			return wrapAzureErr(snapErr, "snapshotting blob before overwrite")
		}
		c.ChunkVersion = chunk.TruncatedChunkVersion(snap.SnapshotID())
	} else {
		c.ChunkVersion = ""
	}

	if _, err := azblob.UploadBufferToBlockBlob(ctx, c.Buf.Data, blob, azblob.UploadToBlockBlobOptions{}); err != nil {
		return wrapAzureErr(err, "uploading blob")
	}

	props, err := blob.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err == nil {
		if md5 := props.ContentMD5(); len(md5) == len(c.MD5) {
			copy(c.MD5[:], md5)
		}
	}
	glog.Infof("container %d: put blob %s", d.ID(), c.Name())
	return nil
}

func (d *AzureDriver) Get(ctx context.Context, c *chunk.Chunk, skipVerification bool) error {
	blob := d.blob(c.Name())
	resp, err := blob.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return wrapAzureErr(err, "downloading blob")
	}
	body := resp.Body(azblob.RetryReaderOptions{})
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return errors.Wrap(err, "container: reading azure blob body")
	}
	c.Buf = chunk.Buffer{Data: data, Owned: true}

	if !skipVerification && d.verifyChecksum && !c.VerifyMD5() {
		return ErrIntegrity
	}
	if md5 := resp.ContentMD5(); len(md5) == len(c.MD5) {
		copy(c.MD5[:], md5)
	}
	glog.Infof("container %d: get blob %s", d.ID(), c.Name())
	return nil
}

func (d *AzureDriver) Delete(ctx context.Context, c *chunk.Chunk) error {
	blob := d.blob(c.Name())
	_, err := blob.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil && !isAzureNotFound(err) {
		return wrapAzureErr(err, "deleting blob")
	}
	glog.Infof("container %d: delete blob %s", d.ID(), c.Name())
	return nil
}

func (d *AzureDriver) Copy(ctx context.Context, src *chunk.Chunk, dst *chunk.Chunk) error {
	srcBlob := d.blob(src.Name())
	dstBlob := d.blob(dst.Name())
	_, err := dstBlob.StartCopyFromURL(ctx, srcBlob.URL(), azblob.Metadata{}, azblob.ModifiedAccessConditions{}, azblob.BlobAccessConditions{}, azblob.DefaultAccessTier, nil)
	if err != nil {
		return wrapAzureErr(err, "copying blob")
	}
	dst.Buf.Data = make([]byte, src.Size())
	glog.Infof("container %d: copy blob %s to %s", d.ID(), src.Name(), dst.Name())
	return nil
}

func (d *AzureDriver) Move(ctx context.Context, src *chunk.Chunk, dst *chunk.Chunk) error {
	if err := d.Copy(ctx, src, dst); err != nil {
		return err
	}
	return d.Delete(ctx, src)
}

func (d *AzureDriver) Has(ctx context.Context, c *chunk.Chunk) (bool, error) {
	blob := d.blob(c.Name())
	props, err := blob.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, wrapAzureErr(err, "getting blob properties")
	}
	if int64(c.Size()) != props.ContentLength() {
		return false, nil
	}
	if !d.verifyChecksum {
		return true, nil
	}
	md5 := props.ContentMD5()
	if len(md5) != len(c.MD5) {
		return false, nil
	}
	var got [len(c.MD5)]byte
	copy(got[:], md5)
	return got == c.MD5, nil
}

// Revert restores the snapshot named by c.ChunkVersion over the live blob.
// c.ChunkVersion holds the snapshot's RFC3339 timestamp, the way Put's
// backup step records it (see AzureDriver.Put, which snapshots before
// overwrite rather than relying on soft-delete).
func (d *AzureDriver) Revert(ctx context.Context, c *chunk.Chunk) error {
	if c.ChunkVersion == "" {
		return ErrUnsupported
	}
	snapshotURL := d.blob(c.Name()).WithSnapshot(c.ChunkVersion)
	live := d.blob(c.Name())
	_, err := live.StartCopyFromURL(ctx, snapshotURL.URL(), azblob.Metadata{}, azblob.ModifiedAccessConditions{}, azblob.BlobAccessConditions{}, azblob.DefaultAccessTier, nil)
	if err != nil {
		return wrapAzureErr(err, "reverting blob from snapshot")
	}
	glog.Infof("container %d: revert blob %s to snapshot %s", d.ID(), c.Name(), c.ChunkVersion)
	return nil
}

func (d *AzureDriver) Verify(ctx context.Context, c *chunk.Chunk) (bool, error) {
	tmp := &chunk.Chunk{}
	tmp.CopyMeta(c, false)
	if err := d.Get(ctx, tmp, true); err != nil {
		return false, nil
	}
	tmp.ComputeMD5()
	return tmp.MD5 == c.MD5, nil
}

func (d *AzureDriver) UpdateUsage(ctx context.Context) error {
	d.UpdateMu.Lock()
	defer d.UpdateMu.Unlock()

	var total uint64
	marker := azblob.Marker{}
	for marker.NotDone() {
		resp, err := d.containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{})
		if err != nil {
			return wrapAzureErr(err, "listing blobs for usage")
		}
		for _, b := range resp.Segment.BlobItems {
			if b.Properties.ContentLength != nil {
				total += uint64(*b.Properties.ContentLength)
			}
		}
		marker = resp.NextMarker
	}
	d.SetUsage(total)
	return nil
}

func wrapAzureErr(err error, action string) error {
	if isAzureNotFound(err) {
		return ErrNotFound
	}
	if serr, ok := err.(azblob.StorageError); ok {
		return &BackendError{Msg: action + ": " + string(serr.ServiceCode())}
	}
	return errors.Wrap(err, "container: "+action)
}

func isAzureNotFound(err error) bool {
	serr, ok := err.(azblob.StorageError)
	if !ok {
		return false
	}
	return serr.ServiceCode() == azblob.ServiceCodeBlobNotFound
}

var _ Driver = (*AzureDriver)(nil)
