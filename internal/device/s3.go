package device

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/desertwitch/govol/internal/schema"
)

// S3Config holds the connection settings of an [S3] device.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// S3 is a block device storing every block as its own object. Blocks that
// were never written read back as zeroes, so a fresh bucket is a blank device.
type S3 struct {
	client    s3iface.S3API
	bucket    string
	prefix    string
	blockSize uint32
	blocks    uint32
}

// NewS3Client returns an S3 client for the given configuration. A custom
// endpoint switches to path-style addressing, as needed by most S3-compatible
// stores.
func NewS3Client(cfg S3Config) (s3iface.S3API, error) {
	awsCfg := aws.NewConfig()
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("(device-s3-session) %w", err)
	}

	return s3.New(sess), nil
}

// NewS3 returns a pointer to a new [S3] device.
func NewS3(client s3iface.S3API, cfg S3Config, blockSize uint32, blocks uint32) (*S3, error) {
	if err := checkGeometry("s3", blockSize, blocks); err != nil {
		return nil, err
	}

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("(device-s3) %w: bucket is empty", schema.ErrInvalidArgument)
	}

	return &S3{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		blockSize: blockSize,
		blocks:    blocks,
	}, nil
}

func (d *S3) key(id schema.BlockID) string {
	return path.Join(d.prefix, fmt.Sprintf("%08x", uint32(id)))
}

// s3Claims holds the [S3] devices mounted in this process, keyed by bucket
// and prefix. Mounts from other processes are not seen.
var s3Claims sync.Map

func (d *S3) claimKey() string {
	return d.bucket + ":" + path.Clean("/"+d.prefix)
}

// Claim marks the bucket prefix of the device as mounted. It fails with
// [schema.ErrBusy] while any device over the same bucket prefix holds a claim.
func (d *S3) Claim() error {
	if _, loaded := s3Claims.LoadOrStore(d.claimKey(), d); loaded {
		return fmt.Errorf("(device-s3-claim) %w: s3://%s/%s", schema.ErrBusy, d.bucket, d.prefix)
	}

	return nil
}

// Release drops a claim taken with [S3.Claim]. Claims of other devices are
// left alone.
func (d *S3) Release() error {
	s3Claims.CompareAndDelete(d.claimKey(), d)

	return nil
}

// BlockSize returns the size of a block in bytes.
func (d *S3) BlockSize() uint32 {
	return d.blockSize
}

// BlockCount returns the amount of blocks of the device.
func (d *S3) BlockCount() uint32 {
	return d.blocks
}

func (d *S3) getObject(id schema.BlockID) ([]byte, error) {
	out, err := d.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(id)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, nil
		}

		return nil, fmt.Errorf("(device-s3-get) %w: block %d: %w", schema.ErrIO, id, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("(device-s3-get) %w: block %d: %w", schema.ErrIO, id, err)
	}

	return data, nil
}

// ReadBlock fetches the object of a block.
func (d *S3) ReadBlock(id schema.BlockID) ([]byte, error) {
	if err := checkRange("s3-read", id, d.blocks); err != nil {
		return nil, err
	}

	data, err := d.getObject(id)
	if err != nil {
		return nil, err
	}

	if data == nil {
		return make([]byte, d.blockSize), nil
	}

	if len(data) != int(d.blockSize) {
		return nil, fmt.Errorf("(device-s3-read) %w: block %d has %d bytes", schema.ErrIO, id, len(data))
	}

	return data, nil
}

// WriteBlock uploads the object of a block.
func (d *S3) WriteBlock(id schema.BlockID, data []byte) error {
	if err := checkRange("s3-write", id, d.blocks); err != nil {
		return err
	}

	if err := checkLength("s3-write", data, d.blockSize); err != nil {
		return err
	}

	_, err := d.client.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(d.key(id)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("(device-s3-put) %w: block %d: %w", schema.ErrIO, id, err)
	}

	return nil
}

// ReadAt implements [io.ReaderAt] over the object of block 0, which is enough
// to probe a superblock before the block size is known.
func (d *S3) ReadAt(p []byte, off int64) (int, error) {
	data, err := d.getObject(0)
	if err != nil {
		return 0, err
	}

	if off >= int64(len(data)) {
		return 0, io.EOF
	}

	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}
