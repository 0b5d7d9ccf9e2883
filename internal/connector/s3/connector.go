// Package s3 implements the connector.Connector contract against Amazon S3
// and S3-compatible object stores.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/objectfs/fuseadapter/internal/circuit"
	"github.com/objectfs/fuseadapter/internal/config"
	"github.com/objectfs/fuseadapter/internal/connector"
	"github.com/objectfs/fuseadapter/pkg/fserrors"
)

// modeMetadataKey is the S3 user-metadata key this connector uses to
// persist POSIX mode bits, since S3 objects have no permission bits of
// their own.
const modeMetadataKey = "posix-mode"

// Connector is a connector.Connector backed by a single S3 bucket and
// path prefix.
type Connector struct {
	client   *s3.Client
	bucket   string
	prefix   string
	readOnly bool

	// breaker trips after repeated backend failures so a mount stops
	// hammering an unreachable bucket with every FUSE call that arrives
	// while it's down, instead giving callers an immediate transient
	// error until the backend has had time to recover.
	breaker *circuit.CircuitBreaker
}

// New builds a Connector from a resolved mount configuration, loading AWS
// credentials the default way (environment, shared config, instance
// role) unless overridden by cfg.Endpoint for S3-compatible backends like
// MinIO.
func New(ctx context.Context, cfg config.ResolvedS3Config) (*Connector, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 connector requires a bucket")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Connector{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		readOnly: cfg.ReadOnly,
		breaker: circuit.NewCircuitBreaker("s3:"+cfg.Bucket, circuit.Config{
			// Only transient failures count toward tripping the breaker;
			// a missing key or a permanent client error does not.
			IsSuccessful: func(err error) bool {
				return err == nil || isNotFound(err) || !isTransient(err)
			},
		}),
	}, nil
}

// call runs fn through the connector's circuit breaker, so a run of
// backend failures trips the breaker and subsequent calls fail fast
// instead of piling up against a bucket that's unreachable.
func (c *Connector) call(ctx context.Context, fn func(context.Context) error) error {
	return c.breaker.ExecuteWithContext(ctx, fn)
}

// pathToKey maps a mount-relative path to its S3 object key under prefix.
func (c *Connector) pathToKey(path string) string {
	p := strings.TrimPrefix(path, "/")
	if p == "" {
		return c.prefix
	}
	if c.prefix == "" {
		return p
	}
	return c.prefix + "/" + p
}

func (c *Connector) Capabilities() connector.Capabilities {
	if c.readOnly {
		return connector.Capabilities{Read: true, RangeRead: true}
	}
	return connector.Capabilities{
		Read:      true,
		Write:     true,
		RangeRead: true,
		// S3 has no partial-write, rename or truncate operations; the
		// capability layer and staging cache synthesize them.
		RandomWrite: false,
		Rename:      false,
		Truncate:    false,
		SetMtime:    false,
		Seekable:    false,
		SetMode:     true,
	}
}

func (c *Connector) CacheRequirements() connector.CacheRequirements {
	return connector.CacheRequirements{
		WriteBuffer:      connector.CacheRequired,
		ReadCache:        true,
		MetadataCacheTTL: 60 * time.Second,
	}
}

func (c *Connector) Stat(ctx context.Context, path string) (connector.Metadata, error) {
	key := c.pathToKey(path)

	if key == "" || key == c.prefix {
		return connector.Metadata{FileType: connector.FileTypeDir, Mtime: time.Now()}, nil
	}

	var head *s3.HeadObjectOutput
	err := c.call(ctx, func(ctx context.Context) error {
		var cerr error
		head, cerr = c.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		return cerr
	})
	if err == nil {
		meta := connector.Metadata{
			FileType: connector.FileTypeFile,
			Size:     uint64(aws.ToInt64(head.ContentLength)),
			Mtime:    aws.ToTime(head.LastModified),
		}
		if raw, ok := head.Metadata[modeMetadataKey]; ok {
			if mode, parseErr := strconv.ParseUint(raw, 8, 32); parseErr == nil {
				m := uint32(mode)
				meta.Mode = &m
			}
		}
		return meta, nil
	}
	if !isNotFound(err) {
		return connector.Metadata{}, translateError("stat", path, err)
	}

	dirKey := key
	if !strings.HasSuffix(dirKey, "/") {
		dirKey += "/"
	}
	var list *s3.ListObjectsV2Output
	err = c.call(ctx, func(ctx context.Context) error {
		var cerr error
		list, cerr = c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(c.bucket),
			Prefix:  aws.String(dirKey),
			MaxKeys: aws.Int32(1),
		})
		return cerr
	})
	if err != nil {
		return connector.Metadata{}, translateError("stat", path, err)
	}
	if len(list.Contents) > 0 || len(list.CommonPrefixes) > 0 {
		return connector.Metadata{FileType: connector.FileTypeDir, Mtime: time.Now()}, nil
	}

	return connector.Metadata{}, fserrors.New(fserrors.NotFound, "stat", path)
}

func (c *Connector) Read(ctx context.Context, path string, offset uint64, size uint32) ([]byte, error) {
	key := c.pathToKey(path)
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(size)-1)

	var out *s3.GetObjectOutput
	err := c.call(ctx, func(ctx context.Context) error {
		var cerr error
		out, cerr = c.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
			Range:  aws.String(rng),
		})
		return cerr
	})
	if err != nil {
		return nil, translateError("read", path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fserrors.Wrap("read", path, err, true)
	}
	return data, nil
}

// Write only supports offset 0 (whole-object replacement): S3 has no
// partial-write API. Any other offset is the staging cache's job to
// avoid, by buffering writes and flushing a complete object.
func (c *Connector) Write(ctx context.Context, path string, offset uint64, data []byte) (uint64, error) {
	if offset != 0 {
		return 0, fserrors.New(fserrors.NotSupported, "write", path)
	}

	key := c.pathToKey(path)
	err := c.call(ctx, func(ctx context.Context) error {
		_, cerr := c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return cerr
	})
	if err != nil {
		return 0, translateError("write", path, err)
	}
	return uint64(len(data)), nil
}

func (c *Connector) CreateFile(ctx context.Context, path string) error {
	return c.CreateFileWithMode(ctx, path, connector.DefaultFileMode)
}

func (c *Connector) CreateFileWithMode(ctx context.Context, path string, mode uint32) error {
	key := c.pathToKey(path)
	err := c.call(ctx, func(ctx context.Context) error {
		_, cerr := c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(c.bucket),
			Key:      aws.String(key),
			Body:     bytes.NewReader(nil),
			Metadata: modeToMetadata(mode),
		})
		return cerr
	})
	if err != nil {
		return translateError("create_file", path, err)
	}
	return nil
}

func (c *Connector) CreateDir(ctx context.Context, path string) error {
	return c.CreateDirWithMode(ctx, path, connector.DefaultDirMode)
}

// CreateDirWithMode stores a zero-byte, trailing-slash marker object: S3
// directories are virtual and exist only as long as some object's key
// starts with their prefix.
func (c *Connector) CreateDirWithMode(ctx context.Context, path string, mode uint32) error {
	key := c.pathToKey(path)
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	err := c.call(ctx, func(ctx context.Context) error {
		_, cerr := c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(c.bucket),
			Key:      aws.String(key),
			Body:     bytes.NewReader(nil),
			Metadata: modeToMetadata(mode),
		})
		return cerr
	})
	if err != nil {
		return translateError("create_dir", path, err)
	}
	return nil
}

func (c *Connector) RemoveFile(ctx context.Context, path string) error {
	key := c.pathToKey(path)
	err := c.call(ctx, func(ctx context.Context) error {
		_, cerr := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		return cerr
	})
	if err != nil {
		return translateError("remove_file", path, err)
	}
	return nil
}

func (c *Connector) RemoveDir(ctx context.Context, path string, recursive bool) error {
	key := c.pathToKey(path)
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}

	if !recursive {
		var list *s3.ListObjectsV2Output
		err := c.call(ctx, func(ctx context.Context) error {
			var cerr error
			list, cerr = c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:  aws.String(c.bucket),
				Prefix:  aws.String(key),
				MaxKeys: aws.Int32(2),
			})
			return cerr
		})
		if err != nil {
			return translateError("remove_dir", path, err)
		}
		for _, obj := range list.Contents {
			if aws.ToString(obj.Key) != key {
				return fserrors.New(fserrors.NotEmpty, "remove_dir", path)
			}
		}
	}

	var token *string
	for {
		var list *s3.ListObjectsV2Output
		err := c.call(ctx, func(ctx context.Context) error {
			var cerr error
			list, cerr = c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(c.bucket),
				Prefix:            aws.String(key),
				ContinuationToken: token,
			})
			return cerr
		})
		if err != nil {
			return translateError("remove_dir", path, err)
		}
		if len(list.Contents) > 0 {
			ids := make([]s3types.ObjectIdentifier, 0, len(list.Contents))
			for _, obj := range list.Contents {
				ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
			}
			err := c.call(ctx, func(ctx context.Context) error {
				_, cerr := c.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
					Bucket: aws.String(c.bucket),
					Delete: &s3types.Delete{Objects: ids},
				})
				return cerr
			})
			if err != nil {
				return translateError("remove_dir", path, err)
			}
		}
		if !aws.ToBool(list.IsTruncated) {
			break
		}
		token = list.NextContinuationToken
	}
	return nil
}

func (c *Connector) ListDir(ctx context.Context, path string) (connector.DirCursor, error) {
	prefix := c.pathToKey(path)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &pageCursor{client: c.client, breaker: c.breaker, bucket: c.bucket, prefix: prefix}, nil
}

// pageCursor pages through ListObjectsV2 results lazily, yielding one
// DirEntry at a time and fetching the next page only when the current one
// is exhausted.
type pageCursor struct {
	client  *s3.Client
	breaker *circuit.CircuitBreaker
	bucket  string
	prefix  string

	entries []connector.DirEntry
	pos     int
	token   *string
	started bool
	done    bool
}

func (p *pageCursor) Next(ctx context.Context) (connector.DirEntry, error) {
	for p.pos >= len(p.entries) {
		if p.done {
			return connector.DirEntry{}, io.EOF
		}
		if err := p.fetchPage(ctx); err != nil {
			return connector.DirEntry{}, err
		}
	}
	e := p.entries[p.pos]
	p.pos++
	return e, nil
}

func (p *pageCursor) fetchPage(ctx context.Context) error {
	var out *s3.ListObjectsV2Output
	err := p.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var cerr error
		out, cerr = p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(p.prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: p.token,
		})
		return cerr
	})
	if err != nil {
		return translateError("list_dir", p.prefix, err)
	}
	p.started = true

	p.entries = p.entries[:0]
	p.pos = 0
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == p.prefix || strings.HasSuffix(key, "/") {
			continue
		}
		rel := strings.TrimPrefix(key, p.prefix)
		if strings.Contains(rel, "/") {
			continue
		}
		p.entries = append(p.entries, connector.DirEntry{Name: rel, FileType: connector.FileTypeFile})
	}
	for _, cp := range out.CommonPrefixes {
		rel := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), p.prefix), "/")
		if rel != "" {
			p.entries = append(p.entries, connector.DirEntry{Name: rel, FileType: connector.FileTypeDir})
		}
	}

	if aws.ToBool(out.IsTruncated) {
		p.token = out.NextContinuationToken
	} else {
		p.done = true
	}
	return nil
}

func (p *pageCursor) Close() error { return nil }

// Rename is not supported natively; S3 has no rename API. The capability
// layer synthesizes it via read+write+delete.
func (c *Connector) Rename(ctx context.Context, from, to string) error {
	return fserrors.New(fserrors.NotSupported, "rename", from)
}

// Truncate is not supported natively. The capability layer synthesizes it
// via read-modify-write.
func (c *Connector) Truncate(ctx context.Context, path string, size uint64) error {
	return fserrors.New(fserrors.NotSupported, "truncate", path)
}

// Flush is a no-op: every successful PutObject call is already durable.
func (c *Connector) Flush(ctx context.Context, path string) error {
	return nil
}

// SetMode rewrites the object's user metadata in place via CopyObject,
// since S3 has no API to update metadata on an existing object without a
// copy.
func (c *Connector) SetMode(ctx context.Context, path string, mode uint32) error {
	key := c.pathToKey(path)
	source := c.bucket + "/" + key

	err := c.call(ctx, func(ctx context.Context) error {
		_, cerr := c.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(c.bucket),
			Key:               aws.String(key),
			CopySource:        aws.String(source),
			Metadata:          modeToMetadata(mode),
			MetadataDirective: s3types.MetadataDirectiveReplace,
		})
		return cerr
	})
	if err != nil {
		return translateError("set_mode", path, err)
	}
	return nil
}

func modeToMetadata(mode uint32) map[string]string {
	return map[string]string{modeMetadataKey: strconv.FormatUint(uint64(mode), 8)}
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

func translateError(op, path string, err error) error {
	if isNotFound(err) {
		return fserrors.New(fserrors.NotFound, op, path)
	}
	return fserrors.Wrap(op, path, err, isTransient(err))
}

// isTransient reports whether a failed S3 call is worth retrying: S3
// service errors (throttling, internal errors) and anything that isn't a
// recognized permanent client error (access denied, no such bucket) are
// treated as transient.
func isTransient(err error) bool {
	var noSuchBucket *s3types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return false
	}
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket":
			return false
		}
	}
	return true
}
