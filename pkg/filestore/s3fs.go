package filestore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	cargoconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargos3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
)

// S3Filestore stores file-key bytes as objects in an S3 bucket, one
// object per key. Uploads prefer the CargoShip transporter (multipart,
// congestion-tuned) and fall back to the plain S3 client when the
// transporter fails or is disabled.
type S3Filestore struct {
	Bucket       string
	Region       string
	Endpoint     string
	ForcePath    bool
	UseCargoShip bool

	client      *s3.Client
	transporter *cargos3.Transporter
}

var _ Store = (*S3Filestore)(nil)

func NewS3Filestore(bucket, region string) *S3Filestore {
	return &S3Filestore{Bucket: bucket, Region: region, UseCargoShip: true}
}

func (s *S3Filestore) Open(ctx context.Context) (Handle, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.Region))
	if err != nil {
		return nil, annexerr.New(annexerr.Fatal, "loading AWS config").WithComponent("s3fs").WithCause(err)
	}
	s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
		}
		o.UsePathStyle = s.ForcePath
	})
	if s.UseCargoShip {
		s.transporter = cargos3.NewTransporter(s.client, cargoconfig.S3Config{
			Bucket:             s.Bucket,
			StorageClass:       cargoconfig.StorageClassStandard,
			MultipartThreshold: 32 << 20,
			MultipartChunkSize: 16 << 20,
			Concurrency:        4,
		})
	}
	return nopHandle{}, nil
}

func (s *S3Filestore) objectExists(ctx context.Context, key filekey.Key) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(string(key)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, annexerr.New(annexerr.Transient, "checking object existence").WithComponent("s3fs").WithCause(err)
}

func (s *S3Filestore) putBytes(ctx context.Context, data []byte, key filekey.Key) error {
	exists, err := s.objectExists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return annexerr.New(annexerr.AlreadyExists, "key already present").
			WithComponent("s3fs").WithDetail("key", string(key))
	}

	if s.transporter != nil {
		_, uploadErr := s.transporter.Upload(ctx, cargos3.Archive{
			Key:    string(key),
			Reader: bytes.NewReader(data),
			Size:   int64(len(data)),
		})
		if uploadErr == nil {
			return nil
		}
		// fall through to the plain client on transporter failure
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(string(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return annexerr.New(annexerr.Transient, "uploading object").WithComponent("s3fs").WithCause(err)
	}
	return nil
}

func (s *S3Filestore) PutFile(ctx context.Context, path string, key filekey.Key) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	return s.putBytes(ctx, data, key)
}

func (s *S3Filestore) PutFileObject(ctx context.Context, r io.Reader, key filekey.Key) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return annexerr.New(annexerr.Fatal, "reading input stream").WithCause(err)
	}
	return s.putBytes(ctx, data, key)
}

func (s *S3Filestore) PutFileBytes(ctx context.Context, b []byte, key filekey.Key) error {
	return s.putBytes(ctx, b, key)
}

func (s *S3Filestore) GetFileObject(ctx context.Context, key filekey.Key) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(string(key)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, annexerr.New(annexerr.NotFound, "key not found").WithComponent("s3fs")
		}
		return nil, annexerr.New(annexerr.Transient, "downloading object").WithComponent("s3fs").WithCause(err)
	}
	return out.Body, nil
}

func (s *S3Filestore) Stat(ctx context.Context, key filekey.Key) (FileInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(string(key)),
	})
	if err != nil {
		return FileInfo{}, annexerr.New(annexerr.NotFound, "key not found").WithComponent("s3fs")
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return FileInfo{Size: size}, nil
}

func (s *S3Filestore) Exists(ctx context.Context, key filekey.Key) (bool, error) {
	return s.objectExists(ctx, key)
}

func (s *S3Filestore) PossiblyExists(ctx context.Context, key filekey.Key) (Existence, error) {
	return Maybe, nil
}

func (s *S3Filestore) Flush(ctx context.Context) error { return nil }
