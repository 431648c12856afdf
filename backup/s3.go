package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"golang.org/x/xerrors"
)

// S3Location stores records as private objects under a bucket prefix.
type S3Location struct {
	bucket   string
	prefix   string
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
}

// NewS3Location opens an AWS session in region and checks credentials are
// available.
func NewS3Location(region, bucket, prefix string) (*S3Location, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, xerrors.Errorf("creating aws session: %w", err)
	}
	if _, err := sess.Config.Credentials.Get(); err != nil {
		return nil, xerrors.Errorf("checking credentials: %w", err)
	}
	client := s3.New(sess)
	return NewS3LocationWithClient(client, s3manager.NewUploaderWithClient(client), bucket, prefix), nil
}

// NewS3LocationWithClient uses the given clients.
func NewS3LocationWithClient(client s3iface.S3API, uploader s3manageriface.UploaderAPI, bucket, prefix string) *S3Location {
	return &S3Location{bucket: bucket, prefix: prefix, client: client, uploader: uploader}
}

func (s *S3Location) ID() string { return "s3://" + path.Join(s.bucket, s.prefix) }

func (s *S3Location) key(seq uint64) string {
	return path.Join(s.prefix, fmt.Sprintf("%020d%s", seq, recordExt))
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !xerrors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}

func (s *S3Location) Write(ctx context.Context, r *Record) error {
	key := s.key(r.Seq)
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return ErrAlreadyExists
	} else if !isNotFound(err) {
		return xerrors.Errorf("checking %s: %w", key, err)
	}
	buff, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buff),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return xerrors.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func (s *S3Location) Read(ctx context.Context, seq uint64) (*Record, error) {
	key := s.key(seq)
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, xerrors.Errorf("fetching %s: %w", key, err)
	}
	defer out.Body.Close()
	buff, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, xerrors.Errorf("reading %s: %w", key, err)
	}
	r, err := UnmarshalRecord(s.ID(), buff)
	if err != nil {
		return nil, err
	}
	if r.Seq != seq {
		return nil, &IntegrityError{Seq: seq, Location: s.ID()}
	}
	return r, nil
}

func (s *S3Location) List(ctx context.Context) ([]uint64, error) {
	var seqs []uint64
	prefix := s.prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			name := path.Base(aws.StringValue(obj.Key))
			if !strings.HasSuffix(name, recordExt) {
				continue
			}
			seq, err := strconv.ParseUint(strings.TrimSuffix(name, recordExt), 10, 64)
			if err == nil {
				seqs = append(seqs, seq)
			}
		}
		return true
	})
	if err != nil {
		return nil, xerrors.Errorf("listing %s: %w", s.ID(), err)
	}
	return seqs, nil
}

func (s *S3Location) Close() error { return nil }
