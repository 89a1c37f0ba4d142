package corpus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/MrCodeEU/faceid/pkg/config"
)

// S3Corpus stores training images as objects under a bucket prefix.
// A PUT is atomic, so no temporary objects are written.
type S3Corpus struct {
	store

	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3Corpus connects to the bucket described by cfg. Credentials come from
// the default AWS chain (environment, shared config, instance role).
func NewS3Corpus(cfg config.S3Config) (*S3Corpus, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewS3CorpusWithClient(s3.New(sess), cfg.Bucket, cfg.Prefix), nil
}

// NewS3CorpusWithClient creates an S3Corpus on an existing client.
func NewS3CorpusWithClient(client s3iface.S3API, bucket, prefix string) *S3Corpus {
	sc := &S3Corpus{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
	sc.store.init(sc, "corpus")
	return sc
}

func (sc *S3Corpus) objectKey(key string) string {
	if sc.prefix == "" {
		return key
	}
	return sc.prefix + "/" + key
}

func (sc *S3Corpus) list(ctx context.Context) ([]string, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(sc.bucket)}
	trim := ""
	if sc.prefix != "" {
		trim = sc.prefix + "/"
		input.Prefix = aws.String(trim)
	}

	keys := []string{}
	err := sc.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.StringValue(obj.Key), trim)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			keys = append(keys, key)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (sc *S3Corpus) read(ctx context.Context, key string) ([]byte, error) {
	resp, err := sc.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(sc.bucket),
		Key:    aws.String(sc.objectKey(key)),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (sc *S3Corpus) write(ctx context.Context, key string, data []byte) (string, error) {
	_, err := sc.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(sc.bucket),
		Key:         aws.String(sc.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (sc *S3Corpus) location(key string) string {
	return "s3://" + sc.bucket + "/" + sc.objectKey(key)
}
