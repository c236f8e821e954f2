// Package objectstore хранит артефакты выгрузок GDPR в S3-совместимом хранилище.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/magabrotheeeer/entitlement-engine/internal/config"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
)

// Store — клиент бакета с выгрузками.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
}

// New создаёт клиент по настройкам. Без ключей используется стандартная
// цепочка учётных данных AWS.
func New(ctx context.Context, cfg config.S3) (*Store, error) {
	const op = "objectstore.New"

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})
	return newStore(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

func newStore(client *s3.Client, bucket, prefix string) *Store {
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		prefix:  prefix,
	}
}

// ExportKey возвращает ключ объекта выгрузки.
func (s *Store) ExportKey(userID, requestID, format string) string {
	return path.Join(s.prefix, userID, requestID+"."+format)
}

// Put загружает документ.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	const op = "objectstore.Put"

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	return nil
}

// Delete удаляет объект. Отсутствующий объект не считается ошибкой.
func (s *Store) Delete(ctx context.Context, key string) error {
	const op = "objectstore.Delete"

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	return nil
}

// PresignGet возвращает ссылку на скачивание, действующую ttl.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	const op = "objectstore.PresignGet"

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return req.URL, nil
}

// HealthCheck проверяет доступность бакета.
func (s *Store) HealthCheck(ctx context.Context) error {
	const op = "objectstore.HealthCheck"

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("%s: %w", op, classify(err))
	}
	return nil
}

// classify помечает сетевые сбои и отмену по таймауту как временные.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Retryable(err)
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && (respErr.HTTPStatusCode() >= 500 || respErr.HTTPStatusCode() == 429) {
		return apperr.Retryable(err)
	}
	return err
}
