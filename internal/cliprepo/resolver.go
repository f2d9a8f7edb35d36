/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cliprepo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownScheme indicates a locator with an unrecognized scheme.
	ErrUnknownScheme = errors.New("unknown locator scheme")

	// ErrOutsideMediaRoot indicates a filesystem locator that escapes the
	// configured media root.
	ErrOutsideMediaRoot = errors.New("locator escapes media root")

	// ErrS3NotConfigured indicates an s3 locator without S3 configuration.
	ErrS3NotConfigured = errors.New("s3 storage not configured")
)

// S3Config configures presigned URL generation for s3 locators.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	Endpoint        string // S3-compatible services (MinIO, Spaces, etc.)
	UsePathStyle    bool
	PresignTTL      time.Duration
}

// Resolver turns stored locators into playable paths or URLs.
//
// Supported schemes:
//
//	fs:<relpath>   path under the media root
//	s3:<key>       presigned GET URL for the configured bucket
//	http(s)://...  passed through unchanged
type Resolver struct {
	mediaRoot string
	bucket    string
	ttl       time.Duration
	presigner *s3.PresignClient
	logger    zerolog.Logger
}

// NewResolver creates a locator resolver. S3 support is optional; it is
// enabled when cfg names a bucket.
func NewResolver(ctx context.Context, mediaRoot string, cfg S3Config, logger zerolog.Logger) (*Resolver, error) {
	r := &Resolver{
		mediaRoot: mediaRoot,
		bucket:    cfg.Bucket,
		ttl:       cfg.PresignTTL,
		logger:    logger.With().Str("component", "resolver").Logger(),
	}
	if r.ttl <= 0 {
		r.ttl = 15 * time.Minute
	}
	if cfg.Bucket == "" {
		return r, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	r.presigner = s3.NewPresignClient(client)

	r.logger.Info().Str("bucket", cfg.Bucket).Str("region", cfg.Region).Msg("s3 locator support enabled")
	return r, nil
}

// Resolve maps a locator to a playable path or URL.
func (r *Resolver) Resolve(ctx context.Context, locator string) (string, error) {
	switch {
	case strings.HasPrefix(locator, "fs:"):
		return r.resolveFS(strings.TrimPrefix(locator, "fs:"))
	case strings.HasPrefix(locator, "s3:"):
		return r.resolveS3(ctx, strings.TrimPrefix(locator, "s3:"))
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		return locator, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScheme, locator)
	}
}

func (r *Resolver) resolveFS(relpath string) (string, error) {
	cleaned := filepath.Clean("/" + relpath) // forces the path relative to root
	full := filepath.Join(r.mediaRoot, cleaned)
	if rel, err := filepath.Rel(r.mediaRoot, full); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrOutsideMediaRoot, relpath)
	}
	return full, nil
}

func (r *Resolver) resolveS3(ctx context.Context, key string) (string, error) {
	if r.presigner == nil {
		return "", ErrS3NotConfigured
	}
	req, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}
