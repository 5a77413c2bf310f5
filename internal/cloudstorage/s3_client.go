// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cloudstorage

import (
	"bytes"
	"context"
	"io"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/wbbackup/internal/awsclient"
	"github.com/cardinalhq/wbbackup/internal/storageprofile"
)

const touchedMetadataKey = "wbbackup-touched-at"

type s3Client struct {
	awsS3Client *awsclient.S3Client
	uploader    *manager.Uploader
	profile     storageprofile.StorageProfile
}

var _ Client = (*s3Client)(nil)

func newS3Client(c *awsclient.S3Client, profile storageprofile.StorageProfile) *s3Client {
	return &s3Client{
		awsS3Client: c,
		uploader:    manager.NewUploader(c.Client),
		profile:     profile,
	}
}

func (c *s3Client) Put(ctx context.Context, key string, data []byte, tags map[string]string) error {
	objectKey := c.profile.ObjectKey(key)
	ctx, span := c.awsS3Client.Tracer.Start(ctx, "cloudstorage.s3Put",
		trace.WithAttributes(
			attribute.String("bucket", c.profile.Bucket),
			attribute.String("key", objectKey),
			attribute.Int("size", len(data)),
		),
	)
	defer span.End()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.profile.Bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(key)),
		Metadata: map[string]string{
			"writer": "wbbackup",
		},
	}
	if len(tags) > 0 {
		input.Tagging = aws.String(encodeTags(tags))
	}

	attrs := metric.WithAttributes(
		attribute.String("provider", storageprofile.ProviderS3),
		attribute.String("bucket", c.profile.Bucket),
	)
	if _, err := c.uploader.Upload(ctx, input); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		uploadErrors.Add(ctx, 1, attrs)
		return classify("put "+objectKey, err)
	}

	uploadCount.Add(ctx, 1, attrs)
	uploadBytes.Add(ctx, int64(len(data)), attrs)
	return nil
}

func (c *s3Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	objectKey := c.profile.ObjectKey(key)
	ctx, span := c.awsS3Client.Tracer.Start(ctx, "cloudstorage.s3Get",
		trace.WithAttributes(
			attribute.String("bucket", c.profile.Bucket),
			attribute.String("key", objectKey),
		),
	)
	defer span.End()

	resp, err := c.awsS3Client.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.profile.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		span.RecordError(err)
		return nil, false, classify("get "+objectKey, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, classify("read "+objectKey, err)
	}
	downloadCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", storageprofile.ProviderS3),
		attribute.String("bucket", c.profile.Bucket),
	))
	return data, true, nil
}

// Touch copies the object onto itself. S3 rejects a self-copy that changes
// nothing, so the metadata is replaced with the old set plus a touch stamp;
// tags are kept by the default tagging directive.
func (c *s3Client) Touch(ctx context.Context, key string) error {
	objectKey := c.profile.ObjectKey(key)
	ctx, span := c.awsS3Client.Tracer.Start(ctx, "cloudstorage.s3Touch",
		trace.WithAttributes(
			attribute.String("bucket", c.profile.Bucket),
			attribute.String("key", objectKey),
		),
	)
	defer span.End()

	head, err := c.awsS3Client.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.profile.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		span.RecordError(err)
		return classify("head "+objectKey, err)
	}

	metadata := maps.Clone(head.Metadata)
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata[touchedMetadataKey] = time.Now().UTC().Format(time.RFC3339)

	_, err = c.awsS3Client.Client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(c.profile.Bucket),
		Key:               aws.String(objectKey),
		CopySource:        aws.String(copySource(c.profile.Bucket, objectKey)),
		MetadataDirective: types.MetadataDirectiveReplace,
		Metadata:          metadata,
		ContentType:       head.ContentType,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "touch failed")
		return classify("touch "+objectKey, err)
	}
	touchCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", storageprofile.ProviderS3),
		attribute.String("bucket", c.profile.Bucket),
	))
	return nil
}

// encodeTags renders tags as the URL query string S3 expects, in key order.
func encodeTags(tags map[string]string) string {
	v := url.Values{}
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		v.Set(k, tags[k])
	}
	return v.Encode()
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}
