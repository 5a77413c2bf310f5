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
	"context"
	"io"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/wbbackup/internal/azureclient"
	"github.com/cardinalhq/wbbackup/internal/storageprofile"
)

// azureTouchedKey must be a valid C# identifier to be accepted as metadata.
const azureTouchedKey = "wbbackup_touched_at"

// azureClient implements the Client interface for Azure Blob Storage. The
// profile bucket is the container name.
type azureClient struct {
	blobClient *azureclient.BlobClient
	profile    storageprofile.StorageProfile
}

var _ Client = (*azureClient)(nil)

func newAzureClient(blobClient *azureclient.BlobClient, profile storageprofile.StorageProfile) *azureClient {
	return &azureClient{blobClient: blobClient, profile: profile}
}

func (c *azureClient) metricAttrs() metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("provider", storageprofile.ProviderAzure),
		attribute.String("bucket", c.profile.Bucket),
	)
}

// Put uploads the blob. Blob tags have tighter character rules than S3 tags,
// so workbook tags are stored as URL-escaped metadata instead.
func (c *azureClient) Put(ctx context.Context, key string, data []byte, tags map[string]string) error {
	blobName := c.profile.ObjectKey(key)
	ctx, span := c.blobClient.Tracer.Start(ctx, "cloudstorage.azurePut",
		trace.WithAttributes(
			attribute.String("bucket", c.profile.Bucket),
			attribute.String("key", blobName),
			attribute.Int("size", len(data)),
		),
	)
	defer span.End()

	metadata := map[string]*string{
		"writer": to.Ptr("wbbackup"),
	}
	for k, v := range tags {
		metadata[k] = to.Ptr(url.QueryEscape(v))
	}

	_, err := c.blobClient.Client.UploadBuffer(ctx, c.profile.Bucket, blobName, data, &azblob.UploadBufferOptions{
		Metadata: metadata,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(contentType(key)),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		uploadErrors.Add(ctx, 1, c.metricAttrs())
		return classify("put "+blobName, err)
	}

	uploadCount.Add(ctx, 1, c.metricAttrs())
	uploadBytes.Add(ctx, int64(len(data)), c.metricAttrs())
	return nil
}

func (c *azureClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	blobName := c.profile.ObjectKey(key)
	ctx, span := c.blobClient.Tracer.Start(ctx, "cloudstorage.azureGet",
		trace.WithAttributes(
			attribute.String("bucket", c.profile.Bucket),
			attribute.String("key", blobName),
		),
	)
	defer span.End()

	resp, err := c.blobClient.Client.DownloadStream(ctx, c.profile.Bucket, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		span.RecordError(err)
		return nil, false, classify("get "+blobName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, classify("read "+blobName, err)
	}
	downloadCount.Add(ctx, 1, c.metricAttrs())
	return data, true, nil
}

// Touch rewrites the blob metadata, which moves Last-Modified forward.
func (c *azureClient) Touch(ctx context.Context, key string) error {
	blobName := c.profile.ObjectKey(key)
	ctx, span := c.blobClient.Tracer.Start(ctx, "cloudstorage.azureTouch",
		trace.WithAttributes(
			attribute.String("bucket", c.profile.Bucket),
			attribute.String("key", blobName),
		),
	)
	defer span.End()

	bc := c.blobClient.Client.ServiceClient().NewContainerClient(c.profile.Bucket).NewBlobClient(blobName)
	props, err := bc.GetProperties(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return classify("properties "+blobName, err)
	}

	metadata := make(map[string]*string, len(props.Metadata)+1)
	for k, v := range props.Metadata {
		metadata[k] = v
	}
	metadata[azureTouchedKey] = to.Ptr(time.Now().UTC().Format(time.RFC3339))

	if _, err := bc.SetMetadata(ctx, metadata, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "touch failed")
		return classify("touch "+blobName, err)
	}
	touchCount.Add(ctx, 1, c.metricAttrs())
	return nil
}
