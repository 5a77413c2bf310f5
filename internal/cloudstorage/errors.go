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
	"errors"
	"io/fs"
	"net"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/cardinalhq/wbbackup/internal/backup"
)

var (
	s3RateLimitCodes = map[string]bool{
		"SlowDown":                 true,
		"Throttling":               true,
		"ThrottlingException":      true,
		"RequestLimitExceeded":     true,
		"TooManyRequests":          true,
		"TooManyRequestsException": true,
	}
	s3AuthCodes = map[string]bool{
		"AccessDenied":          true,
		"InvalidAccessKeyId":    true,
		"SignatureDoesNotMatch": true,
		"ExpiredToken":          true,
		"InvalidToken":          true,
		"AllAccessDisabled":     true,
	}
	s3NotFoundCodes = map[string]bool{
		"NoSuchBucket": true,
		"NoSuchKey":    true,
		"NotFound":     true,
	}
	// Requests the store rejects outright; resending them cannot succeed.
	s3MalformedCodes = map[string]bool{
		"InvalidArgument":     true,
		"InvalidRequest":      true,
		"InvalidTag":          true,
		"InvalidObjectName":   true,
		"EntityTooLarge":      true,
		"EntityTooSmall":      true,
		"KeyTooLongError":     true,
		"MetadataTooLarge":    true,
		"MalformedXML":        true,
		"InvalidDigest":       true,
		"BadDigest":           true,
		"InvalidBucketName":   true,
		"InvalidStorageClass": true,
	}
)

// classify wraps a provider error in a backup.Error whose kind drives the
// retry policy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return backup.NewError(kindOf(err), op, err)
}

func kindOf(err error) backup.FailureKind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backup.KindTransientNetwork
	}
	if errors.Is(err, fs.ErrNotExist) {
		return backup.KindNotFound
	}
	if errors.Is(err, fs.ErrPermission) {
		return backup.KindAuth
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case s3RateLimitCodes[code]:
			return backup.KindRateLimited
		case s3AuthCodes[code]:
			return backup.KindAuth
		case s3NotFoundCodes[code]:
			return backup.KindNotFound
		case s3MalformedCodes[code]:
			return backup.KindMalformedContent
		}
	}

	if bloberror.HasCode(err, bloberror.ServerBusy) {
		return backup.KindRateLimited
	}
	if bloberror.HasCode(err,
		bloberror.AuthenticationFailed,
		bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.InsufficientAccountPermissions) {
		return backup.KindAuth
	}
	if bloberror.HasCode(err, bloberror.ContainerNotFound, bloberror.BlobNotFound, bloberror.ResourceNotFound) {
		return backup.KindNotFound
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		return kindForStatus(status.HTTPStatusCode())
	}
	var azErr *azcore.ResponseError
	if errors.As(err, &azErr) {
		return kindForStatus(azErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return backup.KindTransientNetwork
	}
	return backup.KindServerError
}

func kindForStatus(code int) backup.FailureKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return backup.KindAuth
	case code == http.StatusNotFound:
		return backup.KindNotFound
	case code == http.StatusTooManyRequests:
		return backup.KindRateLimited
	case code == http.StatusRequestTimeout:
		return backup.KindTransientNetwork
	case code >= 400 && code < 500:
		return backup.KindMalformedContent
	default:
		return backup.KindServerError
	}
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}
