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
	"fmt"
	"mime"
	"path"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	uploadCount   metric.Int64Counter
	uploadBytes   metric.Int64Counter
	uploadErrors  metric.Int64Counter
	downloadCount metric.Int64Counter
	touchCount    metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/wbbackup/internal/cloudstorage")

	var err error
	uploadCount, err = meter.Int64Counter(
		"wbbackup.storage.upload.count",
		metric.WithDescription("Number of objects uploaded"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.count counter: %w", err))
	}

	uploadBytes, err = meter.Int64Counter(
		"wbbackup.storage.upload.bytes",
		metric.WithDescription("Bytes uploaded to object storage"),
		metric.WithUnit("By"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.bytes counter: %w", err))
	}

	uploadErrors, err = meter.Int64Counter(
		"wbbackup.storage.upload.errors",
		metric.WithDescription("Number of failed object uploads"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.errors counter: %w", err))
	}

	downloadCount, err = meter.Int64Counter(
		"wbbackup.storage.download.count",
		metric.WithDescription("Number of objects read back from object storage"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create download.count counter: %w", err))
	}

	touchCount, err = meter.Int64Counter(
		"wbbackup.storage.touch.count",
		metric.WithDescription("Number of objects whose last-modified time was refreshed"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create touch.count counter: %w", err))
	}
}

// contentType picks the object content type from the key's extension.
func contentType(key string) string {
	switch ext := path.Ext(key); ext {
	case ".twbx":
		return "application/x-twbx"
	case "":
		return "application/octet-stream"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}
