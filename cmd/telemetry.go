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

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cardinalhq/oteltools/pkg/telemetry"
	"github.com/hashicorp/go-multierror"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/host"
	iruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cardinalhq/wbbackup/config"
)

const servicename = "wbbackup"

func otlpEnabled() bool {
	return os.Getenv("OTEL_SERVICE_NAME") != "" && os.Getenv("ENABLE_OTLP_TELEMETRY") == "true"
}

func logLevel() slog.Level {
	if debugLogs || os.Getenv("DEBUG") != "" || os.Getenv("WBBACKUP_DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// setupTelemetry installs the default logger and, when OTLP export is
// enabled, the OpenTelemetry SDK. The returned context is cancelled on
// SIGINT or SIGTERM; the returned function flushes and shuts everything down.
func setupTelemetry(logging config.LoggingConfig) (context.Context, func() error, error) {
	// Catch signals to stop the process as gracefully as possible.
	doneCtx, doneCancel := handleSignals(context.Background())

	opts := &slog.HandlerOptions{Level: logLevel()}
	handlers := []slog.Handler{slog.NewTextHandler(os.Stdout, opts)}

	var logFile *lumberjack.Logger
	if logging.File != "" {
		logFile = &lumberjack.Logger{
			Filename:   logging.File,
			MaxSize:    logging.MaxSizeMB, // MB
			MaxBackups: logging.MaxBackups,
			MaxAge:     logging.MaxAgeDays,
			Compress:   true,
		}
		handlers = append(handlers, slog.NewTextHandler(logFile, opts))
	}

	closers := []func(context.Context) error{}
	if logFile != nil {
		closers = append(closers, func(context.Context) error { return logFile.Close() })
	}

	if otlpEnabled() {
		handlers = append(handlers, otelslog.NewHandler(servicename))
		slog.SetDefault(slog.New(slogmulti.Fanout(handlers...)).With(slog.String("service", servicename)))
		slog.Info("OpenTelemetry exporting enabled")

		otelShutdown, err := telemetry.SetupOTelSDK(doneCtx)
		if err != nil {
			doneCancel()
			return doneCtx, nil, fmt.Errorf("failed to setup OpenTelemetry SDK: %w", err)
		}

		if err := iruntime.Start(iruntime.WithMinimumReadMemStatsInterval(time.Second * 10)); err != nil {
			slog.Warn("failed to start runtime metrics", "error", err.Error())
		}

		if err := host.Start(); err != nil {
			slog.Warn("failed to start host metrics", "error", err.Error())
		}

		closers = append([]func(context.Context) error{otelShutdown}, closers...)
	} else {
		slog.SetDefault(slog.New(slogmulti.Fanout(handlers...)).With(slog.String("service", servicename)))
	}

	f := func() error {
		defer doneCancel()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs *multierror.Error
		for _, c := range closers {
			if err := c(ctx); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return errs.ErrorOrNil()
	}
	return doneCtx, f, nil
}
