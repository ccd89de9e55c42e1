// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package pg

import (
	"context"

	"github.com/jackc/pgx/v5/tracelog"
	"go.gearno.de/throttle/log"
)

type (
	// logger forwards pgx trace logs to a log.Logger.
	logger struct {
		logger *log.Logger
	}
)

var (
	_ tracelog.Logger = (*logger)(nil)
)

func logLevel(level tracelog.LogLevel) log.Level {
	switch level {
	case tracelog.LogLevelTrace:
		return log.LevelDebug - 1
	case tracelog.LogLevelDebug:
		return log.LevelDebug
	case tracelog.LogLevelInfo:
		return log.LevelInfo
	case tracelog.LogLevelWarn:
		return log.LevelWarn
	default:
		return log.LevelError
	}
}

func (l *logger) Log(
	ctx context.Context,
	level tracelog.LogLevel,
	msg string,
	data map[string]any,
) {
	attrs := make([]log.Attr, 0, len(data)+1)
	for k, v := range data {
		attrs = append(attrs, log.Any(k, v))
	}

	if level == tracelog.LogLevelTrace {
		attrs = append(attrs, log.String("pgx_level", level.String()))
	}

	l.logger.Log(ctx, logLevel(level), msg, attrs...)
}
