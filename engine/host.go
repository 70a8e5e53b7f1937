package engine

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// HostModule is the import module name engines use for host services.
const HostModule = "psp_host"

// maxLogLine bounds a single engine log line read from guest memory.
const maxLogLine = 64 << 10

func instantiateHost(ctx context.Context, rt wazero.Runtime, logger *zap.Logger) error {
	engineLog := logger.Named("engine")

	_, err := rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, size uint32) {
			if size > maxLogLine {
				size = maxLogLine
			}
			line, ok := m.Memory().Read(ptr, size)
			if !ok {
				engineLog.Warn("log line out of bounds", zap.Uint32("ptr", ptr), zap.Uint32("len", size))
				return
			}
			engineLog.Info(string(line))
		}).
		Export("log").
		NewFunctionBuilder().
		WithFunc(func(context.Context) float64 {
			return float64(time.Now().UnixNano()) / 1e6
		}).
		Export("now_ms").
		Instantiate(ctx)
	return err
}

// newLogWriter routes guest stdout/stderr lines to the logger.
func newLogWriter(logger *zap.Logger, stream string) *zapio.Writer {
	return &zapio.Writer{
		Log:   logger.Named("engine").With(zap.String("stream", stream)),
		Level: zapcore.DebugLevel,
	}
}
