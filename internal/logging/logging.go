package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"storefront/internal/config"
)

// New builds the process logger from cfg and installs it as the zap global.
// With a filename set, JSON lines go to a rotated file and a console copy to
// stdout.
func New(cfg config.Log) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	if lvl := strings.TrimSpace(cfg.Level); lvl != "" {
		l, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, errors.Wrapf(err, "log level %q", lvl)
		}
		zapConfig.Level.SetLevel(l)
	}

	var logger *zap.Logger
	if cfg.Filename != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
		}
		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(rotator),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			return nil, errors.Wrap(err, "build logger")
		}
	}

	zap.ReplaceGlobals(logger)
	return logger, nil
}
