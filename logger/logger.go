package logger

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var zlog *zap.Logger

func init() {
	var err error
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zlog, err = config.Build(zap.AddCallerSkip(1))
	if err != nil {
		log.Fatal(err)
	}
}

// InitLogger replaces the default production logger, used by tests to
// install a development logger.
func InitLogger(l *zap.Logger) {
	zlog = l
}

func Info(msg string, fields ...zap.Field) {
	zlog.Info(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	zlog.Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	zlog.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	zlog.Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	zlog.Fatal(msg, fields...)
}
