package analytics

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFileDataCollector appends one JSON line per event to a dedicated
// file, keeping analytics out of the process log stream.
type LogFileDataCollector struct {
	fileName string
	logger   *zap.Logger
}

var _ FlowDataCollector = new(LogFileDataCollector)

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	writer := zapcore.AddSync(logFile)
	core := zapcore.NewTee(zapcore.NewCore(fileEncoder, writer, zapcore.InfoLevel))
	return &LogFileDataCollector{
		fileName: fileName,
		logger:   zap.New(core),
	}, nil
}

func (lc *LogFileDataCollector) RecordStepSuccess(flowId string, sessionId string, nodeId string, nodeType string, output map[string]any) {
	lc.logger.Info("step_success",
		zap.String("flowId", flowId),
		zap.String("sessionId", sessionId),
		zap.String("nodeId", nodeId),
		zap.String("nodeType", nodeType),
		zap.Any("output", output))
}

func (lc *LogFileDataCollector) RecordStepFailure(flowId string, sessionId string, nodeId string, nodeType string, reason string) {
	lc.logger.Info("step_failure",
		zap.String("flowId", flowId),
		zap.String("sessionId", sessionId),
		zap.String("nodeId", nodeId),
		zap.String("nodeType", nodeType),
		zap.String("reason", reason))
}

func (lc *LogFileDataCollector) RecordSessionEnd(flowId string, sessionId string, state string, nodeExecutions int) {
	lc.logger.Info("session_end",
		zap.String("flowId", flowId),
		zap.String("sessionId", sessionId),
		zap.String("state", state),
		zap.Int("nodeExecutions", nodeExecutions))
}
