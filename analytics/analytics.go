// Package analytics emits step and session events to a collector,
// feeding the reporting pipeline without touching the hot path's main
// log stream. The default collector drops everything.
package analytics

type DataCollectorConfig struct {
	FileName      string
	CollectorType DataCollectorType
}

type DataCollectorType string

const LOG_FILE_DATA_COLLECTOR DataCollectorType = "LOG_FILE_DATA_COLLECTOR"

type FlowDataCollector interface {
	RecordStepSuccess(flowId string, sessionId string, nodeId string, nodeType string, output map[string]any)
	RecordStepFailure(flowId string, sessionId string, nodeId string, nodeType string, reason string)
	RecordSessionEnd(flowId string, sessionId string, state string, nodeExecutions int)
}

type noopCollector struct{}

func (noopCollector) RecordStepSuccess(string, string, string, string, map[string]any) {}
func (noopCollector) RecordStepFailure(string, string, string, string, string)         {}
func (noopCollector) RecordSessionEnd(string, string, string, int)                     {}

var flowCollector FlowDataCollector = noopCollector{}

func InitDataCollector(config DataCollectorConfig) error {
	switch config.CollectorType {
	case LOG_FILE_DATA_COLLECTOR:
		c, err := NewLogFileDataCollector(config.FileName)
		if err != nil {
			return err
		}
		flowCollector = c
	}
	return nil
}

func RecordStepSuccess(flowId string, sessionId string, nodeId string, nodeType string, output map[string]any) {
	flowCollector.RecordStepSuccess(flowId, sessionId, nodeId, nodeType, output)
}

func RecordStepFailure(flowId string, sessionId string, nodeId string, nodeType string, reason string) {
	flowCollector.RecordStepFailure(flowId, sessionId, nodeId, nodeType, reason)
}

func RecordSessionEnd(flowId string, sessionId string, state string, nodeExecutions int) {
	flowCollector.RecordSessionEnd(flowId, sessionId, state, nodeExecutions)
}
