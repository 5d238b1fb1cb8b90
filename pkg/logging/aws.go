package logging

import (
	"github.com/aws/smithy-go/logging"
)

// AWSAdapter routes aws-sdk-go-v2 client logs into our logger
type AWSAdapter struct {
	Logger Logger
}

func (l *AWSAdapter) Logf(classification logging.Classification, format string, v ...interface{}) {
	switch classification {
	case logging.Warn:
		l.Logger.Warnf(format, v...)
	default:
		l.Logger.Debugf(format, v...)
	}
}
