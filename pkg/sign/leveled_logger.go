package sign

import (
	"fmt"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// newLeveledLogger adapts a logrus entry to retryablehttp's LeveledLogger so
// retry chatter is emitted at proper levels instead of Printf noise. Wire
// logs are kept at warn level; retries on a flaky service are routine.
func newLeveledLogger(org string) retryablehttp.LeveledLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return &leveledLogger{entry: l.WithField("org", org)}
}

type leveledLogger struct {
	entry *logrus.Entry
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(wireFields(keysAndValues)).Error(msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(wireFields(keysAndValues)).Warn(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(wireFields(keysAndValues)).Info(msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(wireFields(keysAndValues)).Debug(msg)
}

func wireFields(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprintf("%v", keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
