package pifs

import "github.com/sirupsen/logrus"

// loggers holds one *logrus.Entry per component, field-keyed rather than
// message-keyed so callers can filter by component in structured log
// sinks. A nil *logrus.Logger passed to newLoggers falls back to logrus's
// standard logger.
type loggers struct {
	cache     *logrus.Entry
	fsbm      *logrus.Entry
	deltaMap  *logrus.Entry
	wearLevel *logrus.Entry
	merge     *logrus.Entry
	file      *logrus.Entry
}

func newLoggers(base *logrus.Logger) loggers {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return loggers{
		cache:     base.WithField("component", "cache"),
		fsbm:      base.WithField("component", "fsbm"),
		deltaMap:  base.WithField("component", "deltamap"),
		wearLevel: base.WithField("component", "wearlevel"),
		merge:     base.WithField("component", "merge"),
		file:      base.WithField("component", "file"),
	}
}
