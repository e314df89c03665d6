package formatter

import "github.com/sirupsen/logrus"

// SetTextFormatter installs the text formatter and the source hook on logger
func SetTextFormatter(logger *logrus.Logger) {
	logger.SetFormatter(NewTextFormatter())
	logger.SetReportCaller(true)
	logger.AddHook(NewSourceHook())
}
