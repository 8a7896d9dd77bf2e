package iec104

import "github.com/sirupsen/logrus"

// _lg is the package logger, a logrus standard logger unless replaced.
// Per-client loggers can be set through ClientOption.SetLogger instead.
var _lg logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the package-level logger.
func SetLogger(lg logrus.FieldLogger) {
	if lg != nil {
		_lg = lg
	}
}
