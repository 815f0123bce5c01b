package hypervisor

import "github.com/sirupsen/logrus"

var log logrus.FieldLogger = logrus.StandardLogger().WithField("pkg", "hypervisor")

// SetLogger replaces the package logger. It should be called before any VM is
// created.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	log = l
}
