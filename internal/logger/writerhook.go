// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package logger

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// writerHook sends log entries at or above a minimum level to a writer.
type writerHook struct {
	lock      sync.Mutex
	writer    io.Writer
	level     logrus.Level
	formatter logrus.Formatter
}

func newWriterHook(writer io.Writer, level logrus.Level, forceColors bool) *writerHook {
	return &writerHook{
		writer: writer,
		level:  level,
		formatter: &logrus.TextFormatter{
			ForceColors:            forceColors,
			DisableColors:          !forceColors,
			FullTimestamp:          true,
			DisableLevelTruncation: true,
		},
	}
}

func (h *writerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if entry.Level > h.level {
		return nil
	}

	msg, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	_, err = h.writer.Write(msg)
	return err
}

func (h *writerHook) setLevel(level logrus.Level) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.level = level
}
