package main

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/arzzra/callctl/pkg/config"
)

// writerHook пишет записи заданных уровней в Writer
type writerHook struct {
	mu        sync.Mutex
	Writer    io.Writer
	LogLevels []logrus.Level
	Formatter logrus.Formatter
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := h.Formatter.Format(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.Writer.Write(line)
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

// SetWriter подменяет приемник, например на вывод консоли readline
func (h *writerHook) SetWriter(w io.Writer) {
	h.mu.Lock()
	h.Writer = w
	h.mu.Unlock()
}

// logging логгер демона с консольным и файловым приемниками
type logging struct {
	logger  *logrus.Logger
	console *writerHook
	file    *lumberjack.Logger
}

func initLogging(cfg config.LoggingSection) (*logging, error) {
	consoleMin, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	fileMin, err := logrus.ParseLevel(cfg.FileLevel)
	if err != nil {
		return nil, err
	}

	var formatter logrus.Formatter = &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"}
	if cfg.JSON {
		formatter = &logrus.JSONFormatter{}
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetFormatter(formatter)

	l := &logging{
		logger:  logger,
		console: &writerHook{Writer: os.Stdout, LogLevels: availableLevels(consoleMin), Formatter: formatter},
	}
	logger.AddHook(l.console)

	level := consoleMin
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		// в файл всегда текст с полной датой
		fileFormatter := &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}
		logger.AddHook(&writerHook{Writer: l.file, LogLevels: availableLevels(fileMin), Formatter: fileFormatter})
		if fileMin > level {
			level = fileMin
		}
	}
	logger.SetLevel(level)
	return l, nil
}

// close сбрасывает и закрывает файл журнала
func (l *logging) close() {
	if l.file != nil {
		_ = l.file.Close()
	}
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, lvl := range logrus.AllLevels {
		if lvl <= min {
			levels = append(levels, lvl)
		}
	}
	return levels
}
