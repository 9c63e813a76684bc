package log

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/nepwire/internal/config"
)

type MultiWriter struct {
	writers []io.Writer
}

func (m *MultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range m.writers {
		_, e := w.Write(p)
		if e != nil {
			err = e
		}
	}
	return len(p), err
}

func (m *MultiWriter) Add(writer io.Writer) *MultiWriter {
	m.writers = append(m.writers, writer)
	return m
}

// AddAppender decodes a free-form appender entry and attaches it.
func (m *MultiWriter) AddAppender(a config.AppenderConfig) error {
	switch a.Type {
	case "stderr":
		m.Add(os.Stderr)
	case "stdout":
		m.Add(os.Stdout)
	case "file":
		var opt FileAppenderOpt
		if err := mapstructure.Decode(a.Options, &opt); err != nil {
			return fmt.Errorf("file appender options: %w", err)
		}
		if opt.Filename == "" {
			return fmt.Errorf("file appender requires 'filename'")
		}
		m.AddFileAppender(opt)
	default:
		return fmt.Errorf("unknown appender type %q", a.Type)
	}
	return nil
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{writers: make([]io.Writer, 0)}
}
