package main

import (
	"io"
	"log"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// stampWriter prefixes every log line with a local timestamp and " ||| ".
type stampWriter struct {
	w   io.Writer
	now func() time.Time
}

func (s stampWriter) Write(p []byte) (int, error) {
	line := make([]byte, 0, len(timeLayout)+5+len(p))
	line = s.now().AppendFormat(line, timeLayout)
	line = append(line, " ||| "...)
	line = append(line, p...)
	if _, err := s.w.Write(line); err != nil {
		return 0, err
	}
	return len(p), nil
}

// newLogger returns the progress logger: "2024-05-01 12:00:00 ||| message".
func newLogger(w io.Writer) *log.Logger {
	return log.New(stampWriter{w: w, now: time.Now}, "", 0)
}
