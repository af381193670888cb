// SPDX-License-Identifier: GPL-2.0-or-later

package log

// API inspired by zerolog https://github.com/rs/zerolog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	}
	return "unknown"
}

// UnixMicro time in microseconds since the unix epoch.
type UnixMicro uint64

// Now returns the current time as UnixMicro.
func Now() UnixMicro {
	return UnixMicro(time.Now().UnixNano() / 1000)
}

// Entry log entry.
type Entry struct {
	Level    Level     `json:"level"`
	Time     UnixMicro `json:"time"`
	Src      string    `json:"src"`
	StreamID string    `json:"streamID,omitempty"`
	Msg      string    `json:"msg"`
}

// ILogger is the sink that the recorder and the player log to.
type ILogger interface {
	Log(Entry)
}

// NopLogger discards every entry.
type NopLogger struct{}

// Log implements ILogger.
func (NopLogger) Log(Entry) {}

// Or returns logger, or a NopLogger if logger is nil.
func Or(logger ILogger) ILogger {
	if logger == nil {
		return NopLogger{}
	}
	return logger
}

// Event defines log event.
type Event struct {
	entry  Entry
	logger ILogger
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	e.entry.Src = source
	return e
}

// Stream sets the stream the event is about.
func (e *Event) Stream(streamID uint32) *Event {
	e.entry.StreamID = fmt.Sprintf("%d", streamID)
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	e.entry.Time = UnixMicro(t.UnixNano() / 1000)
	return e
}

// Msg sends the *Event with msg added as the message field.
func (e *Event) Msg(msg string) {
	e.entry.Msg = msg
	e.logger.Log(e.entry)
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Msg(fmt.Sprintf(format, v...))
}

// Error starts a new message with error level on any ILogger.
// You must call Msg on the returned event in order to send the event.
func Error(logger ILogger) *Event { return newEvent(logger, LevelError) }

// Warn starts a new message with warning level on any ILogger.
func Warn(logger ILogger) *Event { return newEvent(logger, LevelWarning) }

// Info starts a new message with info level on any ILogger.
func Info(logger ILogger) *Event { return newEvent(logger, LevelInfo) }

// Debug starts a new message with debug level on any ILogger.
func Debug(logger ILogger) *Event { return newEvent(logger, LevelDebug) }

func newEvent(logger ILogger, level Level) *Event {
	return &Event{
		entry: Entry{
			Level: level,
			Time:  Now(),
		},
		logger: Or(logger),
	}
}

// Feed defines feed of logs.
type Feed <-chan Entry
type logFeed chan Entry

// Logger broadcasts entries to its subscribers.
type Logger struct {
	feed  logFeed      // feed of logs.
	sub   chan logFeed // subscribe requests.
	unsub chan logFeed // unsubscribe requests.

	done chan struct{}
	wg   *sync.WaitGroup
}

// NewLogger returns a Logger, call Start before use.
func NewLogger(wg *sync.WaitGroup) *Logger {
	return &Logger{
		feed:  make(logFeed),
		sub:   make(chan logFeed),
		unsub: make(chan logFeed),
		done:  make(chan struct{}),
		wg:    wg,
	}
}

// NewMockLogger used for testing.
func NewMockLogger() *Logger {
	return NewLogger(&sync.WaitGroup{})
}

// Start logger.
func (l *Logger) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		subs := map[logFeed]struct{}{}
		for {
			select {
			case <-ctx.Done():
				close(l.done)
				return

			case ch := <-l.sub:
				subs[ch] = struct{}{}

			case ch := <-l.unsub:
				close(ch)
				delete(subs, ch)

			case entry := <-l.feed:
				for ch := range subs {
					ch <- entry
				}
			}
		}
	}()
}

// Log implements ILogger. Entries sent after
// the logger context is canceled are dropped.
func (l *Logger) Log(entry Entry) {
	if entry.Time == 0 {
		entry.Time = Now()
	}
	select {
	case l.feed <- entry:
	case <-l.done:
	}
}

// Error starts a new message with error level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Error() *Event { return newEvent(l, LevelError) }

// Warn starts a new message with warn level.
func (l *Logger) Warn() *Event { return newEvent(l, LevelWarning) }

// Info starts a new message with info level.
func (l *Logger) Info() *Event { return newEvent(l, LevelInfo) }

// Debug starts a new message with debug level.
func (l *Logger) Debug() *Event { return newEvent(l, LevelDebug) }

// CancelFunc cancels log feed subsciption.
type CancelFunc func()

// Subscribe returns a new chan with log feed and a CancelFunc.
func (l *Logger) Subscribe() (<-chan Entry, CancelFunc) {
	feed := make(logFeed)
	l.sub <- feed

	cancel := func() {
		l.unSubscribe(feed)
	}
	return feed, cancel
}

func (l *Logger) unSubscribe(feed logFeed) {
	// Read feed until unsub request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case <-feed:
		case <-l.done:
			return
		}
	}
}

// LogToStdout prints log feed to Stdout.
func (l *Logger) LogToStdout(ctx context.Context) {
	feed, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case entry := <-feed:
			fmt.Println(formatEntry(entry))
		case <-ctx.Done():
			return
		}
	}
}

func formatEntry(entry Entry) string {
	var b strings.Builder
	b.WriteString("[" + strings.ToUpper(entry.Level.String()) + "] ")

	if entry.Src != "" {
		b.WriteString(entry.Src + ": ")
	}
	if entry.StreamID != "" {
		b.WriteString("stream " + entry.StreamID + ": ")
	}
	b.WriteString(entry.Msg)
	return b.String()
}
