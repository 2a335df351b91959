package socket

import (
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	srt "github.com/datarhei/gosrt"
)

// Log is a log message. It is the same type gosrt uses, so a Logger can
// be shared with the SRT layer.
type Log = srt.Log

// Logger is a topic based logger. Topics are hierarchical and separated by
// colons. Enabling "socket" enables "socket:recv:error" as well.
type Logger interface {
	// HasTopic returns whether this Logger is logging messages of that topic.
	HasTopic(topic string) bool

	// Print adds a new message to the message queue. The message itself is
	// a function that returns the string to be logged. It will only be
	// executed if HasTopic returns true on the given topic.
	Print(topic string, socketId uint32, skip int, message func() string)

	// Listen returns a read channel for Log messages.
	Listen() <-chan Log

	// Close closes the logger. No more messages will be logged.
	Close()
}

var _ srt.Logger = Logger(nil)

type logger struct {
	logtopics map[string]bool

	lock    sync.RWMutex
	channel chan Log
	closed  bool
}

// NewLogger returns a Logger that only listens on the provided topics.
func NewLogger(topics []string) Logger {
	l := &logger{
		logtopics: make(map[string]bool),
		channel:   make(chan Log, 1024),
	}

	for _, topic := range topics {
		l.logtopics[topic] = true
	}

	return l
}

func (l *logger) HasTopic(topic string) bool {
	if len(l.logtopics) == 0 {
		return false
	}

	for {
		if l.logtopics[topic] {
			return true
		}

		i := strings.LastIndexByte(topic, ':')
		if i < 0 {
			return false
		}

		topic = topic[:i]
	}
}

func (l *logger) Print(topic string, socketId uint32, skip int, message func() string) {
	if !l.HasTopic(topic) {
		return
	}

	_, file, line, _ := runtime.Caller(skip)

	msg := Log{
		Time:     time.Now(),
		SocketId: socketId,
		Topic:    topic,
		Message:  message(),
		File:     filepath.Base(file),
		Line:     line,
	}

	l.lock.RLock()
	defer l.lock.RUnlock()

	if l.closed {
		return
	}

	// non-blocking
	select {
	case l.channel <- msg:
	default:
	}
}

func (l *logger) Listen() <-chan Log {
	return l.channel
}

func (l *logger) Close() {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.closed {
		return
	}

	l.closed = true
	close(l.channel)
}
