// Package logger предоставляет логирование с префиксом сервиса и асинхронной записью,
// чтобы не блокировать обработку realtime-событий и таймеров. Поддерживается логирование
// времени выполнения функций.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const asyncBufferSize = 8192

var (
	prefix   atomic.Value
	logLevel atomic.Int32
	ch       chan string
	once     sync.Once
	out      = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
)

type level int32

const (
	levelDebug level = iota
	levelInfo
	levelWarn
)

func init() {
	logLevel.Store(int32(levelInfo))
	prefix.Store("")
}

func parseLevel(s string) level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return levelDebug
	case "warn", "warning", "error":
		return levelWarn
	default:
		return levelInfo
	}
}

func initWorker() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		logLevel.Store(int32(parseLevel(v)))
	}
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			out.Print(msg)
		}
	}()
}

func enqueue(msg string) {
	once.Do(initWorker)
	select {
	case ch <- msg:
	default:
		// Буфер полон: не блокируем, теряем лог
	}
}

func enabled(l level) bool {
	return level(logLevel.Load()) <= l
}

// SetPrefix задаёт префикс для всех последующих логов (например "chatd").
func SetPrefix(p string) {
	prefix.Store(p)
}

// SetLevel задаёт уровень из конфига (debug, info, warn). Переопределяет LOG_LEVEL.
func SetLevel(s string) {
	once.Do(initWorker)
	logLevel.Store(int32(parseLevel(s)))
}

// SetOutput перенаправляет вывод (в тестах: в io.Discard или буфер).
func SetOutput(w io.Writer) {
	out.SetOutput(w)
}

func tag() string {
	p, _ := prefix.Load().(string)
	if p == "" {
		return ""
	}
	return "[" + p + "] "
}

// Debugf пишет только при уровне debug.
func Debugf(format string, v ...any) {
	if !enabled(levelDebug) {
		return
	}
	enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
}

// Info пишет в log с префиксом (асинхронно).
func Info(v ...any) {
	if !enabled(levelInfo) {
		return
	}
	enqueue(tag() + fmt.Sprint(v...))
}

// Infof форматирует и пишет с префиксом (асинхронно).
func Infof(format string, v ...any) {
	if !enabled(levelInfo) {
		return
	}
	enqueue(tag() + fmt.Sprintf(format, v...))
}

// Warnf: не фатальные проблемы: потеря соединения, отброшенные события.
func Warnf(format string, v ...any) {
	enqueue(tag() + "WARN: " + fmt.Sprintf(format, v...))
}

// Error пишет ошибку с префиксом (асинхронно).
func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

// Errorf форматирует ошибку с префиксом (асинхронно).
func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения в миллисекундах (асинхронно).
// При уровне info логирует только вызовы дольше 100ms; при debug: все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if enabled(levelDebug) || elapsed >= 100*time.Millisecond {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("Select", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
