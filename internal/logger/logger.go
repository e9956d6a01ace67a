package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// 日志保留时长
const retention = 48 * time.Hour

type Logger struct {
	infoLogger  *log.Logger
	errorLogger *log.Logger
	debugLogger *log.Logger
	logDir      string
	files       []*os.File
	stop        chan struct{}
	closeOnce   sync.Once
}

func NewLogger(logDir string) (*Logger, error) {
	// 创建日志目录
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	l := &Logger{
		logDir: logDir,
		stop:   make(chan struct{}),
	}

	if err := l.initLogFiles(); err != nil {
		return nil, err
	}

	// 启动日志清理协程
	go l.startLogCleanup()

	return l, nil
}

// NewNop 返回丢弃所有输出的日志器，测试使用
func NewNop() *Logger {
	return &Logger{
		infoLogger:  log.New(io.Discard, "", 0),
		errorLogger: log.New(io.Discard, "", 0),
		debugLogger: log.New(io.Discard, "", 0),
		stop:        make(chan struct{}),
	}
}

func (l *Logger) initLogFiles() error {
	dateStr := time.Now().Format("2006-01-02")

	open := func(prefix string) (*os.File, error) {
		path := filepath.Join(l.logDir, fmt.Sprintf("%s_%s.log", prefix, dateStr))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("创建%s日志文件失败: %w", prefix, err)
		}
		l.files = append(l.files, f)
		return f, nil
	}

	infoFile, err := open("info")
	if err != nil {
		return err
	}
	errorFile, err := open("error")
	if err != nil {
		return err
	}
	debugFile, err := open("debug")
	if err != nil {
		return err
	}

	// 同时输出到文件和控制台
	l.infoLogger = log.New(io.MultiWriter(os.Stdout, infoFile), "[INFO] ", log.LstdFlags|log.Lshortfile)
	l.errorLogger = log.New(io.MultiWriter(os.Stderr, errorFile), "[ERROR] ", log.LstdFlags|log.Lshortfile)
	l.debugLogger = log.New(io.MultiWriter(os.Stdout, debugFile), "[DEBUG] ", log.LstdFlags|log.Lshortfile)

	return nil
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.infoLogger.Output(2, fmt.Sprintf(format, v...))
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.errorLogger.Output(2, fmt.Sprintf(format, v...))
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.debugLogger.Output(2, fmt.Sprintf(format, v...))
}

func (l *Logger) InfoWithContext(context string, format string, v ...interface{}) {
	l.infoLogger.Output(2, fmt.Sprintf("[%s] %s", context, fmt.Sprintf(format, v...)))
}

func (l *Logger) ErrorWithContext(context string, format string, v ...interface{}) {
	l.errorLogger.Output(2, fmt.Sprintf("[%s] %s", context, fmt.Sprintf(format, v...)))
}

func (l *Logger) DebugWithContext(context string, format string, v ...interface{}) {
	l.debugLogger.Output(2, fmt.Sprintf("[%s] %s", context, fmt.Sprintf(format, v...)))
}

// startLogCleanup 每48小时删除旧日志，Close后退出
func (l *Logger) startLogCleanup() {
	ticker := time.NewTicker(retention)
	defer ticker.Stop()

	l.cleanupOldLogs()

	for {
		select {
		case <-ticker.C:
			l.cleanupOldLogs()
		case <-l.stop:
			return
		}
	}
}

func (l *Logger) cleanupOldLogs() {
	cutoffTime := time.Now().Add(-retention)

	files, err := filepath.Glob(filepath.Join(l.logDir, "*.log"))
	if err != nil {
		l.Error("扫描日志文件失败: %v", err)
		return
	}

	deletedCount := 0
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoffTime) {
			if err := os.Remove(file); err != nil {
				l.Error("删除旧日志文件失败 %s: %v", file, err)
			} else {
				deletedCount++
			}
		}
	}

	if deletedCount > 0 {
		l.Info("日志清理完成，删除了 %d 个旧日志文件", deletedCount)
	}
}

// Close 停止清理协程并关闭日志文件
func (l *Logger) Close() error {
	var errs []error
	l.closeOnce.Do(func() {
		close(l.stop)
		for _, f := range l.files {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})

	if len(errs) > 0 {
		return fmt.Errorf("关闭日志文件时发生错误: %v", errs)
	}
	return nil
}

// LogLedgerAction 记录账本变动
func (l *Logger) LogLedgerAction(accountID int64, kind string, amount decimal.Decimal, details string) {
	l.InfoWithContext("LEDGER", "账户 %d %s %s - %s", accountID, kind, amount.String(), details)
}

// LogDuelAction 记录对局相关操作
func (l *Logger) LogDuelAction(duelID string, action string, details string) {
	l.InfoWithContext("DUEL", "对局 %s %s - %s", duelID, action, details)
}

// LogChainAction 记录链上操作
func (l *Logger) LogChainAction(action string, details string) {
	l.InfoWithContext("CHAIN", "链上操作: %s - %s", action, details)
}
