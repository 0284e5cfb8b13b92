package raft

// Logger is the minimal structured-logging capability the core needs. It
// matches github.com/galdor/go-log's *log.Logger so callers can pass one
// straight through without an adapter.
type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(int, string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})       {}
func (nopLogger) Error(string, ...interface{})      {}
