package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	WarningLog *log.Logger
	InfoLog    *log.Logger
	ErrorLog   *log.Logger
	DebugLog   *log.Logger
)

var debugEnabled = os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1"

var logFileName = filepath.Join(os.TempDir(), "swarm.log")

var (
	globalLogFile *os.File
	initMu        sync.Mutex
)

const logFlags = log.Ldate | log.Ltime | log.Lshortfile

func init() {
	// Packages log before Initialize runs (tests, library use), so start on stderr.
	setOutput(os.Stderr, "")
}

func setOutput(w io.Writer, prefix string) {
	InfoLog = log.New(w, prefix+"INFO:", logFlags)
	WarningLog = log.New(w, prefix+"WARNING:", logFlags)
	ErrorLog = log.New(w, prefix+"ERROR:", logFlags)
	if debugEnabled {
		DebugLog = log.New(w, prefix+"DEBUG:", logFlags)
	} else {
		DebugLog = log.New(io.Discard, "", 0)
	}
}

// Initialize should be called once at the beginning of the program to set up logging.
// defer Close() after calling this function. It sets the go log output to the file in
// the os temp directory. daemon prefixes every line so the background runner's output
// can be told apart from one-shot commands sharing the file.
func Initialize(daemon bool) {
	initMu.Lock()
	defer initMu.Unlock()

	prefix := ""
	if daemon {
		prefix = "[DAEMON] "
	}

	f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		// Fallback to stderr
		setOutput(os.Stderr, prefix)
		fmt.Fprintf(os.Stderr, "Warning: using stderr for logging: %v\n", err)
		return
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetOutput(f)
	setOutput(f, prefix)
	globalLogFile = f
}

// Close flushes and closes the log file opened by Initialize.
func Close() {
	initMu.Lock()
	defer initMu.Unlock()

	if globalLogFile == nil {
		return
	}
	_ = globalLogFile.Close()
	globalLogFile = nil
	setOutput(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "wrote logs to "+logFileName)
}

// FilePath returns the path of the log file used by Initialize.
func FilePath() string {
	return logFileName
}

// Every is used to log at most once every timeout duration.
type Every struct {
	sometimes rate.Sometimes
}

func NewEvery(timeout time.Duration) *Every {
	return &Every{sometimes: rate.Sometimes{First: 1, Interval: timeout}}
}

// ShouldLog returns true if the timeout has passed since the last log.
func (e *Every) ShouldLog() bool {
	should := false
	e.sometimes.Do(func() { should = true })
	return should
}

// IsDebugEnabled returns true if debug logging is enabled.
func IsDebugEnabled() bool {
	return debugEnabled
}
