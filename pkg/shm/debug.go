/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

type logger struct {
	name      string
	mu        sync.Mutex
	out       io.Writer
	callDepth int
}

var (
	internalLogger = &logger{name: "shmptr", out: os.Stdout, callDepth: 3}
	level          atomic.Int32
	debugMode      = false

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

func init() {
	level.Store(LevelWarn)
	if os.Getenv("SHMPTR_LOG_LEVEL") != "" {
		if n, err := strconv.Atoi(os.Getenv("SHMPTR_LOG_LEVEL")); err == nil {
			if n >= LevelTrace && n <= LevelNoPrint {
				level.Store(int32(n))
			}
		}
	}

	if os.Getenv("SHMPTR_DEBUG_MODE") != "" {
		debugMode = true
	}
}

// SetLogLevel changes the internal logger's level; the default is LevelWarn.
// The process env `SHMPTR_LOG_LEVEL` also sets it.
func SetLogLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// SetLogOutput redirects the internal logger, stdout by default.
func SetLogOutput(out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	internalLogger.mu.Lock()
	internalLogger.out = out
	internalLogger.mu.Unlock()
}

func (l *logger) logf(lv int, format string, a ...interface{}) {
	if int(level.Load()) > lv {
		return
	}
	line := l.prefix(lv) + fmt.Sprintf(format, a...) + reset + "\n"
	l.mu.Lock()
	_, err := io.WriteString(l.out, line)
	l.mu.Unlock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger %s failed: %v\n", levelName[lv], err)
	}
}

func (l *logger) errorf(format string, a ...interface{}) { l.logf(LevelError, format, a...) }

func (l *logger) warnf(format string, a ...interface{}) { l.logf(LevelWarn, format, a...) }

func (l *logger) infof(format string, a ...interface{}) { l.logf(LevelInfo, format, a...) }

func (l *logger) debugf(format string, a ...interface{}) { l.logf(LevelDebug, format, a...) }

// lockTracef only prints with SHMPTR_DEBUG_MODE set.
func (l *logger) lockTracef(format string, a ...interface{}) {
	if debugMode {
		l.logf(LevelTrace, format, a...)
	}
}

func (l *logger) prefix(level int) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	_, _ = buf.WriteString(colors[level])
	_, _ = buf.WriteString(levelName[level])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
	return buf.String()
}

func (l *logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth + 1)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}
