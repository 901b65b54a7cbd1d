/*
Velociraptor - Dig Deeper
Copyright (C) 2019-2025 Rapid7 Inc.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"www.velocidex.com/golang/flowrunner/config"
)

var (
	GenericComponent       = "FlowRunner"
	FrontendComponent      = "FlowRunnerFrontend"
	FlowComponent          = "FlowRunnerFlows"
	HuntComponent          = "FlowRunnerHunts"
	OutputPluginsComponent = "FlowRunnerOutputPlugins"
	ToolComponent          = "FlowRunnerTool"

	mu      sync.Mutex
	manager = &LogManager{
		contexts: make(map[*string]*LogContext),
	}

	// Recent log lines are kept in memory for inspection by tests.
	memory_logs []string
	max_memory  = 5000
)

type LogContext struct {
	*logrus.Logger
}

func (self *LogContext) Debug(format string, v ...interface{}) {
	self.Logger.Debug(fmt.Sprintf(format, v...))
}

func (self *LogContext) Info(format string, v ...interface{}) {
	self.Logger.Info(fmt.Sprintf(format, v...))
}

func (self *LogContext) Warn(format string, v ...interface{}) {
	self.Logger.Warn(fmt.Sprintf(format, v...))
}

func (self *LogContext) Error(format string, v ...interface{}) {
	self.Logger.Error(fmt.Sprintf(format, v...))
}

type LogManager struct {
	mu       sync.Mutex
	contexts map[*string]*LogContext
}

func (self *LogManager) Reset() {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.contexts = make(map[*string]*LogContext)
}

func (self *LogManager) GetLogger(
	config_obj *config.Config, component *string) *LogContext {
	self.mu.Lock()
	defer self.mu.Unlock()

	ctx, pres := self.contexts[component]
	if pres {
		return ctx
	}

	ctx = &LogContext{Logger: makeLogger(config_obj, *component)}
	self.contexts[component] = ctx
	return ctx
}

func makeLogger(config_obj *config.Config, component string) *logrus.Logger {
	logger := logrus.New()
	logger.Out = os.Stderr
	logger.Level = logrus.InfoLevel
	logger.Formatter = &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	}
	logger.AddHook(&memoryHook{component: component})

	if config_obj == nil || config_obj.Logging == nil {
		return logger
	}

	if config_obj.Logging.Debug {
		logger.Level = logrus.DebugLevel
	}

	if config_obj.Logging.OutputDirectory != "" {
		base := filepath.Join(config_obj.Logging.OutputDirectory,
			strings.ToLower(component))
		logger.AddHook(lfshook.NewHook(lfshook.PathMap{
			logrus.DebugLevel: base + "_debug.log",
			logrus.InfoLevel:  base + "_info.log",
			logrus.WarnLevel:  base + "_warn.log",
			logrus.ErrorLevel: base + "_error.log",
		}, &logrus.JSONFormatter{}))
	}

	return logger
}

// Prepare the logging directory. Loggers created before this call
// keep their previous configuration.
func InitLogging(config_obj *config.Config) error {
	if config_obj.Logging != nil && config_obj.Logging.OutputDirectory != "" {
		err := os.MkdirAll(config_obj.Logging.OutputDirectory, 0700)
		if err != nil {
			return fmt.Errorf("Unable to create logging directory: %w", err)
		}
	}
	manager.Reset()
	return nil
}

func GetLogger(config_obj *config.Config, component *string) *LogContext {
	return manager.GetLogger(config_obj, component)
}

// Silence stderr output (used by the CLI for machine readable
// output).
func SuppressStderr(config_obj *config.Config, component *string) {
	GetLogger(config_obj, component).Out = io.Discard
}

type memoryHook struct {
	component string
}

func (self *memoryHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (self *memoryHook) Fire(entry *logrus.Entry) error {
	mu.Lock()
	defer mu.Unlock()

	memory_logs = append(memory_logs, fmt.Sprintf("%s: [%s] %s",
		self.component, strings.ToUpper(entry.Level.String()),
		entry.Message))
	if len(memory_logs) > max_memory {
		memory_logs = memory_logs[len(memory_logs)-max_memory:]
	}
	return nil
}

func GetMemoryLogs() []string {
	mu.Lock()
	defer mu.Unlock()

	return append([]string{}, memory_logs...)
}

func ClearMemoryLogs() {
	mu.Lock()
	defer mu.Unlock()

	memory_logs = nil
}
