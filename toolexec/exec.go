// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Package toolexec is meshnoded's default peer.ToolExecutor: it runs a
// locally hosted tool as a subprocess, the same way the federation's
// original node-update tool shelled out to a script rather than
// running work in-process.
package toolexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"github.com/sage-x-project/meshcore/config"
	"github.com/sage-x-project/meshcore/internal/logger"
)

const (
	defaultTimeout = 120 * time.Second
	outputTail     = 2000
	errTail        = 500
)

// CommandExecutor invokes locally hosted tools by running a configured
// command per tool name. It satisfies peer.ToolExecutor.
type CommandExecutor struct {
	commands map[string]config.ToolCommand
	log      logger.Logger
}

// New builds a CommandExecutor from the node's configured tool_commands.
func New(commands map[string]config.ToolCommand, log logger.Logger) *CommandExecutor {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &CommandExecutor{commands: commands, log: log}
}

// Invoke runs the command bound to name, passing args through as
// "--key=value" flags in sorted key order for reproducible argv. The
// command's stdout and stderr are captured and tailed, mirroring the
// original federation tool's truncate-to-last-N-characters behavior so
// a runaway tool can't flood the caller with output.
func (e *CommandExecutor) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	tc, ok := e.commands[name]
	if !ok {
		return nil, fmt.Errorf("toolexec: no command bound to tool %q", name)
	}

	timeout := tc.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append([]string{}, tc.Args...)
	argv = append(argv, flagsFromArgs(args)...)

	cmd := exec.CommandContext(ctx, tc.Command, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := map[string]any{
		"success": runErr == nil,
		"output":  tail(stdout.String(), outputTail),
		"errors":  tail(stderr.String(), errTail),
	}
	if runErr != nil {
		e.log.Warn("tool command failed",
			logger.String("tool", name),
			logger.String("command", tc.Command),
			logger.Error(runErr),
		)
	}
	return result, nil
}

// flagsFromArgs renders a tool-call argument map as sorted "--key=value"
// flags so repeated calls with the same arguments always produce the
// same argv.
func flagsFromArgs(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	flags := make([]string, 0, len(keys))
	for _, k := range keys {
		flags = append(flags, fmt.Sprintf("--%s=%v", k, args[k]))
	}
	return flags
}

// tail returns the last n characters of s, matching the original
// subprocess wrapper's output[-n:] truncation.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
