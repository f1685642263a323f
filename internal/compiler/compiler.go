// Package compiler turns MicroPython source into .mpy program images that a
// hub can run from user RAM.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// DefaultFilename is the name the source is compiled under. It shows up in
// tracebacks printed by the hub.
const DefaultFilename = "main.py"

var (
	ErrCompilerMissing = errors.New("compiler: mpy-cross not found")
	ErrTimeout         = errors.New("compiler: timed out")
)

// Compiler compiles a single MicroPython source file.
type Compiler interface {
	Compile(ctx context.Context, source string) ([]byte, error)
}

// CompileError is a rejected program, typically a syntax error.
type CompileError struct {
	Message string
	Line    int // 0 when unknown
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("compiler: line %d: %s", e.Line, e.Message)
	}
	return "compiler: " + e.Message
}

var lineRe = regexp.MustCompile(`line (\d+)`)

// newCompileError builds a CompileError from compiler output, picking up
// the first line number mentioned.
func newCompileError(msg string) *CompileError {
	e := &CompileError{Message: msg}
	if m := lineRe.FindStringSubmatch(msg); m != nil {
		e.Line, _ = strconv.Atoi(m[1])
	}
	return e
}
