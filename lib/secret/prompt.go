// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrNotTerminal is returned by Prompt when stdin is not a terminal.
var ErrNotTerminal = errors.New("secret: stdin is not a terminal")

// Prompt writes prompt to w and reads a line from the terminal on
// stdin without echo.
func Prompt(stdin io.Reader, w io.Writer, prompt string) (*Buffer, error) {
	file, ok := stdin.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return nil, ErrNotTerminal
	}
	fmt.Fprint(w, prompt)
	data, err := term.ReadPassword(int(file.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return nil, fmt.Errorf("reading from terminal: %w", err)
	}
	defer Zero(data)
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	return NewFromBytes(data)
}
