// Copyright (C) The Peaklink Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package peaklink

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var version = "development"

type cmdHandler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

var handlers = map[string]cmdHandler{
	"assoc": &assoc{},
	"pairs": &pairscmd{},
	"stats": &statscmd{},
}

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(runCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func runCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(prog, stderr)
		return 2
	}
	switch args[0] {
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "%s %s\n", prog, version)
		return 0
	}
	handler, ok := handlers[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "%s: unrecognized command %q\n", prog, args[0])
		usage(prog, stderr)
		return 2
	}
	return handler.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
}

func usage(prog string, stderr io.Writer) {
	cmds := make([]string, 0, len(handlers))
	for name := range handlers {
		cmds = append(cmds, name)
	}
	sort.Strings(cmds)
	fmt.Fprintf(stderr, "usage: %s command [options]\n\ncommands:\n", prog)
	for _, name := range cmds {
		fmt.Fprintf(stderr, "  %s\n", name)
	}
	fmt.Fprintf(stderr, "  version\n")
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
