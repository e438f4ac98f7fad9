//go:build !test

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/bobuhiro11/kvmdos/dos"
	"github.com/bobuhiro11/kvmdos/flag"
	"github.com/bobuhiro11/kvmdos/loader"
	"github.com/bobuhiro11/kvmdos/supervisor"
)

// fatalExitCode is returned for every setup error and every exit path
// listed in spec.md §7, other than a DOS program's own AH=4Ch code.
const fatalExitCode = 252

const loaderBase = 0x0100

func main() {
	os.Exit(run())
}

func run() int {
	c, err := flag.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return fatalExitCode
	}

	streams := dos.Streams{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}

	s, err := supervisor.New("/dev/kvm", streams)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return fatalExitCode
	}

	if err := loader.LoadImage(c.Image, s.Memory(), loaderBase); err != nil {
		fmt.Fprintln(os.Stderr, err)

		return fatalExitCode
	}

	tail, err := loader.BuildCommandTail(c.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return fatalExitCode
	}

	if err := loader.BuildPSP(s.Memory(), loaderBase, tail); err != nil {
		fmt.Fprintln(os.Stderr, err)

		return fatalExitCode
	}

	if err := s.Boot(loaderBase); err != nil {
		fmt.Fprintln(os.Stderr, err)

		return fatalExitCode
	}

	err = s.Run()

	var code supervisor.ExitCode
	if errors.As(err, &code) {
		return int(code)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return fatalExitCode
	}

	return 0
}
