// cswi runs a CodeSwitch package.
//
//	cswi [-v] in.cswp
//
// The package is validated, then its main function is interpreted. The
// process exits 0 when main returns, with the given status on sys exit,
// and 1 on any error.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/codeswitch/config"
	"github.com/chazu/codeswitch/flags"
	"github.com/chazu/codeswitch/vm"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cswi [-v] in.cswp")
}

func main() {
	err := run(os.Args[1:])
	if err == nil {
		return
	}
	var exit *vm.ExitError
	if errors.As(err, &exit) {
		os.Exit(int(exit.Status))
	}
	var ferr *flags.FlagError
	if errors.As(err, &ferr) {
		fmt.Fprintln(os.Stderr, "cswi:", err)
		usage()
	} else {
		fmt.Fprintln(os.Stderr, "cswi:", err)
	}
	os.Exit(1)
}

func run(args []string) error {
	var (
		verbose bool
		inputs  []string
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-v":
			verbose = true
		default:
			if len(args[i]) > 0 && args[i][0] == '-' {
				return flags.Errorf(args[i], "unknown flag")
			}
			inputs = append(inputs, args[i])
		}
	}
	if len(inputs) != 1 {
		return flags.Errorf("", "expected exactly one input file")
	}

	verbosity := 0
	if verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)
	if cfg, err := config.FindAndLoad("."); err != nil {
		return err
	} else if cfg != nil {
		if err := cfg.Apply(); err != nil {
			return err
		}
	}

	pkg, err := vm.ReadFile(inputs[0])
	if err != nil {
		return err
	}
	defer pkg.Close()
	if err := pkg.Validate(); err != nil {
		return err
	}
	entry, err := pkg.FunctionByName("main")
	if err != nil {
		return err
	}

	var runner vm.Runner
	var runErr error
	runner.Run(func() {
		runErr = vm.Interpret(pkg, entry, os.Stdout)
	})
	runner.Wait()
	return runErr
}
