// cswasm assembles CodeSwitch packages from text and disassembles them back.
//
//	cswasm -o out.cswp in.csws       assemble
//	cswasm -d -o out.csws in.cswp    disassemble
//
// The -m flag additionally writes a CBOR manifest of the assembled package.
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
	fmt.Fprintln(os.Stderr, "usage: cswasm [-d] [-v] [-m manifest] -o out in")
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		var ferr *flags.FlagError
		if errors.As(err, &ferr) {
			fmt.Fprintln(os.Stderr, "cswasm:", err)
			usage()
		} else {
			fmt.Fprintln(os.Stderr, "cswasm:", err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		disassemble  bool
		verbose      bool
		output       string
		manifestPath string
		inputs       []string
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-d":
			disassemble = true
		case "-v":
			verbose = true
		case "-o":
			if i+1 >= len(args) {
				return flags.Errorf("-o", "requires an output path")
			}
			i++
			output = args[i]
		case "-m":
			if i+1 >= len(args) {
				return flags.Errorf("-m", "requires a manifest path")
			}
			i++
			manifestPath = args[i]
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

	if disassemble {
		return runDisassemble(inputs[0], output)
	}
	return runAssemble(inputs[0], output, manifestPath)
}

func runAssemble(input, output, manifestPath string) error {
	if output == "" {
		return flags.Errorf("-o", "required when assembling")
	}
	in, err := os.Open(input)
	if err != nil {
		return err
	}
	defer in.Close()

	pkg, err := vm.ReadPackageAsm(input, in)
	if err != nil {
		return err
	}
	defer pkg.Close()
	if err := pkg.Validate(); err != nil {
		return err
	}
	if err := pkg.WriteFile(output); err != nil {
		return err
	}
	if manifestPath != "" {
		f, err := os.Create(manifestPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := vm.WriteManifest(f, pkg); err != nil {
			return err
		}
	}
	return nil
}

func runDisassemble(input, output string) error {
	pkg, err := vm.ReadFile(input)
	if err != nil {
		return err
	}
	defer pkg.Close()
	if err := pkg.Validate(); err != nil {
		return err
	}

	out := os.Stdout
	if output != "" {
		if out, err = os.Create(output); err != nil {
			return err
		}
		defer out.Close()
	}
	return vm.WritePackageAsm(out, pkg)
}
