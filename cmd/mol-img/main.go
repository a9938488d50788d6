// Binary mol-img creates, inspects and converts emulator disk images and
// builds the mol-img interpreter extension.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/molimg/molimg"
	"github.com/molimg/molimg/internal/trace"
)

type cmd struct {
	helpText string
	fn       func(ctx context.Context, args []string) error
}

var verbs = map[string]cmd{
	"create":  {createHelp, create},
	"info":    {infoHelp, info},
	"convert": {convertHelp, convert},
	"build":   {buildHelp, buildExtension},
}

const mainHelp = `syntax: mol-img [<verb>] [options]

Verbs:
	create  - create an empty disk image (default)
	info    - show details about a disk image
	convert - convert between image types
	build   - build the mol-img interpreter extension

Run mol-img help <verb> for details.
`

func main() {
	ctx, canc := molimg.InterruptibleContext()
	defer canc()

	if fn := os.Getenv("MOL_IMG_TRACEFILE"); fn != "" {
		f, err := trace.Enable(fn)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
	}

	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, mainHelp)
		os.Exit(2)
	}
	// Without a verb, all arguments belong to create, so that
	// mol-img --type=raw --size=2G disk.img keeps working.
	verb := "create"
	if _, ok := verbs[args[0]]; ok || args[0] == "help" {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		if len(args) != 1 {
			fmt.Fprint(os.Stderr, mainHelp)
			os.Exit(2)
		}
		verb = args[0]
		args = []string{"-help"}
	}
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprint(os.Stderr, mainHelp)
		os.Exit(2)
	}
	err := v.fn(ctx, args)
	if atExitErr := molimg.RunAtExit(); atExitErr != nil {
		log.Printf("cleanup: %v", atExitErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %+v\n", verb, err)
		os.Exit(exitCode(err))
	}
}
