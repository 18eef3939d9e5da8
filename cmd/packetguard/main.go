// Command packetguard trains packet anomaly classifiers, applies them to
// captured traffic and reports their metrics.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/hed1ad/packetguard/pkg/report"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	a := newApp(stderr)
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteC()
	if ferr := a.finish(); ferr != nil && err == nil {
		err = ferr
	}
	if err == nil {
		return 0
	}

	if cmd != nil && cmd.Name() == metricsCmdName {
		if werr := report.Write(stdout, report.Fail(err)); werr != nil {
			fmt.Fprintln(stderr, "Error:", werr)
		}
	} else {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return 1
}
