// Command cvd is the client CLI for the cvdd daemon. Selector flags
// come before the subcommand; everything after it is passed to the
// daemon untouched.
//
//	cvd [--group_name=g] [--instance_name=i] <command> [args...]
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"cvdd/internal/client"
)

func main() {
	flags := pflag.NewFlagSet("cvd", pflag.ContinueOnError)
	groupName := flags.String("group_name", "", "name of the instance group to operate on")
	instanceName := flags.StringSlice("instance_name", nil, "per-instance name (repeatable)")
	flags.SetInterspersed(false)

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "cvd: %v\n", err)
		os.Exit(1)
	}

	rest := flags.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cvd [--group_name=g] [--instance_name=i] <command> [args...]")
		os.Exit(1)
	}
	command := rest[0]
	args := rest[1:]

	var selectors []string
	if *groupName != "" {
		selectors = append(selectors, "--group_name="+*groupName)
	}
	if len(*instanceName) > 0 {
		selectors = append(selectors, "--instance_names="+strings.Join(*instanceName, ","))
	}

	os.Exit(client.Run(command, args, selectors))
}
