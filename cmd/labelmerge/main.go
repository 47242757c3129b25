// Command-line interface to the labelmerge server.
// Provides the commands to serve label and points layers over HTTP.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"sort"
	"strings"
	"syscall"

	"github.com/janelia-flyem/labelmerge/dvid"
	"github.com/janelia-flyem/labelmerge/server"
	"github.com/janelia-flyem/labelmerge/storage"

	// Declare the storage engines available beyond the in-memory one.
	_ "github.com/janelia-flyem/labelmerge/storage/badger"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Address for http communication, overriding the config file.
	httpAddress = flag.String("http", "", "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")
)

const helpMessage = `
labelmerge serves label volumes and marker points and merges the labels under the points

Usage: labelmerge [options] <command>

      -http       =string   Address for HTTP communication, overriding [server] httpAddress.
      -cpuprofile =string   Write CPU profile to this file.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	serve  <config.toml>
	token  <config.toml> <user>
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()
	os.Exit(run(flag.Args()))
}

// run executes the command line and returns the process exit code.  Deferred
// cleanup like stopping the CPU profile happens before main exits.
func run(args []string) int {
	if len(args) >= 1 && strings.ToLower(args[0]) == "help" {
		*showHelp = true
	}

	if *runVerbose {
		dvid.Verbose = true
	}
	if *showHelp || len(args) == 0 {
		flag.Usage()
		return 0
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return 1
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return 1
		}
		defer pprof.StopCPUProfile()
	}

	if err := DoCommand(dvid.Command(args)); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

// DoCommand serves as a switchboard for commands.
func DoCommand(cmd dvid.Command) error {
	switch cmd.Name() {
	case "serve":
		return DoServe(cmd)
	case "token":
		return DoToken(cmd)
	case "about":
		fmt.Printf("labelmerge %s\n", server.Version)
		versions := storage.Versions()
		engines := make([]string, 0, len(versions))
		for name := range versions {
			engines = append(engines, name)
		}
		sort.Strings(engines)
		for _, name := range engines {
			fmt.Printf("  %-8s %s\n", name, versions[name])
		}
	default:
		return fmt.Errorf("unknown command %q, try 'labelmerge help'", cmd.Name())
	}
	return nil
}

// DoServe loads the configuration and serves the layers it describes until
// an interrupt or termination signal.
func DoServe(cmd dvid.Command) error {
	var configPath string
	cmd.CommandArgs(&configPath)
	if configPath == "" {
		return fmt.Errorf("serve command must be followed by the path to the TOML configuration file")
	}
	if err := server.LoadConfig(configPath); err != nil {
		return err
	}
	server.SetHTTPAddress(*httpAddress)
	if err := server.Initialize(); err != nil {
		return err
	}

	// Capture ctrl+c and other interrupts.  Then handle graceful shutdown.
	stopSig := make(chan os.Signal, 1)
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)
	served := make(chan error, 1)
	go func() {
		served <- server.Serve()
	}()

	select {
	case sig := <-stopSig:
		dvid.Infof("Stop signal captured: %q.  Shutting down...\n", sig)
	case err := <-served:
		if err != nil {
			server.Shutdown()
			dvid.Shutdown()
			return err
		}
	}
	server.Shutdown()
	dvid.Shutdown()
	return nil
}

// DoToken prints a JWT for a user, signed with the secret key in the configuration.
func DoToken(cmd dvid.Command) error {
	var configPath, user string
	cmd.CommandArgs(&configPath, &user)
	if configPath == "" || user == "" {
		return fmt.Errorf("token command must be followed by the path to the TOML configuration file and a user name")
	}
	if err := server.LoadConfig(configPath); err != nil {
		return err
	}
	token, err := server.GenerateJWT(user)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
