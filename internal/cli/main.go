package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stagehand-sql/stagehand"
	"github.com/stagehand-sql/stagehand/catalog"
	"github.com/stagehand-sql/stagehand/history"
)

const (
	createUsage = `create [-dir D] [-digits N] NAME
	   Scaffold the next migration file titled NAME in directory D,
	   with forward and rollback markers in place.`
	upUsage       = `up           Run every pending, changed or previously failed migration`
	statusUsage   = `status       Report each migration's classification against history`
	rollbackUsage = `rollback TARGET
	   Undo every batch after TARGET, which is a batch number or a migration name.
	   Pass 0 to undo everything.`
	freshUsage = `fresh [-f]   Rollback everything, then run everything. Destructive.
	Use -f to bypass confirmation`
)

func handleSubCmdHelp(help bool, usage string, flagSet *flag.FlagSet) {
	if help {
		fmt.Fprintln(os.Stderr, usage)
		flagSet.PrintDefaults()
		os.Exit(0)
	}
}

func newFlagSetWithHelp(name string) (*flag.FlagSet, *bool) {
	flagSet := flag.NewFlagSet(name, flag.ExitOnError)
	helpPtr := flagSet.Bool("help", false, "Print help information")
	return flagSet, helpPtr
}

// set main log
var log = &Log{}

func printUsageAndExit() {
	flag.Usage()

	// If a command is not found we exit with a status 2 to match the behavior
	// of flag.Parse() with flag.ExitOnError when parsing an invalid flag.
	os.Exit(2)
}

// Main function of a cli application.
func Main(version string) {
	helpPtr := flag.Bool("help", false, "")
	versionPtr := flag.Bool("version", false, "")
	verbosePtr := flag.Bool("verbose", false, "")
	lockTimeoutPtr := flag.Duration("lock-timeout", 0, "")
	lockWaitPtr := flag.Duration("lock-wait", 0, "")
	pathPtr := flag.String("path", "", "")
	databasePtr := flag.String("database", "", "")
	sourcePtr := flag.String("source", "", "")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr,
			`Usage: stagehand OPTIONS COMMAND [arg...]
       stagehand [ -version | -help ]

Options:
  -source          Location of the migrations (driver://url), default $STAGEHAND_SOURCE
  -path            Shorthand for -source=file://path
  -database        Run migrations against this database (driver://url), default $STAGEHAND_DATABASE
  -lock-timeout D  How long an acquired lock stays live before another process may steal it (default 5m)
  -lock-wait D     Keep retrying lock acquisition for up to D instead of failing immediately
  -verbose         Print verbose logging
  -version         Print version
  -help            Print usage

Commands:
  %s
  %s
  %s
  %s
  %s

Catalog drivers: `+strings.Join(catalog.List(), ", ")+`
Database drivers: `+strings.Join(history.List(), ", ")+"\n",
			upUsage, statusUsage, rollbackUsage, createUsage, freshUsage)
	}

	flag.Parse()

	// initialize logger
	log.verbose = *verbosePtr

	// show cli version
	if *versionPtr {
		fmt.Fprintln(os.Stderr, version)
		os.Exit(0)
	}

	// show help
	if *helpPtr {
		flag.Usage()
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.fatalErr(err)
	}

	// translate -path into -source if given
	if *sourcePtr == "" && *pathPtr != "" {
		*sourcePtr = fmt.Sprintf("file://%v", *pathPtr)
	}
	if *sourcePtr == "" {
		*sourcePtr = cfg.Source
	}
	if *databasePtr == "" {
		*databasePtr = cfg.Database
	}

	lockTimeout := cfg.LockTimeout
	if *lockTimeoutPtr > 0 {
		lockTimeout = *lockTimeoutPtr
	}

	// a signal cancels the context; statements already in flight run to
	// completion in the database regardless
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// don't catch engineErr here and let each command decide
	// how it wants to handle the error
	engine, engineErr := stagehand.New(ctx, *sourcePtr, *databasePtr)
	defer func() {
		if engineErr == nil {
			if _, err := engine.Close(context.Background()); err != nil {
				log.Println(err)
			}
		}
	}()
	if engineErr == nil {
		engine.Log = log
		engine.LockTimeout = lockTimeout
	}

	startTime := time.Now()

	if len(flag.Args()) < 1 {
		printUsageAndExit()
	}
	args := flag.Args()[1:]

	switch flag.Arg(0) {
	case "create":
		seqDigits := 3

		createFlagSet, help := newFlagSetWithHelp("create")
		dirPtr := createFlagSet.String("dir", "", "Directory to place file in (default: current working directory)")
		createFlagSet.IntVar(&seqDigits, "digits", seqDigits, "The number of digits to use in sequences (default: 3)")

		if err := createFlagSet.Parse(args); err != nil {
			log.fatalErr(err)
		}

		handleSubCmdHelp(*help, createUsage, createFlagSet)

		if createFlagSet.NArg() == 0 {
			log.fatal("error: please specify name")
		}
		name := createFlagSet.Arg(0)

		if err := createCmd(*dirPtr, name, seqDigits, true); err != nil {
			log.fatalErr(err)
		}

	case "up":
		upSet, helpPtr := newFlagSetWithHelp("up")

		if err := upSet.Parse(args); err != nil {
			log.fatalErr(err)
		}

		handleSubCmdHelp(*helpPtr, upUsage, upSet)

		if engineErr != nil {
			log.fatalErr(engineErr)
		}

		if err := upCmd(ctx, engine, *lockWaitPtr); err != nil {
			log.fatalErr(err)
		}

		if log.verbose {
			log.Println("Finished after", time.Since(startTime))
		}

	case "status":
		statusSet, helpPtr := newFlagSetWithHelp("status")

		if err := statusSet.Parse(args); err != nil {
			log.fatalErr(err)
		}

		handleSubCmdHelp(*helpPtr, statusUsage, statusSet)

		if engineErr != nil {
			log.fatalErr(engineErr)
		}

		if err := statusCmd(ctx, engine); err != nil {
			log.fatalErr(err)
		}

	case "rollback":
		rollbackSet, helpPtr := newFlagSetWithHelp("rollback")

		if err := rollbackSet.Parse(args); err != nil {
			log.fatalErr(err)
		}

		handleSubCmdHelp(*helpPtr, rollbackUsage, rollbackSet)

		if engineErr != nil {
			log.fatalErr(engineErr)
		}

		if rollbackSet.NArg() == 0 {
			log.fatal("error: please specify a batch number or migration name")
		}

		if err := rollbackCmd(ctx, engine, rollbackSet.Arg(0), *lockWaitPtr); err != nil {
			log.fatalErr(err)
		}

		if log.verbose {
			log.Println("Finished after", time.Since(startTime))
		}

	case "fresh":
		freshSet, helpPtr := newFlagSetWithHelp("fresh")
		force := freshSet.Bool("f", false, "Force the fresh command by bypassing the confirmation prompt")

		if err := freshSet.Parse(args); err != nil {
			log.fatalErr(err)
		}

		handleSubCmdHelp(*helpPtr, freshUsage, freshSet)

		if !*force {
			log.Println("Are you sure you want to rollback everything and run it again? [y/N]")
			var response string
			_, _ = fmt.Scanln(&response)
			response = strings.ToLower(strings.TrimSpace(response))

			if response == "y" {
				log.Println("Rebuilding the schema from scratch")
			} else {
				log.fatal("Aborted")
			}
		}

		if engineErr != nil {
			log.fatalErr(engineErr)
		}

		if err := freshCmd(ctx, engine, *lockWaitPtr); err != nil {
			log.fatalErr(err)
		}

		if log.verbose {
			log.Println("Finished after", time.Since(startTime))
		}

	default:
		printUsageAndExit()
	}
}
