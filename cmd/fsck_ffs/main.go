package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	ffs "github.com/pilat/go-ffs"
)

type config struct {
	preen     bool
	no        bool
	yes       bool
	force     bool
	debug     bool
	quiet     bool
	altSuper  int64
	bufSpace  int
	lfMode    uint
	mountRoot string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage(fs *flag.FlagSet) {
	prog := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr, "usage: %s [-dfnpqy] [-b block] [-B bufspace] [-m mode] [-r device] device ...\n", prog)
	fs.PrintDefaults()
}

func run(args []string) int {
	var cfg config
	fs := flag.NewFlagSet("fsck_ffs", flag.ContinueOnError)
	fs.BoolVar(&cfg.preen, "p", false, "preen: repair routine inconsistencies without asking")
	fs.BoolVar(&cfg.no, "n", false, "open read-only and answer no to every question")
	fs.BoolVar(&cfg.yes, "y", false, "answer yes to every question")
	fs.BoolVar(&cfg.force, "f", false, "check even when the file system is marked clean")
	fs.BoolVar(&cfg.debug, "d", false, "debug output")
	fs.BoolVar(&cfg.quiet, "q", false, "only report problems")
	fs.Int64Var(&cfg.altSuper, "b", 0, "use the alternate superblock at this DEV_BSIZE block")
	fs.IntVar(&cfg.bufSpace, "B", 0, "buffer cache size in bytes")
	fs.UintVar(&cfg.lfMode, "m", 0o700, "mode of a newly created lost+found (octal)")
	fs.StringVar(&cfg.mountRoot, "r", "", "device mounted as the root file system")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		return ffs.ExitUsage
	}
	if fs.NArg() == 0 || (cfg.no && cfg.yes) || cfg.altSuper < 0 || cfg.bufSpace < 0 || cfg.lfMode > 0o7777 {
		usage(fs)
		return ffs.ExitUsage
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetOutput(os.Stderr)
	switch {
	case cfg.debug:
		logger.SetLevel(logrus.DebugLevel)
	case cfg.quiet:
		logger.SetLevel(logrus.WarnLevel)
	}

	var resolver ffs.DeviceResolver = ffs.IdentityResolver{}
	if cfg.mountRoot != "" {
		resolver = ffs.MountTableResolver{cfg.mountRoot: "/"}
	}

	exit := ffs.ExitOK
	for _, path := range fs.Args() {
		code := checkDevice(path, &cfg, resolver, logger)
		exit = max(exit, code)
	}
	return exit
}

// checkDevice runs one check and returns its exit code.
func checkDevice(path string, cfg *config, resolver ffs.DeviceResolver, logger *logrus.Logger) int {
	devLog := logger.WithField("device", path)

	devPath, mountPoint, err := resolver.Resolve(path)
	if err != nil {
		devLog.WithError(err).Error("cannot resolve device")
		return ffs.ExitCheckFailed
	}

	dev, err := ffs.OpenDevice(devPath, cfg.no)
	if err != nil {
		devLog.WithError(err).Error("cannot open device")
		return ffs.ExitCheckFailed
	}
	defer func() { _ = dev.Close() }()

	opts := []ffs.Option{
		ffs.WithLogger(devLog),
		ffs.WithLostFoundMode(uint16(cfg.lfMode)),
	}
	switch {
	case cfg.no:
		opts = append(opts, ffs.WithNoWrite())
	case cfg.yes:
		opts = append(opts, ffs.WithYes())
	case !cfg.preen:
		opts = append(opts, ffs.WithPolicy(ffs.NewInteractive(os.Stdin, os.Stdout)))
	}
	if cfg.preen {
		opts = append(opts, ffs.WithPreen())
	}
	if cfg.force {
		opts = append(opts, ffs.WithForce())
	}
	if cfg.altSuper > 0 {
		opts = append(opts, ffs.WithSuperblockOffsets(cfg.altSuper*512))
	}
	if cfg.bufSpace > 0 {
		opts = append(opts, ffs.WithBufferSpace(cfg.bufSpace))
	}
	if mountPoint == "/" {
		opts = append(opts, ffs.WithRootDevice())
	}

	chk := ffs.NewChecker(dev, opts...)
	stop := watchProgress(chk, path)
	res, err := chk.Run()
	stop()

	if err != nil {
		reportFatal(path, err)
		return ffs.ExitCheckFailed
	}
	report(path, res, cfg)
	return res.ExitCode()
}

func reportFatal(path string, err error) {
	msg := err.Error()
	if ino, ok := ffs.ErrorInode(err); ok {
		msg += " (inode " + strconv.FormatUint(ino, 10) + ")"
	}
	if blk, ok := ffs.ErrorBlock(err); ok {
		msg += " (block " + strconv.FormatInt(blk, 10) + ")"
	}
	switch {
	case errors.Is(err, ffs.ErrBadSuperblock):
		fmt.Fprintf(os.Stderr, "%s: CANNOT READ SUPERBLOCK: %s\n", path, msg)
	case errors.Is(err, ffs.ErrAborted):
		fmt.Fprintf(os.Stderr, "%s: %s\n", path, msg)
	default:
		fmt.Fprintf(os.Stderr, "%s: UNEXPECTED INCONSISTENCY: %s\n", path, msg)
	}
}

func report(path string, res *ffs.Result, cfg *config) {
	if res.Skipped {
		if !cfg.quiet {
			fmt.Printf("%s: file system is clean; not checking\n", path)
		}
		return
	}
	if !cfg.quiet || res.Status() != ffs.StatusClean {
		fmt.Printf("%s: %s\n", path, res.Summary)
	}
	switch res.Status() {
	case ffs.StatusModified:
		fmt.Printf("\n***** FILE SYSTEM WAS MODIFIED *****\n")
		if res.RootDevice {
			fmt.Printf("\n***** REBOOT NOW *****\n")
		}
	case ffs.StatusUnresolved:
		fmt.Printf("\n***** FILE SYSTEM IS LEFT MARKED AS DIRTY *****\n")
		fmt.Printf("\n***** PLEASE RERUN FSCK *****\n")
	}
}
