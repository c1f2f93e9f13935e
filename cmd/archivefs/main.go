package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/pflag"

	"github.com/archivefs/archivefs/internal/buffer"
	"github.com/archivefs/archivefs/internal/config"
	"github.com/archivefs/archivefs/internal/logging"
	"github.com/archivefs/archivefs/internal/mount"
	"github.com/archivefs/archivefs/internal/registry"

	"github.com/archivefs/archivefs/internal/driver/tarfmt"
	"github.com/archivefs/archivefs/internal/driver/zipfmt"

	_ "github.com/archivefs/archivefs/internal/driver/isofs"
)

const version = "1.0.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <archive|directory> <mountpoint>\n\nOptions:\n", os.Args[0])
	pflag.PrintDefaults()
}

func main() {
	var (
		keepTrash     = pflag.BoolP("keep-trash", "t", false, "keep .Trash directories in the saved archive")
		create        = pflag.BoolP("create", "c", false, "create the archive if it does not exist")
		readOnly      = pflag.BoolP("read-only", "r", false, "mount the archive read-only")
		respectRights = pflag.BoolP("respect-rights", "R", false, "enforce permission bits on access")
		keepOriginal  = pflag.Bool("keep-original", false, "save changes to a new tagged archive, keeping the original")
		driversPath   = pflag.String("drivers-path", "", "directory to load archive drivers from")
		loadDrivers   = pflag.StringSlice("load-drivers", nil, "additional driver names to load")
		bufferLimit   = pflag.Int64("buffer-limit", config.DefaultBufferLimitMb, "in-memory buffer limit in MB; -1 unlimited, 0 always on disk")
		listSupported = pflag.BoolP("list-supported", "l", false, "list supported archive formats and exit")
		showVersion   = pflag.BoolP("version", "V", false, "print version and exit")
		verbose       = pflag.BoolP("verbose", "v", false, "verbose diagnostic output")
	)
	pflag.Usage = usage
	pflag.Parse()

	if *showVersion {
		fmt.Printf("archivefs %s\n", version)
		return
	}

	configManager, err := config.NewManager(config.Config{BufferLimitMb: config.DefaultBufferLimitMb})
	if err != nil {
		log.Fatalf("Failed to load config: %v\n", err)
	}
	cfg := configManager.GetConfig()

	// Flags given on the command line win over the config file.
	if pflag.CommandLine.Changed("keep-trash") {
		cfg.KeepTrash = *keepTrash
	}
	if pflag.CommandLine.Changed("read-only") {
		cfg.ReadOnly = *readOnly
	}
	if pflag.CommandLine.Changed("respect-rights") {
		cfg.RespectRights = *respectRights
	}
	if pflag.CommandLine.Changed("keep-original") {
		cfg.KeepOriginal = *keepOriginal
	}
	if pflag.CommandLine.Changed("buffer-limit") {
		cfg.BufferLimitMb = *bufferLimit
	}
	if pflag.CommandLine.Changed("drivers-path") {
		cfg.DriversPath = *driversPath
	}
	cfg.DebugMode = cfg.DebugMode || *verbose
	cfg.PrettyLogs = true

	logging.Init(cfg.DebugMode, cfg.PrettyLogs)
	logger := logging.Get()

	if *listSupported {
		listFormats(cfg)
		return
	}

	// Backends are compiled in; dynamic loading flags are recognised
	// for compatibility and reported as such.
	if cfg.DriversPath != "" || len(*loadDrivers) > 0 {
		logger.Warnf("drivers are statically compiled in; --drivers-path/--load-drivers have no effect")
	}

	if pflag.NArg() != 2 {
		usage()
		os.Exit(2)
	}
	source := pflag.Arg(0)
	mountpoint := pflag.Arg(1)

	if cfg.ScratchDir != "" {
		buffer.ScratchDir = cfg.ScratchDir
	}
	limit := buffer.NewLimit(limitBytes(cfg.BufferLimitMb))
	opts := mount.Options{
		ReadOnly:      cfg.ReadOnly,
		KeepOriginal:  cfg.KeepOriginal,
		KeepTrash:     cfg.KeepTrash,
		RespectRights: cfg.RespectRights,
		Verbose:       cfg.DebugMode,
		Limit:         limit,
	}

	if *create {
		if err := createContainer(source); err != nil {
			logger.Errorf("cannot create %s: %v", source, err)
			os.Exit(1)
		}
	}

	info, err := os.Stat(source)
	if err != nil {
		logger.Errorf("cannot stat %s: %v", source, err)
		os.Exit(1)
	}

	set := mount.NewSet()
	var server *fuse.Server

	if info.IsDir() {
		mountFolder(set, source, opts)
		if len(set.All()) == 0 {
			logger.Errorf("no recognised archives in %s", source)
			os.Exit(1)
		}
		server, err = mount.Serve(mount.NewSetRoot(set), mountpoint)
	} else {
		m, merr := mount.New(source, opts)
		if merr != nil {
			logger.Errorf("cannot mount %s: %v", source, merr)
			os.Exit(1)
		}
		set.Add(m)
		server, err = mount.Serve(m.Root(), mountpoint)
	}
	if err != nil {
		logger.Errorf("mount failed: %v", err)
		os.Exit(1)
	}

	logger.Infof("mounted %s at %s", source, mountpoint)

	// Block until Ctrl+C (SIGINT) or SIGTERM is received.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Infof("unmounting %s", mountpoint)
	if err := server.Unmount(); err != nil {
		logger.Errorf("unmount failed: %v", err)
	}
	server.Wait()

	if err := set.ReleaseAll(); err != nil {
		logger.Errorf("persisting changes failed: %v", err)
		os.Exit(1)
	}
}

func limitBytes(mb int64) int64 {
	if mb <= 0 {
		return mb
	}
	return mb * 1024 * 1024
}

func mountFolder(set *mount.MountSet, dir string, opts mount.Options) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Get().Errorf("reading %s: %v", dir, err)
		return
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if registry.Lookup(p) == nil {
			continue
		}
		m, err := mount.New(p, opts)
		if err != nil {
			logging.Get().Warnf("skipping %s: %v", p, err)
			continue
		}
		set.Add(m)
	}
}

func createContainer(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	ext := strings.ToLower(path)
	switch {
	case strings.HasSuffix(ext, ".zip"):
		return zipfmt.WriteEmpty(path)
	case strings.HasSuffix(ext, ".tar.gz"), strings.HasSuffix(ext, ".tgz"):
		return tarfmt.WriteEmpty(path)
	default:
		return fmt.Errorf("creating %q archives is not supported", filepath.Ext(path))
	}
}

func listFormats(cfg config.Config) {
	fmt.Println("Supported archive formats:")
	fmt.Println("Extension\tWrite\tMime")
	for _, t := range registry.All() {
		write := "read-only"
		if t.WriteSupport {
			write = "read/write"
		}
		fmt.Printf(".%s\t%s\t%s\n", t.Extension, write, t.MIME)
	}
	switch {
	case cfg.BufferLimitMb < 0:
		fmt.Println("\nIn-memory buffer limit: unlimited")
	case cfg.BufferLimitMb == 0:
		fmt.Println("\nIn-memory buffer limit: none (buffers always on disk)")
	default:
		fmt.Printf("\nIn-memory buffer limit: %s\n", humanize.IBytes(uint64(limitBytes(cfg.BufferLimitMb))))
	}
}
