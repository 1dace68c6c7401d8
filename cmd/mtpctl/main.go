/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * The mtpctl command-line entry point
 */

// Package main is mtpctl, a thin CLI wrapper exercising the mtp device
// facade: list devices, then run one of a small set of operations
// against the first (or a selected) match. It generalizes ipp-usb's
// main.go argv-mode dispatch from a long-running daemon's run modes to
// a one-shot command's sub-commands, and main.go's exit-code
// discipline (usage error → os.Exit with a specific code) into
// spec.md §6's CLI exit-code contract.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/alexpevzner/mtpgo/internal/identity"
	"github.com/alexpevzner/mtpgo/internal/journal"
	"github.com/alexpevzner/mtpgo/internal/mtpconf"
	"github.com/alexpevzner/mtpgo/internal/mtperr"
	"github.com/alexpevzner/mtpgo/internal/mtplog"
	"github.com/alexpevzner/mtpgo/internal/mtptypes"
	"github.com/alexpevzner/mtpgo/internal/policy"
	"github.com/alexpevzner/mtpgo/internal/quirks"
	"github.com/alexpevzner/mtpgo/internal/usbtransport"
	mtp "github.com/alexpevzner/mtpgo"
)

// Exit codes of spec.md §6's CLI contract.
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitSoftware    = 70
	exitRetry       = 75
)

const usageText = `Usage:
    %s <command> [args]

Commands are:
    list                          enumerate attached MTP devices
    info <vid:pid>                print one device's GetDeviceInfo
    storages <vid:pid>            list storages
    ls <vid:pid> <storage> <parent>   list objects under parent
    get <vid:pid> <handle> <dest>     read an object to dest
    put <vid:pid> <storage> <parent> <name> <src>   write src as a new object
    mkdir <vid:pid> <storage> <parent> <name>       create a folder
    rm <vid:pid> <handle>         delete an object
    mv <vid:pid> <handle> <new-parent>              move an object

Options:
    -overrides=key=value,...      environment overrides, per spec.md §6
`

func usage() {
	fmt.Fprintf(os.Stderr, usageText, os.Args[0])
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	overrides, rest, err := extractOverrides(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	if len(rest) == 0 {
		usage()
		return exitUsage
	}

	cmd := rest[0]
	if cmd == "list" {
		return runList()
	}
	if len(rest) < 2 {
		usage()
		return exitUsage
	}

	log := mtplog.New(logrus.StandardLogger(), mtplog.LogError|mtplog.LogInfo)

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	opts, closeStores, err := openStores(overrides, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSoftware
	}
	defer closeStores()

	summary, err := findDevice(usbCtx, rest[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUnavailable
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dev, err := mtp.Open(ctx, usbCtx, summary, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	defer dev.Close()

	if err := dispatch(ctx, dev, cmd, rest[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	return exitOK
}

func dispatch(ctx context.Context, dev *mtp.Device, cmd string, args []string) error {
	switch cmd {
	case "info":
		info, err := dev.Info(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s (serial %s)\n", info.Manufacturer, info.Model, info.SerialNumber)
		return nil

	case "storages":
		storages, err := dev.Storages(ctx)
		if err != nil {
			return err
		}
		for _, s := range storages {
			fmt.Printf("%08x  %-20s  %d/%d bytes free\n", s.StorageID, s.Description, s.FreeBytes, s.CapacityBytes)
		}
		return nil

	case "ls":
		if len(args) < 2 {
			return usageErr("ls requires <storage> <parent>")
		}
		storage, parent := parseHex32(args[0]), parseHex32(args[1])
		objs, err := dev.List(ctx, storage, parent)
		if err != nil {
			return err
		}
		for _, o := range objs {
			fmt.Printf("%08x  %10d  %s\n", o.Handle, o.SizeBytes, o.Name)
		}
		return nil

	case "get":
		if len(args) < 2 {
			return usageErr("get requires <handle> <dest>")
		}
		return dev.Read(ctx, parseHex32(args[0]), args[1])

	case "put":
		if len(args) < 4 {
			return usageErr("put requires <storage> <parent> <name> <src>")
		}
		storage, parent := parseHex32(args[0]), parseHex32(args[1])
		_, err := dev.Write(ctx, storage, parent, args[2], args[3])
		return err

	case "mkdir":
		if len(args) < 3 {
			return usageErr("mkdir requires <storage> <parent> <name>")
		}
		storage, parent := parseHex32(args[0]), parseHex32(args[1])
		_, err := dev.CreateFolder(ctx, parent, args[2], storage)
		return err

	case "rm":
		if len(args) < 1 {
			return usageErr("rm requires <handle>")
		}
		return dev.Delete(ctx, parseHex32(args[0]), true)

	case "mv":
		if len(args) < 2 {
			return usageErr("mv requires <handle> <new-parent>")
		}
		return dev.Move(ctx, parseHex32(args[0]), parseHex32(args[1]))

	default:
		return usageErr(fmt.Sprintf("unknown command %q", cmd))
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }
func usageErr(msg string) error    { return usageError(msg) }

// exitCodeFor maps an operation error onto spec.md §6's CLI exit-code
// contract: usage errors are 64, no-matching-device/precondition
// failures are 69, transient device-busy/timeout kinds are 75 (the
// caller may retry), everything else is a generic software failure.
func exitCodeFor(err error) int {
	if _, ok := err.(usageError); ok {
		return exitUsage
	}
	switch {
	case mtperr.Is(err, mtperr.KindNoDevice), mtperr.Is(err, mtperr.KindPreconditionFailed):
		return exitUnavailable
	case mtperr.Is(err, mtperr.KindDeviceBusy), mtperr.Is(err, mtperr.KindBusy),
		mtperr.Is(err, mtperr.KindTransportTimeout), mtperr.Is(err, mtperr.KindFlowTimeout):
		return exitRetry
	default:
		return exitSoftware
	}
}

func runList() int {
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	summaries, err := usbtransport.Enumerate(usbCtx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitSoftware
	}
	if len(summaries) == 0 {
		fmt.Println("no MTP devices found")
		return exitUnavailable
	}
	for _, s := range summaries {
		fmt.Printf("%04x:%04x  %s %s\n", s.VendorID, s.ProductID, s.Manufacturer, s.Model)
	}
	return exitOK
}

func openStores(overrides mtpconf.Overrides, log *mtplog.Logger) (mtp.Options, func(), error) {
	opts := mtp.Options{Overrides: overrides, Log: log}

	if catalog, err := quirks.Load(mtpconf.PathQuirksDir); err == nil {
		opts.Catalog = catalog
	}

	if err := os.MkdirAll(mtpconf.PathStateDir, 0o755); err != nil {
		return opts, func() {}, err
	}

	learnedDB, err := bbolt.Open(mtpconf.PathLearnedDB, 0o644, nil)
	if err != nil {
		return opts, func() {}, err
	}
	learned, err := policy.OpenLearnedStore(learnedDB)
	if err != nil {
		learnedDB.Close()
		return opts, func() {}, err
	}
	opts.Learned = learned

	journalDB, err := bbolt.Open(mtpconf.PathJournalDB, 0o644, nil)
	if err != nil {
		learnedDB.Close()
		return opts, func() {}, err
	}
	journalStore, err := journal.Open(journalDB)
	if err != nil {
		learnedDB.Close()
		journalDB.Close()
		return opts, func() {}, err
	}
	opts.Journal = journalStore

	identityDB, err := bbolt.Open(mtpconf.PathIdentityDB, 0o644, nil)
	if err != nil {
		learnedDB.Close()
		journalDB.Close()
		return opts, func() {}, err
	}
	identityStore, err := identity.Open(identityDB)
	if err != nil {
		learnedDB.Close()
		journalDB.Close()
		identityDB.Close()
		return opts, func() {}, err
	}
	opts.Identity = identityStore

	closeAll := func() {
		learnedDB.Close()
		journalDB.Close()
		identityDB.Close()
	}
	return opts, closeAll, nil
}

// extractOverrides pulls the first "-overrides=key=value,..." flag out
// of args, parsing its value via mtpconf.Parse, and returns the
// remaining positional arguments unchanged. The flag may appear
// anywhere among args, not just first, since flag placement isn't
// otherwise significant to this CLI's argv grammar.
func extractOverrides(args []string) (mtpconf.Overrides, []string, error) {
	const prefix = "-overrides="

	var rest []string
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			o, err := mtpconf.Parse(strings.TrimPrefix(a, prefix))
			if err != nil {
				return mtpconf.Overrides{}, nil, usageErr(err.Error())
			}
			return o, append(rest, args[len(rest)+1:]...), nil
		}
		rest = append(rest, a)
	}
	return mtpconf.Overrides{}, args, nil
}

// parseHex32 parses a handle/storage/parent argument as hex, with or
// without a leading "0x". mtpctl's sub-commands treat every such
// argument opaquely (the values come from a prior "ls"/"storages"
// listing), so a malformed argument degenerates to handle 0 rather
// than aborting the whole command; the device will reject it with an
// invalid-parameter response if it doesn't resolve to anything real.
func parseHex32(s string) uint32 {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, _ := strconv.ParseUint(s, 16, 32)
	return uint32(v)
}

func findDevice(usbCtx *gousb.Context, vidPid string) (mtptypes.DeviceSummary, error) {
	summaries, err := usbtransport.Enumerate(usbCtx)
	if err != nil {
		return mtptypes.DeviceSummary{}, err
	}
	for _, s := range summaries {
		if s.StableID == vidPid {
			return s, nil
		}
	}
	return mtptypes.DeviceSummary{}, mtperr.New(mtperr.KindNoDevice, nil).
		WithDetail(mtperr.Detail{What: "no attached device matches " + vidPid})
}
