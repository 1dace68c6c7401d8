/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Quirk database: load/parse a static catalog of per-device policy records
 */

// Package quirks loads the static catalog of per-device quirk
// records (spec.md §3, §4.3 layer 4) and matches a device fingerprint
// or model name against it, producing the single highest-weighted
// QuirkRecord. It is grounded in the teacher's quirks.go (Quirk,
// Quirks, QuirksDb, weighted HWID/model matching) and hwid.go, parsed
// through gopkg.in/ini.v1 instead of the teacher's hand-rolled
// inifile.go reader.
package quirks

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/alexpevzner/mtpgo/internal/mtptypes"
)

// entry is one loaded catalog section: a match rule plus the record
// it contributes.
type entry struct {
	hwid   *hwidPattern
	model  string // non-empty when matched by glob over the model name
	record mtptypes.QuirkRecord
}

// Catalog is the in-memory quirk database, as loaded from one or more
// directories of *.quirk files.
type Catalog struct {
	entries []entry
}

// Load reads every *.quirk file in each of the given directories (a
// missing directory is not an error, matching ConfLoad's tolerant
// behavior in the teacher's conf.go) and returns the merged catalog.
func Load(dirs ...string) (*Catalog, error) {
	c := &Catalog{}
	for _, dir := range dirs {
		if err := c.loadDir(dir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) loadDir(dir string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, f := range files {
		if f.Type().IsRegular() && strings.HasSuffix(f.Name(), ".quirk") {
			if err := c.loadFile(filepath.Join(dir, f.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Catalog) loadFile(path string) error {
	doc, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("quirks: %s: %w", path, err)
	}

	for _, sec := range doc.Sections() {
		name := sec.Name()
		if name == "DEFAULT" {
			continue
		}

		e := entry{record: mtptypes.QuirkRecord{Origin: path + ":" + name}}
		if hw := parseHWIDPattern(name); hw != nil {
			e.hwid = hw
			e.record.MatchHWID = name
		} else {
			e.model = name
			e.record.MatchModel = name
		}

		if err := populateRecord(&e.record, sec); err != nil {
			return fmt.Errorf("quirks: %s[%s]: %w", path, name, err)
		}

		c.entries = append(c.entries, e)
	}

	return nil
}

func populateRecord(r *mtptypes.QuirkRecord, sec *ini.Section) error {
	r.OpSupport = map[uint16]bool{}

	for _, key := range sec.Keys() {
		val := key.String()
		var err error

		switch key.Name() {
		case "max-chunk-bytes":
			r.Numbers.MaxChunkBytes, err = parseSize(val)
		case "io-timeout-ms":
			r.Numbers.IOTimeout, err = parseMillis(val)
		case "handshake-timeout-ms":
			r.Numbers.HandshakeTimeout, err = parseMillis(val)
		case "inactivity-timeout-ms":
			r.Numbers.InactivityTimeout, err = parseMillis(val)
		case "overall-deadline-ms":
			r.Numbers.OverallDeadline, err = parseMillis(val)
		case "stabilize-ms":
			r.Numbers.StabilizeDelay, err = parseMillis(val)
		case "post-claim-stabilize-ms":
			r.Numbers.PostClaimStabilize, err = parseMillis(val)
		case "interrupt-poll-ms":
			r.Numbers.InterruptPollInterval, err = parseMillis(val)

		case "reset-on-open":
			r.Flags.ResetOnOpen, err = parseBool(val)
		case "requires-kernel-detach":
			r.Flags.RequiresKernelDetach, err = parseBool(val)
		case "needs-longer-open-timeout":
			r.Flags.NeedsLongerOpenTimeout, err = parseBool(val)
		case "requires-session-before-device-info":
			r.Flags.RequiresSessionBeforeDeviceInfo, err = parseBool(val)
		case "transaction-id-resets-on-session":
			r.Flags.TransactionIDResetsOnSession, err = parseBool(val)
		case "reset-reopen-on-open-session-io-error":
			r.Flags.ResetReopenOnOpenSessionIOError, err = parseBool(val)
		case "supports-partial-read-64":
			r.Flags.SupportsPartialRead64, err = parseBool(val)
		case "supports-partial-read-32":
			r.Flags.SupportsPartialRead32, err = parseBool(val)
		case "supports-partial-write":
			r.Flags.SupportsPartialWrite, err = parseBool(val)
		case "prefers-prop-list-enumeration":
			r.Flags.PrefersPropListEnumeration, err = parseBool(val)
		case "needs-short-reads":
			r.Flags.NeedsShortReads, err = parseBool(val)
		case "stall-on-large-reads":
			r.Flags.StallOnLargeReads, err = parseBool(val)
		case "disable-event-pump":
			r.Flags.DisableEventPump, err = parseBool(val)
		case "require-stabilization":
			r.Flags.RequireStabilization, err = parseBool(val)
		case "skip-ptp-reset":
			r.Flags.SkipPTPReset, err = parseBool(val)
		case "write-to-subfolder-only":
			r.Flags.WriteToSubfolderOnly, err = parseBool(val)
		case "preferred-write-folder":
			r.Flags.PreferredWriteFolder = val
		case "force-wildcard-storage-in-send-object-info":
			r.Flags.ForceWildcardStorageInSendObjectInfo, err = parseBool(val)
		case "empty-dates-in-send-object-info":
			r.Flags.EmptyDatesInSendObjectInfo, err = parseBool(val)
		case "skip-get-object-prop-value":
			r.Flags.SkipGetObjectPropValue, err = parseBool(val)
		case "supports-get-object-prop-list":
			r.Flags.SupportsGetObjectPropList, err = parseBool(val)
		case "supports-get-partial-object":
			r.Flags.SupportsGetPartialObject, err = parseBool(val)

		case "author":
			r.Author = val
		case "date":
			r.Date = val
		case "status":
			r.Status, err = parseStatus(val)

		default:
			if strings.HasPrefix(key.Name(), "op-") {
				code, cerr := strconv.ParseUint(strings.TrimPrefix(key.Name(), "op-"), 16, 16)
				if cerr != nil {
					return fmt.Errorf("%s: invalid opcode suffix", key.Name())
				}
				supported, berr := parseBool(val)
				if berr != nil {
					return berr
				}
				r.OpSupport[uint16(code)] = supported
			}
			// Unknown keys are otherwise ignored, matching the
			// teacher's tolerance for forward/backward skew
			// between the catalog and the binary (quirks.go).
		}

		if err != nil {
			return fmt.Errorf("%s: %w", key.Name(), err)
		}
	}

	return nil
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%q: must be true or false", s)
	}
}

func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%q: invalid milliseconds value", s)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseSize(s string) (int64, error) {
	units := int64(1)
	if l := len(s); l > 0 {
		switch s[l-1] {
		case 'k', 'K':
			units = 1024
		case 'm', 'M':
			units = 1024 * 1024
		}
		if units != 1 {
			s = s[:l-1]
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: invalid size", s)
	}
	return n * units, nil
}

func parseStatus(s string) (mtptypes.QuirkStatus, error) {
	switch s {
	case "experimental":
		return mtptypes.QuirkExperimental, nil
	case "stable":
		return mtptypes.QuirkStable, nil
	case "deprecated":
		return mtptypes.QuirkDeprecated, nil
	default:
		return 0, fmt.Errorf("%q: must be experimental, stable or deprecated", s)
	}
}

// Match returns the single highest-weighted QuirkRecord applicable to
// fp/model, and true if any record matched. Matching weight follows
// the teacher's rule in quirks.go/hwid.go: an exact HWID match
// (VID+PID) outweighs every model-name match; a VID-only HWID
// wildcard is only slightly more specific than the default
// (all-wildcard) model-name match; a model-name match is weighted by
// twice the count of matched non-wildcard characters. Ties break in
// favor of the entry with the longer match string, then the first
// loaded.
//
// This diverges from the teacher's per-quirk-name field merge across
// every matching file (see DESIGN.md): spec.md §4.3 describes layer 4
// as "Static quirk record (matched by fingerprint; absent => skipped)"
// — a single record, not a cross-file composite — so Match selects
// one winning entry rather than merging fields from several.
func (c *Catalog) Match(fp mtptypes.Fingerprint, model string) (mtptypes.QuirkRecord, bool) {
	bestWeight := -1
	var best *entry

	for i := range c.entries {
		e := &c.entries[i]

		var weight int
		if e.hwid != nil {
			weight = e.hwid.match(fp.VendorID, fp.ProductID)
		} else {
			weight = 2 * globMatch(model, e.model)
		}

		if weight < 0 {
			continue
		}
		if weight > bestWeight || (weight == bestWeight &&
			len(e.record.MatchHWID+e.record.MatchModel) > len(best.record.MatchHWID+best.record.MatchModel)) {
			bestWeight = weight
			best = e
		}
	}

	if best == nil {
		return mtptypes.QuirkRecord{}, false
	}
	return best.record, true
}

// CameraDefaultsFallback returns the fallback quirk record applied to
// class-0x06 (Still Image Capture) devices when no catalog entry
// matches, per spec.md §4.3 layer 4.
func CameraDefaultsFallback() mtptypes.QuirkRecord {
	return mtptypes.QuirkRecord{
		Origin: "camera-defaults",
		Flags: mtptypes.Flags{
			RequireStabilization: true,
		},
		Status: mtptypes.QuirkStable,
	}
}
