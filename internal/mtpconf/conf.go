/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Environment overrides and well-known paths
 */

// Package mtpconf implements the single "key=value,…" environment
// override string of spec.md §6, and the well-known on-disk paths for
// the quirk catalog and learned-profile store. It generalizes conf.go's
// confLoadSizeKey/confLoadUintKeyRange pair from an INI file reader to
// an inline comma-separated parser, keeping the byte-size suffix
// convention (k/K/m/M).
package mtpconf

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Default paths, generalized from the teacher's paths.go.
const (
	PathConfDir    = "/etc/mtpgo"
	PathStateDir   = "/var/lib/mtpgo"
	PathQuirksDir  = PathConfDir + "/quirks.d"
	PathJournalDB  = PathStateDir + "/journal.db"
	PathLearnedDB  = PathStateDir + "/learned.db"
	PathIdentityDB = PathStateDir + "/identity.db"
)

// Overrides holds the environment-override knobs of spec.md §6. A nil
// *time.Duration or *int64 field means "not set; use the resolver's
// lower-precedence value."
type Overrides struct {
	MaxChunkBytes      *int64
	IOTimeout          *time.Duration
	HandshakeTimeout   *time.Duration
	InactivityTimeout  *time.Duration
	OverallDeadline    *time.Duration
	Stabilize          *time.Duration
	PostClaimStabilize *time.Duration
	DisablePartialRead  *bool
	DisablePartialWrite *bool
}

// Parse parses a single "key=value,key=value,…" string into Overrides.
// Recognized keys are exactly the environment overrides of spec.md §6:
// max-chunk-bytes, io-timeout-ms, handshake-timeout-ms,
// inactivity-timeout-ms, overall-deadline-ms, stabilize-ms,
// post-claim-stabilize-ms, disable-partial-read, disable-partial-write.
func Parse(s string) (Overrides, error) {
	var o Overrides

	s = strings.TrimSpace(s)
	if s == "" {
		return o, nil
	}

	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}

		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return o, fmt.Errorf("mtpconf: %q: missing '='", kv)
		}
		key := strings.TrimSpace(kv[:eq])
		val := strings.TrimSpace(kv[eq+1:])

		var err error
		switch key {
		case "max-chunk-bytes":
			err = sizeKey(&o.MaxChunkBytes, val)
		case "io-timeout-ms":
			err = msKey(&o.IOTimeout, val)
		case "handshake-timeout-ms":
			err = msKey(&o.HandshakeTimeout, val)
		case "inactivity-timeout-ms":
			err = msKey(&o.InactivityTimeout, val)
		case "overall-deadline-ms":
			err = msKey(&o.OverallDeadline, val)
		case "stabilize-ms":
			err = msKey(&o.Stabilize, val)
		case "post-claim-stabilize-ms":
			err = msKey(&o.PostClaimStabilize, val)
		case "disable-partial-read":
			err = boolKey(&o.DisablePartialRead, val)
		case "disable-partial-write":
			err = boolKey(&o.DisablePartialWrite, val)
		default:
			return o, fmt.Errorf("mtpconf: unknown override key %q", key)
		}
		if err != nil {
			return o, err
		}
	}

	return o, nil
}

// sizeKey parses a byte-count value, accepting the same k/K/m/M suffix
// convention as the teacher's confLoadSizeKey in conf.go.
func sizeKey(out **int64, val string) error {
	units := uint64(1)

	if l := len(val); l > 0 {
		switch val[l-1] {
		case 'k', 'K':
			units = 1024
		case 'm', 'M':
			units = 1024 * 1024
		}
		if units != 1 {
			val = val[:l-1]
		}
	}

	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("mtpconf: %q: invalid size", val)
	}
	if n > math.MaxInt64/units {
		return fmt.Errorf("mtpconf: %q: size too large", val)
	}

	v := int64(n * units)
	*out = &v
	return nil
}

func msKey(out **time.Duration, val string) error {
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("mtpconf: %q: invalid milliseconds value", val)
	}
	v := time.Duration(n) * time.Millisecond
	*out = &v
	return nil
}

func boolKey(out **bool, val string) error {
	switch val {
	case "true", "1", "yes", "enable":
		v := true
		*out = &v
	case "false", "0", "no", "disable":
		v := false
		*out = &v
	default:
		return fmt.Errorf("mtpconf: %q: must be a boolean", val)
	}
	return nil
}
