/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Policy resolver: merge defaults + capabilities + learned + quirk + overrides
 */

// Package policy implements the five-layer merge of spec.md §4.3: it
// produces one EffectivePolicy from built-in defaults, runtime-probed
// capabilities, a learned profile, a static quirk record, and user
// overrides, tracking the provenance of every field. The resolver is
// pure: given the same inputs it produces the same output.
package policy

import (
	"time"

	"github.com/alexpevzner/mtpgo/internal/mtpconf"
	"github.com/alexpevzner/mtpgo/internal/mtptypes"
)

// ProbedCapabilities is the set of facts layer 2 (runtime probing)
// can contribute. Only fields actually probed should be set; the rest
// are left at their zero value and simply do not overwrite a
// lower-precedence layer (probing never regresses a value to zero,
// see applyProbed below).
type ProbedCapabilities struct {
	SupportsPartialRead64     Tri
	SupportsPartialRead32     Tri
	SupportsPartialWrite      Tri
	SupportsGetObjectPropList Tri
}

// Tri is a tri-state bool: unset, false, or true. Probing layers use
// it so "not probed" is distinguishable from "probed false", letting
// later layers overwrite cleanly per the field-by-field overwrite
// rule (spec.md §4.3's "Conflict rule").
type Tri int

const (
	TriUnset Tri = iota
	TriFalse
	TriTrue
)

func (t Tri) bool() (bool, bool) {
	switch t {
	case TriFalse:
		return false, true
	case TriTrue:
		return true, true
	default:
		return false, false
	}
}

// Source-tagged policy field, so the resolver can both produce a
// value and record where it came from.
type field struct {
	source mtptypes.FieldSource
}

// EffectivePolicy is the union of tuning numbers and typed flags
// after resolution, plus per-field provenance for diagnostics
// (spec.md §3).
type EffectivePolicy struct {
	Numbers mtptypes.TuningNumbers
	Flags   mtptypes.Flags

	// Provenance, keyed by the same field names used in
	// mtptypes.Flags/TuningNumbers (diagnostics only).
	NumberSource map[string]mtptypes.FieldSource
	FlagSource   map[string]mtptypes.FieldSource
}

func defaults() EffectivePolicy {
	return EffectivePolicy{
		Numbers: mtptypes.TuningNumbers{
			MaxChunkBytes:         1 * 1024 * 1024,
			IOTimeout:             8 * time.Second,
			HandshakeTimeout:      8 * time.Second,
			InactivityTimeout:     30 * time.Second,
			OverallDeadline:       60 * time.Second,
			StabilizeDelay:        0,
			PostClaimStabilize:    0,
			InterruptPollInterval: 100 * time.Millisecond,
		},
		NumberSource: map[string]mtptypes.FieldSource{},
		FlagSource:   map[string]mtptypes.FieldSource{},
	}
}

// Resolve merges the five layers, in ascending precedence, exactly as
// spec.md §4.3 orders them: defaults < probed < learned < quirk <
// user overrides. isStillImageClass gates the class-0x06 camera
// fallback quirk when no catalog entry matched.
func Resolve(
	probed ProbedCapabilities,
	learned *LearnedRecord,
	quirk *mtptypes.QuirkRecord,
	isStillImageClass bool,
	fallback mtptypes.QuirkRecord,
	overrides mtpconf.Overrides,
) EffectivePolicy {
	p := defaults()

	applyProbed(&p, probed)

	if learned != nil {
		applyLearnedNumbers(&p, learned)
	}

	if quirk == nil && isStillImageClass {
		quirk = &fallback
	}
	if quirk != nil {
		applyQuirk(&p, quirk)
	}

	applyOverrides(&p, overrides)

	p.Numbers = p.Numbers.Clamp()

	return p
}

func applyProbed(p *EffectivePolicy, c ProbedCapabilities) {
	if v, ok := c.SupportsPartialRead64.bool(); ok {
		p.Flags.SupportsPartialRead64 = v
		p.FlagSource["supports-partial-read-64"] = mtptypes.SourceProbe
	}
	if v, ok := c.SupportsPartialRead32.bool(); ok {
		p.Flags.SupportsPartialRead32 = v
		p.FlagSource["supports-partial-read-32"] = mtptypes.SourceProbe
	}
	if v, ok := c.SupportsPartialWrite.bool(); ok {
		p.Flags.SupportsPartialWrite = v
		p.FlagSource["supports-partial-write"] = mtptypes.SourceProbe
	}
	if v, ok := c.SupportsGetObjectPropList.bool(); ok {
		p.Flags.SupportsGetObjectPropList = v
		p.FlagSource["supports-get-object-prop-list"] = mtptypes.SourceProbe
	}
}

func applyLearnedNumbers(p *EffectivePolicy, l *LearnedRecord) {
	if l.ChunkBytes > 0 {
		p.Numbers.MaxChunkBytes = l.ChunkBytes
		p.NumberSource["max-chunk-bytes"] = mtptypes.SourceLearned
	}
	if l.HandshakeTime > 0 {
		p.Numbers.HandshakeTimeout = l.HandshakeTime
		p.NumberSource["handshake-timeout-ms"] = mtptypes.SourceLearned
	}
}

func applyQuirk(p *EffectivePolicy, q *mtptypes.QuirkRecord) {
	zero := mtptypes.TuningNumbers{}
	if q.Numbers != zero {
		if q.Numbers.MaxChunkBytes != 0 {
			p.Numbers.MaxChunkBytes = q.Numbers.MaxChunkBytes
			p.NumberSource["max-chunk-bytes"] = mtptypes.SourceQuirk
		}
		if q.Numbers.IOTimeout != 0 {
			p.Numbers.IOTimeout = q.Numbers.IOTimeout
			p.NumberSource["io-timeout-ms"] = mtptypes.SourceQuirk
		}
		if q.Numbers.HandshakeTimeout != 0 {
			p.Numbers.HandshakeTimeout = q.Numbers.HandshakeTimeout
			p.NumberSource["handshake-timeout-ms"] = mtptypes.SourceQuirk
		}
		if q.Numbers.InactivityTimeout != 0 {
			p.Numbers.InactivityTimeout = q.Numbers.InactivityTimeout
			p.NumberSource["inactivity-timeout-ms"] = mtptypes.SourceQuirk
		}
		if q.Numbers.OverallDeadline != 0 {
			p.Numbers.OverallDeadline = q.Numbers.OverallDeadline
			p.NumberSource["overall-deadline-ms"] = mtptypes.SourceQuirk
		}
		if q.Numbers.StabilizeDelay != 0 {
			p.Numbers.StabilizeDelay = q.Numbers.StabilizeDelay
			p.NumberSource["stabilize-ms"] = mtptypes.SourceQuirk
		}
		if q.Numbers.PostClaimStabilize != 0 {
			p.Numbers.PostClaimStabilize = q.Numbers.PostClaimStabilize
			p.NumberSource["post-claim-stabilize-ms"] = mtptypes.SourceQuirk
		}
		if q.Numbers.InterruptPollInterval != 0 {
			p.Numbers.InterruptPollInterval = q.Numbers.InterruptPollInterval
			p.NumberSource["interrupt-poll-ms"] = mtptypes.SourceQuirk
		}
	}

	// Typed flags are not bit-unioned; the quirk record overwrites
	// wholesale, per spec.md §4.3's conflict rule.
	p.Flags = q.Flags
	for _, name := range flagNames {
		p.FlagSource[name] = mtptypes.SourceQuirk
	}
}

func applyOverrides(p *EffectivePolicy, o mtpconf.Overrides) {
	if o.MaxChunkBytes != nil {
		p.Numbers.MaxChunkBytes = *o.MaxChunkBytes
		p.NumberSource["max-chunk-bytes"] = mtptypes.SourceUserOverride
	}
	if o.IOTimeout != nil {
		p.Numbers.IOTimeout = *o.IOTimeout
		p.NumberSource["io-timeout-ms"] = mtptypes.SourceUserOverride
	}
	if o.HandshakeTimeout != nil {
		p.Numbers.HandshakeTimeout = *o.HandshakeTimeout
		p.NumberSource["handshake-timeout-ms"] = mtptypes.SourceUserOverride
	}
	if o.InactivityTimeout != nil {
		p.Numbers.InactivityTimeout = *o.InactivityTimeout
		p.NumberSource["inactivity-timeout-ms"] = mtptypes.SourceUserOverride
	}
	if o.OverallDeadline != nil {
		p.Numbers.OverallDeadline = *o.OverallDeadline
		p.NumberSource["overall-deadline-ms"] = mtptypes.SourceUserOverride
	}
	if o.Stabilize != nil {
		p.Numbers.StabilizeDelay = *o.Stabilize
		p.NumberSource["stabilize-ms"] = mtptypes.SourceUserOverride
	}
	if o.PostClaimStabilize != nil {
		p.Numbers.PostClaimStabilize = *o.PostClaimStabilize
		p.NumberSource["post-claim-stabilize-ms"] = mtptypes.SourceUserOverride
	}
	if o.DisablePartialRead != nil && *o.DisablePartialRead {
		p.Flags.SupportsPartialRead64 = false
		p.Flags.SupportsPartialRead32 = false
		p.FlagSource["supports-partial-read-64"] = mtptypes.SourceUserOverride
		p.FlagSource["supports-partial-read-32"] = mtptypes.SourceUserOverride
	}
	if o.DisablePartialWrite != nil && *o.DisablePartialWrite {
		p.Flags.SupportsPartialWrite = false
		p.FlagSource["supports-partial-write"] = mtptypes.SourceUserOverride
	}
}

var flagNames = []string{
	"reset-on-open", "requires-kernel-detach", "needs-longer-open-timeout",
	"requires-session-before-device-info", "transaction-id-resets-on-session",
	"reset-reopen-on-open-session-io-error", "supports-partial-read-64",
	"supports-partial-read-32", "supports-partial-write",
	"prefers-prop-list-enumeration", "needs-short-reads", "stall-on-large-reads",
	"disable-event-pump", "require-stabilization", "skip-ptp-reset",
	"write-to-subfolder-only", "preferred-write-folder",
	"force-wildcard-storage-in-send-object-info", "empty-dates-in-send-object-info",
	"skip-get-object-prop-value", "supports-get-object-prop-list",
	"supports-get-partial-object",
}
