// Package safety implements the mandatory safety gate every format,
// clean, or convert operation must pass through before it is allowed
// to touch a device: a forward-only state machine, additive risk
// scoring, and a one-shot Token that proves the gate was satisfied.
package safety

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/thanhpk/randstr"

	"github.com/mosesfs/moses/pkg/audit"
	"github.com/mosesfs/moses/pkg/ferr"
)

// State is a step in the mandatory safety-check sequence. It only
// ever advances forward; there is no way to skip a step.
type State int

const (
	StateLocked State = iota
	StateSysChecked
	StateMountsChecked
	StateAcknowledged
	StateApproved
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateSysChecked:
		return "sys_checked"
	case StateMountsChecked:
		return "mounts_checked"
	case StateAcknowledged:
		return "acknowledged"
	case StateApproved:
		return "approved"
	default:
		return "unknown"
	}
}

// RiskLevel is totally ordered: Safe < Low < Medium < High < Critical
// < Forbidden. Comparisons use plain integer comparison on the
// underlying value.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
	RiskForbidden
)

func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	case RiskForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Scoring weights, canonical per the resolved "risk scoring" open
// question: system-drive status and critical mounts dominate, any
// mount at all adds a smaller amount, and an unconfirmed backup adds
// a fixed penalty on top.
const (
	scoreSystemDrive     = 100
	scoreCriticalMount   = 50
	scoreAnyMount        = 20
	scoreUnconfirmedBack = 10
)

// DeviceInfo is the subset of device state the gate reasons about.
// Callers build this from pkg/device.Descriptor plus host-specific
// mount enumeration (an external collaborator per scope).
type DeviceInfo struct {
	ID                uuid.UUID
	Path              string
	IsSystemDrive     bool
	MountPoints       []string
	BackupConfirmed   bool
	EstimatedDataSize int64
}

// Token proves a Gate reached StateApproved for one specific
// operation. It can be used exactly once: Use reports an error on any
// call after the first, even if the Token value has been copied,
// since the "used" flag is a shared atomic cell rather than a field
// on the Token itself. This replaces the original interior-mutability
// single-use guard with a value that enforces its own move semantics.
type Token struct {
	DeviceID  uuid.UUID
	Operation string
	RiskScore int
	RiskLevel RiskLevel

	used *int32
}

// Use consumes the token. It is safe to call concurrently; only the
// first caller succeeds.
func (t Token) Use() error {
	if t.used == nil {
		return ferr.UnsafeDevice("token is the zero value")
	}
	if !atomic.CompareAndSwapInt32(t.used, 0, 1) {
		return ferr.UnsafeDevice(fmt.Sprintf("token for device %s already used", t.DeviceID))
	}
	return nil
}

// Gate drives a device through the mandatory safety sequence.
type Gate struct {
	mu sync.Mutex

	state   State
	device  DeviceInfo
	sink    audit.Sink
	mounts  []glob.Glob
	reasons []string

	criticalFound []string
	score         int
	level         RiskLevel
}

// NewGate builds a Gate for device, matching its mount points against
// criticalPatterns (glob patterns, e.g. "/", "/boot", "/Volumes/*",
// "C:\\Windows*"). sink receives one audit.Record when Approve
// succeeds or is refused.
func NewGate(device DeviceInfo, criticalPatterns []string, sink audit.Sink) (*Gate, error) {
	compiled := make([]glob.Glob, 0, len(criticalPatterns))
	for _, p := range criticalPatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, ferr.InvalidArgument("invalid critical mount pattern %q: %v", p, err)
		}
		compiled = append(compiled, g)
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Gate{device: device, mounts: compiled, sink: sink}, nil
}

// State reports the gate's current position in the sequence.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Reasons lists the ordered list of risk factors found so far.
func (g *Gate) Reasons() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.reasons))
	copy(out, g.reasons)
	return out
}

// missingStep names the mandatory check that has not yet run given the
// gate's current state, for an UnsafeDevice error naming exactly what
// was skipped rather than just the raw state mismatch.
func missingStep(current State) string {
	switch current {
	case StateLocked:
		return "system drive check"
	case StateSysChecked:
		return "mount check"
	case StateMountsChecked:
		return "data-loss acknowledgment"
	default:
		return "required safety check"
	}
}

// requireState reports that a step was called out of sequence. This is
// a missing-precondition failure, not a reserved-object violation, so
// it surfaces as UnsafeDevice rather than SafetyViolation: the caller
// skipped a mandatory check, it did not target a protected inode or
// MFT record.
func (g *Gate) requireState(want State) error {
	if g.state != want {
		return ferr.UnsafeDevice(missingStep(g.state) + " not performed")
	}
	return nil
}

// CheckSystemDrive performs the mandatory system-drive check.
func (g *Gate) CheckSystemDrive() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireState(StateLocked); err != nil {
		return err
	}
	if g.device.IsSystemDrive {
		g.reasons = append(g.reasons, "device is the active system drive")
		g.state = StateSysChecked
		return ferr.UnsafeDevice(fmt.Sprintf("device %s is the active system drive", g.device.ID))
	}
	g.state = StateSysChecked
	return nil
}

// CheckMounts performs the mandatory mount-point check, recording any
// mount point matching a critical pattern.
func (g *Gate) CheckMounts() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireState(StateSysChecked); err != nil {
		return err
	}

	for _, mp := range g.device.MountPoints {
		for _, pat := range g.mounts {
			if pat.Match(mp) {
				g.criticalFound = append(g.criticalFound, mp)
				break
			}
		}
	}
	if len(g.criticalFound) > 0 {
		g.reasons = append(g.reasons, "device has critical mount points: "+joinStrings(g.criticalFound))
	} else if len(g.device.MountPoints) > 0 {
		g.reasons = append(g.reasons, "device is mounted")
	}

	g.state = StateMountsChecked
	return nil
}

// Acknowledge records the caller's data-loss acknowledgment. backup
// reports whether the caller confirmed a backup exists.
func (g *Gate) Acknowledge(backupConfirmed bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireState(StateMountsChecked); err != nil {
		return err
	}
	g.device.BackupConfirmed = backupConfirmed
	if !backupConfirmed {
		g.reasons = append(g.reasons, "no backup confirmed before data loss")
	}
	g.state = StateAcknowledged
	return nil
}

func (g *Gate) computeRisk() (int, RiskLevel) {
	score := 0
	if g.device.IsSystemDrive {
		score += scoreSystemDrive
	}
	if len(g.criticalFound) > 0 {
		score += scoreCriticalMount
	} else if len(g.device.MountPoints) > 0 {
		score += scoreAnyMount
	}
	if !g.device.BackupConfirmed {
		score += scoreUnconfirmedBack
	}

	var level RiskLevel
	switch {
	case score >= 100:
		level = RiskForbidden
	case score >= 70:
		level = RiskCritical
	case score >= 50:
		level = RiskHigh
	case score >= 20:
		level = RiskMedium
	case score > 0:
		level = RiskLow
	default:
		level = RiskSafe
	}
	return score, level
}

// Approve evaluates the accumulated risk and, if it is below
// Forbidden, returns a one-shot Token for operation. Forbidden-risk
// devices are always refused; there is no override path, by design.
func (g *Gate) Approve(operation string) (Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireState(StateAcknowledged); err != nil {
		return Token{}, err
	}

	g.score, g.level = g.computeRisk()

	approved := g.level < RiskForbidden

	rec := audit.Record{
		CheckID:   randstr.Hex(16),
		DeviceID:  g.device.ID.String(),
		Operation: operation,
		RiskScore: g.score,
		RiskLevel: g.level.String(),
		Approved:  approved,
		Reasons:   append([]string(nil), g.reasons...),
	}
	_ = g.sink.Write(rec)

	if !approved {
		return Token{}, ferr.UnsafeDevice("risk level " + g.level.String() + " for device " + g.device.ID.String())
	}

	g.state = StateApproved

	used := new(int32)
	return Token{
		DeviceID:  g.device.ID,
		Operation: operation,
		RiskScore: g.score,
		RiskLevel: g.level,
		used:      used,
	}, nil
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
