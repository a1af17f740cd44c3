package dsdl

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dyluth/beacon/pkg/bus"
)

// Health is the node health reported in a heartbeat.
type Health uint8

const (
	HealthNominal Health = iota
	HealthAdvisory
	HealthCaution
	HealthWarning
)

var healthNames = [...]string{"NOMINAL", "ADVISORY", "CAUTION", "WARNING"}

func (h Health) Valid() bool { return int(h) < len(healthNames) }

func (h Health) String() string {
	if !h.Valid() {
		return fmt.Sprintf("HEALTH(%d)", uint8(h))
	}
	return healthNames[h]
}

// ParseHealth maps a health name (case-insensitive) to its value.
func ParseHealth(name string) (Health, error) {
	for i, n := range healthNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return Health(i), nil
		}
	}
	return 0, fmt.Errorf("unknown health %q", name)
}

// Mode is the operating mode reported in a heartbeat.
type Mode uint8

const (
	ModeOperational Mode = iota
	ModeInitialization
	ModeMaintenance
	ModeSoftwareUpdate
)

var modeNames = [...]string{"OPERATIONAL", "INITIALIZATION", "MAINTENANCE", "SOFTWARE_UPDATE"}

func (m Mode) Valid() bool { return int(m) < len(modeNames) }

func (m Mode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("MODE(%d)", uint8(m))
	}
	return modeNames[m]
}

// ParseMode maps a mode name (case-insensitive, '-' or '_') to its value.
func ParseMode(name string) (Mode, error) {
	norm := strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
	for i, n := range modeNames {
		if strings.EqualFold(n, norm) {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", name)
}

// Heartbeat is the periodic liveness message.
type Heartbeat struct {
	Uptime       uint32
	Health       Health
	Mode         Mode
	VendorStatus uint8
}

// HeartbeatSize is the encoded size in bytes.
const HeartbeatSize = 7

// UptimeSeconds converts an elapsed duration to the heartbeat uptime field,
// saturating at the field maximum. Negative durations yield zero.
func UptimeSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if s >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(s)
}

// HeartbeatSchema is uavcan.node.Heartbeat.1.0, fixed on subject 7509.
var HeartbeatSchema = Schema{
	Namespace:    "uavcan.node",
	Name:         "Heartbeat",
	Major:        1,
	Minor:        0,
	FixedSubject: subjectPtr(bus.HeartbeatSubject),
}

// HeartbeatCodec encodes Heartbeat values.
type HeartbeatCodec struct{}

func (HeartbeatCodec) Schema() Schema { return HeartbeatSchema }

func (c HeartbeatCodec) Encode(v Heartbeat) ([]byte, error) {
	if !v.Health.Valid() {
		return nil, &EncodeError{Schema: HeartbeatSchema, Field: "health", Err: ErrValueOutOfRange}
	}
	if !v.Mode.Valid() {
		return nil, &EncodeError{Schema: HeartbeatSchema, Field: "mode", Err: ErrValueOutOfRange}
	}

	w := newBitWriter(HeartbeatSize)
	w.PutUint(uint64(v.Uptime), 32)
	w.PutUint(uint64(v.Health), 3)
	w.Align()
	w.PutUint(uint64(v.Mode), 3)
	w.Align()
	w.PutUint(uint64(v.VendorStatus), 8)
	return w.Bytes(), nil
}

func (c HeartbeatCodec) Decode(b []byte) (Heartbeat, error) {
	fail := func(err error) (Heartbeat, error) {
		return Heartbeat{}, &DecodeError{Schema: HeartbeatSchema, Err: err}
	}
	if len(b) != HeartbeatSize {
		return fail(fmt.Errorf("payload is %d bytes, want %d", len(b), HeartbeatSize))
	}

	r := newBitReader(b)
	uptime, _ := r.Uint(32)
	health, _ := r.Uint(3)
	r.Align()
	mode, _ := r.Uint(3)
	r.Align()
	vendor, _ := r.Uint(8)

	v := Heartbeat{
		Uptime:       uint32(uptime),
		Health:       Health(health),
		Mode:         Mode(mode),
		VendorStatus: uint8(vendor),
	}
	if !v.Health.Valid() {
		return fail(fmt.Errorf("health %d: %w", health, ErrValueOutOfRange))
	}
	if !v.Mode.Valid() {
		return fail(fmt.Errorf("mode %d: %w", mode, ErrValueOutOfRange))
	}
	return v, nil
}
