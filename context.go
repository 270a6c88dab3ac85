package osdp

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/osdp-go/osdp/channel"
	"github.com/osdp-go/osdp/config"
	"github.com/osdp-go/osdp/cpapp"
	"github.com/osdp-go/osdp/pd"
	"github.com/osdp-go/osdp/pdfsm"
	"github.com/osdp-go/osdp/secure"
)

// Context is the root handle to a running engine: a CP scheduler
// managing N PDs, or a single local PD engine, per config.Config's
// role field (spec.md §3's Context, generalized from a fixed CP role to
// either role the config selects).
type Context struct {
	Role      string
	Logger    *log.Logger
	Scheduler *cpapp.Scheduler // set when Role == "cp"
	PD        *pdfsm.PD        // set when Role == "pd"

	apps []*cpapp.App // kept alongside Scheduler for direct inspection (status tables, etc.)
}

// Setup builds a Context from a loaded config. logger may be nil to
// disable logging entirely (spec.md §9's injected-logging note).
func Setup(cfg *config.Config, logger *log.Logger) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	masterKey, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}

	ctx := &Context{Role: cfg.Role, Logger: logger}

	switch cfg.Role {
	case "cp":
		sched := cpapp.NewScheduler()
		for _, spec := range cfg.PDs {
			ch, err := buildChannel(spec)
			if err != nil {
				return nil, fmt.Errorf("osdp: pd offset %d: %w", *spec.Offset, err)
			}
			rec := pd.New(byte(*spec.Address), spec.BaudRate, *spec.Offset, ch, spec.QueueDepth, spec.MaxFrame)
			scbk, err := scbkFor(masterKey, spec)
			if err != nil {
				return nil, fmt.Errorf("osdp: pd offset %d: %w", *spec.Offset, err)
			}
			rec.SC.SCBK = scbk

			app := cpapp.New(rec, *spec.Offset, masterKey, cfg.SecureChannel)
			app.Events = ctx.logEvent
			sched.Add(app)
			ctx.apps = append(ctx.apps, app)
		}
		ctx.Scheduler = sched

	case "pd":
		if len(cfg.PDs) != 1 {
			return nil, fmt.Errorf("osdp: pd role takes exactly one pds entry, got %d", len(cfg.PDs))
		}
		spec := cfg.PDs[0]
		ch, err := buildChannel(spec)
		if err != nil {
			return nil, err
		}
		rec := pd.New(byte(*spec.Address), spec.BaudRate, *spec.Offset, ch, spec.QueueDepth, spec.MaxFrame)
		if spec.SCBKHex != "" {
			scbk, err := scbkFor(masterKey, spec)
			if err != nil {
				return nil, err
			}
			rec.SC.SCBK = scbk
		}
		ctx.PD = pdfsm.New(rec, pd.Identity{}, nil, nil)

	default:
		return nil, fmt.Errorf("osdp: unknown role %q", cfg.Role)
	}

	return ctx, nil
}

// Apps returns the CP role's per-PD drivers in config order, for status
// reporting (cmd/monitor.go). Empty in the PD role.
func (c *Context) Apps() []*cpapp.App { return c.apps }

func (c *Context) logEvent(e cpapp.Event) {
	if c.Logger == nil {
		return
	}
	c.Logger.Printf("pd[%d]: %s", e.Offset, e.Kind)
}

// Refresh advances the engine by exactly one tick: one round-robin step
// across all PDs in the CP role, or one receive/reply step in the PD
// role. ctx is checked once per call, not mid-FSM-step, since every FSM
// step here is non-blocking and short (spec.md §5).
func (c *Context) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	switch c.Role {
	case "cp":
		return c.Scheduler.Refresh(now)
	case "pd":
		return c.PD.Refresh(now)
	default:
		return fmt.Errorf("osdp: context not initialized")
	}
}

func buildChannel(spec config.PDSpec) (channel.Channel, error) {
	switch spec.Channel {
	case config.ChannelPCSC:
		return channel.NewPCSC(*spec.ReaderIndex)
	case config.ChannelLoopback:
		a, _ := channel.Loopback(spec.MaxFrame * 4)
		return a, nil
	default:
		return nil, fmt.Errorf("unsupported channel %q", spec.Channel)
	}
}

// scbkFor resolves a PD's starting secure-channel base key: a fixed
// scbk_hex wins outright, otherwise a serial_hex diversifies one from
// the master key via secure.ComputeSCBK (spec.md's compute_scbk, moved
// here to run once at setup instead of mid-handshake — see DESIGN.md).
// Neither given leaves the zero key, which cpapp's SC_INIT step reads as
// "not yet provisioned" and falls back to the well-known SCBK-D.
func scbkFor(masterKey [16]byte, spec config.PDSpec) ([16]byte, error) {
	var key [16]byte
	if spec.SCBKHex != "" {
		raw, err := decodeHexN(spec.SCBKHex, 16)
		if err != nil {
			return key, err
		}
		copy(key[:], raw)
		return key, nil
	}
	if spec.SerialHex != "" {
		var serial [8]byte
		raw, err := decodeHexN(spec.SerialHex, 8)
		if err != nil {
			return key, err
		}
		copy(serial[:], raw)
		return secure.ComputeSCBK(masterKey, serial), nil
	}
	return key, nil
}

func decodeHexN(s string, wantLen int) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != wantLen {
		return nil, fmt.Errorf("want %d bytes, got %d", wantLen, len(raw))
	}
	return raw, nil
}
