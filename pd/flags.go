package pd

// Flags is the PD record's status/mode bitmask (spec.md §3).
type Flags uint32

const (
	FlagSCCapable    Flags = 1 << iota // PD advertised secure channel support
	FlagTamper                         // local tamper status
	FlagPower                          // local power status
	FlagRTamper                        // remote tamper status
	FlagAwaitResp                      // command sent, reply not yet decoded/timed out
	FlagSkipSeqCheck                   // disable sequence checks (debug)
	FlagSCUseSCBKD                     // use the well-known default key for this handshake
	FlagSCActive                       // secure channel session established
	FlagSCSCBKDDone                    // SCBK-D fallback attempted this handshake
	FlagInstallMode                    // PD is in install/enrollment mode
	FlagPDMode                         // this record represents the local PD role, not a remote PD
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Set returns f with mask's bits set.
func (f Flags) Set(mask Flags) Flags { return f | mask }

// Clear returns f with mask's bits cleared.
func (f Flags) Clear(mask Flags) Flags { return f &^ mask }
