// Package output renders the engine's live state to a terminal, using
// the same go-pretty table styling the teacher's output package used
// for its own status views.
package output

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/osdp-go/osdp/cpapp"
	"github.com/osdp-go/osdp/pd"
)

var (
	colorHeader  = text.Colors{text.FgCyan, text.Bold}
	colorSuccess = text.Colors{text.FgGreen}
	colorError   = text.Colors{text.FgRed}
	colorWarn    = text.Colors{text.FgYellow}
	colorOnline  = text.Colors{text.FgHiGreen}
	colorOffline = text.Colors{text.FgHiRed}
)

func getTableStyle() table.Style {
	style := table.StyleRounded
	style.Color.Header = colorHeader
	style.Color.Row = text.Colors{text.FgWhite}
	style.Color.RowAlternate = text.Colors{text.FgHiWhite}
	style.Options.SeparateRows = false
	return style
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(getTableStyle())
	return t
}

// PDStatus is one row of the monitor table: a snapshot of a single PD's
// driver state, taken by the caller once per refresh since cpapp.App
// exposes no row-rendering of its own.
type PDStatus struct {
	Offset    int
	Address   byte
	State     pd.AppState
	SCActive  bool
	ErrStrike int
	LastEvent string
}

// SnapshotApps converts a scheduler's apps into status rows, in the
// order apps lists them.
func SnapshotApps(apps []*cpapp.App, lastEvent map[int]string) []PDStatus {
	rows := make([]PDStatus, 0, len(apps))
	for _, a := range apps {
		rows = append(rows, PDStatus{
			Offset:    a.Offset,
			Address:   a.Record.Address,
			State:     a.Record.State,
			SCActive:  a.Record.SC.Active,
			ErrStrike: a.Record.ErrStrikes,
			LastEvent: lastEvent[a.Offset],
		})
	}
	return rows
}

// PrintStatusTable renders one status table for the given PD rows.
func PrintStatusTable(rows []PDStatus) {
	t := newTable()
	t.SetTitle("OSDP ENGINE STATUS")
	t.AppendHeader(table.Row{"Offset", "Address", "State", "Secure Channel", "Err Strikes", "Last Event"})
	for _, r := range rows {
		state := text.Colors{text.FgWhite}.Sprint(r.State.String())
		if r.State == pd.StateOnline {
			state = colorOnline.Sprint(r.State.String())
		} else if r.State == pd.StateOffline {
			state = colorOffline.Sprint(r.State.String())
		}
		sc := "inactive"
		if r.SCActive {
			sc = colorSuccess.Sprint("active")
		}
		t.AppendRow(table.Row{r.Offset, fmt.Sprintf("0x%02X", r.Address), state, sc, r.ErrStrike, r.LastEvent})
	}
	t.Render()
	fmt.Println()
}

// PrintSuccess prints a one-line success message in green.
func PrintSuccess(msg string) { fmt.Println(colorSuccess.Sprint(msg)) }

// PrintWarning prints a one-line warning message in yellow.
func PrintWarning(msg string) { fmt.Println(colorWarn.Sprint(msg)) }

// PrintError prints a one-line error message in red.
func PrintError(msg string) { fmt.Println(colorError.Sprint(msg)) }
