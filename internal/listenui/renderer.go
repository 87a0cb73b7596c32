package listenui

import (
	"fmt"
	"io"
	"strings"

	"atomicgo.dev/cursor"
	"github.com/pterm/pterm"

	"rbridge/cli/internal/bridge/model"
)

// Renderer draws the tally either into a live pterm area (interactive
// terminals) or as one line per event (pipes and logs).
type Renderer struct {
	tally *Tally
	live  bool
	out   io.Writer
	area  *pterm.AreaPrinter
}

// NewRenderer creates a renderer for tally. When live is false every event is
// written to out as it arrives.
func NewRenderer(tally *Tally, live bool, out io.Writer) *Renderer {
	return &Renderer{tally: tally, live: live, out: out}
}

// Start opens the live area. It is a no-op in line mode.
func (r *Renderer) Start() error {
	if !r.live {
		return nil
	}
	cursor.Hide()
	area, err := pterm.DefaultArea.WithRemoveWhenDone(false).Start()
	if err != nil {
		cursor.Show()
		return err
	}
	r.area = area
	r.Refresh()
	return nil
}

// Event records ev and updates the output.
func (r *Renderer) Event(ev model.Event) {
	r.tally.Record(ev)
	if !r.live {
		fmt.Fprintln(r.out, FormatLine(ev))
	}
}

// Refresh redraws the live area.
func (r *Renderer) Refresh() {
	if r.area != nil {
		r.area.Update(Render(r.tally.Snapshot()))
	}
}

// Stop closes the live area and restores the cursor.
func (r *Renderer) Stop() {
	if r.area != nil {
		r.Refresh()
		_ = r.area.Stop()
		r.area = nil
		cursor.Show()
	}
}

// FormatLine renders ev as a single log line.
func FormatLine(ev model.Event) string {
	origin := ev.Metadata[model.MetadataOrigin]
	if origin == "" {
		origin = model.OriginBackend
	}
	return fmt.Sprintf("%s %-24s id=%s source=%s origin=%s %s",
		ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.ID, ev.Source, origin, ev.Payload.String())
}

// Render builds the live area text for s.
func Render(s Snapshot) string {
	var b strings.Builder

	b.WriteString(pterm.NewStyle(pterm.FgLightCyan).Sprint("→ Connection: "))
	b.WriteString(stateStyle(s.State).Sprint(s.State.String()))
	b.WriteString("\n\n")

	for _, typ := range s.Order {
		fmt.Fprintf(&b, "  %s %s\n",
			pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprintf("%-24s", typ),
			pterm.NewStyle(pterm.FgLightWhite).Sprintf("%6d", s.Counts[typ]))
	}
	if s.Local > 0 {
		fmt.Fprintf(&b, "  %s\n", pterm.NewStyle(pterm.FgYellow).Sprintf("%d delivered locally while degraded", s.Local))
	}

	if len(s.Recent) > 0 {
		b.WriteString("\n")
		for _, e := range s.Recent {
			marker := pterm.NewStyle(pterm.FgGreen).Sprint("●")
			if e.Local {
				marker = pterm.NewStyle(pterm.FgYellow).Sprint("○")
			}
			fmt.Fprintf(&b, "  %s %s %s %s\n", marker,
				pterm.NewStyle(pterm.FgGray).Sprint(e.At.Format("15:04:05")),
				e.Type,
				pterm.NewStyle(pterm.FgGray).Sprint(e.Summary))
		}
	}
	return b.String()
}

func stateStyle(s model.ConnectionState) *pterm.Style {
	switch s {
	case model.Connected:
		return pterm.NewStyle(pterm.FgGreen, pterm.Bold)
	case model.Degraded:
		return pterm.NewStyle(pterm.FgYellow, pterm.Bold)
	case model.Connecting:
		return pterm.NewStyle(pterm.FgLightBlue)
	default:
		return pterm.NewStyle(pterm.FgRed)
	}
}
