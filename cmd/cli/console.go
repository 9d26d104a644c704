package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/anstrom/ollamascan/internal/probe"
	"github.com/anstrom/ollamascan/internal/runstate"
	"github.com/anstrom/ollamascan/internal/scanning"
	"github.com/anstrom/ollamascan/internal/sink"
	"github.com/anstrom/ollamascan/internal/targets"
)

const disclaimerText = `WARNING: ollamascan sends HTTP requests to every address in the input ranges.
Only scan networks you own or are explicitly authorised to test.
Unauthorised scanning may be illegal in your jurisdiction.`

// confirmAuthorized prints the disclaimer and reads one answer line.
// Only "y" or "yes" confirms.
func confirmAuthorized(in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprintln(out, color.New(color.FgHiYellow).Sprint(disclaimerText))
	fmt.Fprint(out, "Do you have authorisation to scan these ranges? [y/N]: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// crlfWriter turns \n into \r\n. Raw terminal mode disables that translation.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// console owns stdout during a scan. The progress line is redrawn in place
// and cleared before any other output.
type console struct {
	mu       sync.Mutex
	out      io.Writer
	progress bool
	lastLen  int
}

func newConsole(out io.Writer, progress bool) *console {
	return &console{out: out, progress: progress}
}

// Printf writes a full line, clearing the progress line first.
func (c *console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) clearLocked() {
	if c.lastLen > 0 {
		fmt.Fprintf(c.out, "\r%s\r", strings.Repeat(" ", c.lastLen))
		c.lastLen = 0
	}
}

// drawProgress redraws the progress line.
func (c *console) drawProgress(snap runstate.Snapshot) {
	if !c.progress {
		return
	}
	line := progressLine(snap)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	fmt.Fprint(c.out, line)
	c.lastLen = len(line)
}

// finish clears the progress line for good.
func (c *console) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

// runProgress redraws every interval until ctx is done or the run ends.
func (c *console) runProgress(ctx context.Context, state *runstate.State, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c.drawProgress(state.Snapshot())
		select {
		case <-ctx.Done():
			return
		case <-state.Done():
			c.finish()
			return
		case <-ticker.C:
		}
	}
}

func progressLine(snap runstate.Snapshot) string {
	inFlight := ""
	if snap.InFlight > 0 {
		inFlight = fmt.Sprintf(" in flight %d (oldest %s)", snap.InFlight, snap.OldestInFlight.Truncate(100*time.Millisecond))
	}
	return fmt.Sprintf("[%s] %s/%s (%.1f%%) found %d%s elapsed %s  [p]ause [r]esume [q]uit",
		snap.Phase,
		targets.FormatCount(snap.Completed),
		targets.FormatCount(snap.Total),
		snap.Percent(),
		snap.Found,
		inFlight,
		snap.Elapsed.Truncate(time.Second))
}

// OnDiscovery prints a found server and its models.
func (c *console) OnDiscovery(d sink.Discovery) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s, %d models)\n",
		color.New(color.FgHiGreen, color.Bold).Sprint("[+]"),
		d.Endpoint.URL,
		d.Endpoint.Location,
		len(d.Models))
	for _, m := range d.Models {
		fmt.Fprintf(&b, "    %s %s\n", color.New(color.FgCyan).Sprint(m.Name), modelDetails(m))
	}
	c.Printf("%s", b.String())
}

func modelDetails(m probe.ModelRecord) string {
	parts := []string{fmt.Sprintf("%.2f GB", m.SizeGB)}
	if m.ParameterSize != "" {
		parts = append(parts, m.ParameterSize)
	}
	if m.QuantizationLevel != "" {
		parts = append(parts, m.QuantizationLevel)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// printSummary renders the end-of-run table.
func printSummary(out io.Writer, s *scanning.Summary) {
	table := tablewriter.NewWriter(out)
	table.Header("Metric", "Value")

	status := "completed"
	if s.Interrupted {
		status = "interrupted"
	}
	rows := [][]string{
		{"Run ID", s.RunID.String()},
		{"Status", status},
		{"Targets", targets.FormatCount(s.Total)},
		{"Probed", targets.FormatCount(s.Completed)},
		{"Servers found", targets.FormatCount(s.Found)},
		{"Models found", targets.FormatCount(s.Models)},
	}
	for _, k := range probe.Kinds {
		rows = append(rows, []string{"Outcome " + k.String(), targets.FormatCount(s.ByKind[k])})
	}
	rows = append(rows, []string{"Duration", s.Duration.Truncate(time.Millisecond).String()})

	for _, row := range rows {
		_ = table.Append(row)
	}
	_ = table.Render()
}

// keyboard reads single keys from a raw-mode terminal and applies them to
// the run state. Ctrl+C in raw mode arrives as a byte, not a signal.
type keyboard struct {
	restore func()
}

// startKeyboard switches stdin to raw mode when it is a terminal. The
// returned keyboard is nil when stdin is not a terminal.
// A second Ctrl+C calls force.
func startKeyboard(state *runstate.State, con *console, force func()) (*keyboard, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, nil
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to enter raw mode: %w", err)
	}

	var once sync.Once
	kb := &keyboard{
		restore: func() {
			once.Do(func() { _ = term.Restore(fd, old) })
		},
	}

	go readKeys(os.Stdin, state, con, force)
	return kb, nil
}

// Restore puts the terminal back into its original mode.
func (k *keyboard) Restore() {
	if k != nil {
		k.restore()
	}
}

const ctrlC = 0x03

// readKeys applies key presses until the run terminates or in is closed.
func readKeys(in io.Reader, state *runstate.State, con *console, force func()) {
	buf := make([]byte, 1)
	for {
		n, err := in.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		select {
		case <-state.Done():
			return
		default:
		}
		applyKey(buf[0], state, con, force)
	}
}

func applyKey(key byte, state *runstate.State, con *console, force func()) {
	if key == ctrlC {
		if state.Snapshot().Quit && force != nil {
			force()
			return
		}
		key = 'q'
	}
	event, err := runstate.ParseEvent(string(key))
	if err != nil {
		return
	}
	if !state.Apply(event) {
		return
	}
	switch event {
	case runstate.EventPause:
		con.Printf("%s\n", color.New(color.FgYellow).Sprint("Paused. Press r to resume."))
	case runstate.EventResume:
		con.Printf("%s\n", color.New(color.FgGreen).Sprint("Resumed."))
	case runstate.EventQuit:
		con.Printf("%s\n", color.New(color.FgYellow).Sprint("Stopping after in-flight probes finish..."))
	}
}
