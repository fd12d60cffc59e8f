package observability

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

var startTime = time.Now()

const (
	colorReset = "\033[0m"
	colorCyan  = "\033[96m"
	colorMag   = "\033[95m"
	colorDim   = "\033[2m"
)

// statusRow is the fixed terminal row of the live status line; logs scroll
// below it.
const statusRow = 10

// termMu synchronizes ALL terminal output so that the cursor
// save/restore in PrintLiveStatus can never be interrupted by a log write.
var termMu sync.Mutex

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

type termWriter struct{}

func (termWriter) Write(p []byte) (int, error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stderr.Write(p)
}

// NewTermWriter returns an io.Writer suitable for log.SetOutput(). It
// serialises writes with PrintLiveStatus.
func NewTermWriter() *termWriter {
	return &termWriter{}
}

const logo = `
       __                       _
  ___ / /____ ___ _    __(_)__ ___
 (_-</ __/ -_) _ \ |/|/ / (_-</ -_)
/___/\__/\__/ .__/__,__/_/___/\__/
           /_/

        >> PLAN. DISPATCH. RESOLVE. <<
`

func PrintBanner() {
	fmt.Print("\033[2J\033[H")
	width := termWidth()
	for _, l := range strings.Split(logo, "\n") {
		pad := max((width-len(l))/2, 0)
		fmt.Printf("%s%s%s%s\n", strings.Repeat(" ", pad), colorCyan, l, colorReset)
	}
}

// InitializeTerminal pins the logo and status line and makes everything
// below them a scrolling log region.
func InitializeTerminal() {
	fmt.Printf("\033[%d;r", statusRow+2)
	fmt.Printf("\033[%d;1H", statusRow+2)
}

func CleanupTerminal() {
	fmt.Print("\033[r\033[2J\033[H")
}

// Health classifies the time since the last heartbeat.
func Health(sinceHeartbeat time.Duration) string {
	switch {
	case sinceHeartbeat < 40*time.Second:
		return "HEALTHY"
	case sinceHeartbeat < 90*time.Second:
		return "LAGGING"
	default:
		return "OFFLINE"
	}
}

// FormatStatus renders s as a single plain line no wider than width.
func FormatStatus(s Snapshot, now time.Time, allocMB float64, width int) string {
	task := s.Task
	if task == "" {
		task = "waiting"
	}
	progress := ""
	if s.Steps > 0 {
		progress = fmt.Sprintf(" step %d/%d", s.Step, s.Steps)
	}

	fixed := fmt.Sprintf("[%s] %s | %s%s | %d running | up %v | %.1fMB | ",
		s.LastHeartbeat.Format("15:04:05"), Health(now.Sub(s.LastHeartbeat)),
		s.Role, progress, s.Running, now.Sub(startTime).Round(time.Second), allocMB)

	room := width - len(fixed)
	if r := []rune(task); room < len(r) {
		if room <= 3 {
			task = ""
		} else {
			task = string(r[:room-3]) + "..."
		}
	}
	return fixed + task
}

// PrintLiveStatus redraws the status line in place.
func PrintLiveStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s := GetStatus()
	line := FormatStatus(s, time.Now(), float64(m.Alloc)/1024/1024, termWidth()-1)

	color := colorDim
	switch {
	case Health(time.Since(s.LastHeartbeat)) == "OFFLINE":
		color = colorMag
	case s.Role != RoleIdle:
		color = colorCyan
	}

	// Build before locking to keep the critical section short.
	out := fmt.Sprintf("\033[s\033[%d;1H\033[K%s%s%s\033[u", statusRow, color, line, colorReset)

	termMu.Lock()
	fmt.Print(out)
	termMu.Unlock()
}
