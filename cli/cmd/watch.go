package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <session_id> <image|dir>...",
	Short: "Streams image files to a session in a live dashboard",
	Long: `Streams frames like "stream" and shows the session's status, the latest
pulse and breathing rates, buffer counters and the message log in a tview-based
interface. Press q or Esc to quit.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		fps, _ := cmd.Flags().GetFloat64("fps")
		files, err := collectFrames(args[1:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error collecting frames: %v\n", err)
			return
		}
		if err := runDashboard(apiClient, args[0], files, fps); err != nil {
			fmt.Fprintf(os.Stderr, "Dashboard error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Float64("fps", 10, "Frames sent per second")
}

// dashboard is the state shown above the message log.
type dashboard struct {
	mu        sync.Mutex
	sessionID string
	total     int
	sent      int
	status    string
	pulse     float64
	breathing float64
	fps       float64
	latency   float64
	snapshot  *Session
	ended     string
}

type wireMessage struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Status    string         `json:"status"`
	Metrics   map[string]any `json:"metrics"`
	FPS       float64        `json:"fps"`
	Latency   float64        `json:"latency_s"`
}

// apply folds one server message into the dashboard and returns the log line
// for it.
func (d *dashboard) apply(raw []byte) string {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Sprintf("[red]unreadable message: %v", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	ts := float64(msg.Timestamp) / 1e6
	switch msg.Type {
	case "status":
		d.status = msg.Status
		return fmt.Sprintf("[yellow]%9.3fs status %s", ts, msg.Status)
	case "metrics":
		var parts []string
		if v, ok := latestRate(msg.Metrics, "pulse"); ok {
			d.pulse = v
			parts = append(parts, fmt.Sprintf("pulse %.1f", v))
		}
		if v, ok := latestRate(msg.Metrics, "breathing"); ok {
			d.breathing = v
			parts = append(parts, fmt.Sprintf("breathing %.1f", v))
		}
		if len(parts) == 0 {
			parts = append(parts, fmt.Sprintf("%d fields", len(msg.Metrics)))
		}
		return fmt.Sprintf("[white]%9.3fs metrics %s", ts, strings.Join(parts, ", "))
	case "telemetry":
		d.fps, d.latency = msg.FPS, msg.Latency
		return fmt.Sprintf("[gray]%9.3fs telemetry %.1f fps, %.3fs latency", ts, msg.FPS, msg.Latency)
	default:
		return fmt.Sprintf("[gray]%s", raw)
	}
}

// latestRate returns the newest value of metrics[key], which carries either a
// "rate" series or a single "strict" measurement.
func latestRate(metrics map[string]any, key string) (float64, bool) {
	group, ok := metrics[key].(map[string]any)
	if !ok {
		return 0, false
	}
	if series, ok := group["rate"].([]any); ok && len(series) > 0 {
		if last, ok := series[len(series)-1].(map[string]any); ok {
			if v, ok := last["value"].(float64); ok {
				return v, true
			}
		}
	}
	if strict, ok := group["strict"].(map[string]any); ok {
		if v, ok := strict["value"].(float64); ok {
			return v, true
		}
	}
	return 0, false
}

func (d *dashboard) render() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "[::b]Session[::-] %s   [::b]Status[::-] %s\n", d.sessionID, orDash(d.status))
	fmt.Fprintf(&b, "[::b]Pulse[::-] %s bpm   [::b]Breathing[::-] %s rpm\n", rate(d.pulse), rate(d.breathing))
	fmt.Fprintf(&b, "[::b]Frames[::-] %d/%d sent", d.sent, d.total)
	if s := d.snapshot; s != nil && s.State != "closed" {
		fmt.Fprintf(&b, "   [::b]Buffer[::-] %d/%d, %d dropped   [::b]Metrics[::-] %d",
			s.Buffer.Length, s.Buffer.Capacity, s.Buffer.Dropped, s.Counters.MetricsSent)
	}
	if d.fps > 0 {
		fmt.Fprintf(&b, "   [::b]Engine[::-] %.1f fps, %.3fs", d.fps, d.latency)
	}
	if d.ended != "" {
		fmt.Fprintf(&b, "\n[red]%s[white] (q to quit)", d.ended)
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func rate(v float64) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f", v)
}

func runDashboard(client *Client, sessionID string, files []string, fps float64) error {
	app := tview.NewApplication()
	d := &dashboard{sessionID: sessionID, total: len(files)}

	header := tview.NewTextView().
		SetDynamicColors(true).
		SetText(d.render())
	header.SetBorder(true).SetTitle(" spectragate ")

	logView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		ScrollToEnd()

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, 5, 0, false).
		AddItem(logView, 0, 1, true)
	app.SetRoot(flex, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redraw := func(line string) {
		// the application no longer drains updates once stopped
		if ctx.Err() != nil {
			return
		}
		app.QueueUpdateDraw(func() {
			header.SetText(d.render())
			if line != "" {
				fmt.Fprintln(logView, line)
				logView.ScrollToEnd()
			}
		})
	}

	go func() {
		reason, err := streamFrames(ctx, client.StreamURL(sessionID), files, streamOptions{
			fps:    fps,
			linger: 24 * time.Hour,
			onMessage: func(msg []byte) {
				redraw(d.apply(msg))
			},
			onSent: func(n int, path string) {
				d.mu.Lock()
				d.sent = n
				d.mu.Unlock()
				redraw("")
			},
		})
		d.mu.Lock()
		switch {
		case err != nil:
			d.ended = fmt.Sprintf("stream failed: %v", err)
		case reason != "":
			d.ended = "stream closed: " + reason
		default:
			d.ended = "stream closed"
		}
		d.mu.Unlock()
		redraw("")
	}()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reqCtx, reqCancel := context.WithTimeout(ctx, 900*time.Millisecond)
				s, err := client.GetSession(reqCtx, sessionID)
				reqCancel()
				if err != nil {
					continue
				}
				d.mu.Lock()
				d.snapshot = &s
				d.mu.Unlock()
				redraw("")
			}
		}
	}()

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC || event.Key() == tcell.KeyEscape || event.Rune() == 'q' {
			cancel()
			app.Stop()
			return nil
		}
		return event
	})

	return app.Run()
}
