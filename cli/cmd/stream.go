/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var frameExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".webp": true,
}

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream <session_id> <image|dir>...",
	Short: "Streams image files to a session and prints the results.",
	Long: `Opens the session's stream, sends each image file as one frame at the
given rate and prints every message the server sends back. Directories are
expanded to the image files they contain, in name order.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		fps, _ := cmd.Flags().GetFloat64("fps")
		linger, _ := cmd.Flags().GetDuration("linger")

		files, err := collectFrames(args[1:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error collecting frames: %v\n", err)
			return
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		reason, err := streamFrames(ctx, apiClient.StreamURL(args[0]), files, streamOptions{
			fps:    fps,
			linger: linger,
			onMessage: func(msg []byte) {
				fmt.Println(string(msg))
			},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error streaming: %v\n", err)
			return
		}
		if reason != "" {
			fmt.Fprintf(os.Stderr, "Stream closed: %s\n", reason)
		}
	},
}

func init() {
	rootCmd.AddCommand(streamCmd)
	streamCmd.Flags().Float64("fps", 10, "Frames sent per second")
	streamCmd.Flags().Duration("linger", 2*time.Second, "How long to wait for results after the last frame")
}

type streamOptions struct {
	fps       float64
	linger    time.Duration
	onMessage func([]byte)
	onSent    func(n int, path string)
}

type readResult struct {
	reason string
	err    error
}

// streamFrames sends files to the stream at url and hands every text message
// to opts.onMessage. It returns the close reason given by the server, if any,
// once all frames are sent and the linger period has passed, the server has
// closed the stream, or ctx is done.
func streamFrames(ctx context.Context, url string, files []string, opts streamOptions) (string, error) {
	if opts.fps <= 0 {
		return "", fmt.Errorf("fps must be positive, got %v", opts.fps)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer ws.Close()

	done := make(chan readResult, 1)
	go func() {
		for {
			messageType, data, err := ws.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					done <- readResult{reason: ce.Text}
				} else {
					done <- readResult{err: err}
				}
				return
			}
			if messageType == websocket.TextMessage && opts.onMessage != nil {
				opts.onMessage(data)
			}
		}
	}()

	ticker := time.NewTicker(time.Duration(float64(time.Second) / opts.fps))
	defer ticker.Stop()
	for i, path := range files {
		if i > 0 {
			select {
			case <-ticker.C:
			case res := <-done:
				return res.reason, res.err
			case <-ctx.Done():
				return closeStream(ws, done)
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			closeStream(ws, done)
			return "", fmt.Errorf("failed to read frame: %w", err)
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return "", fmt.Errorf("failed to send %s: %w", path, err)
		}
		if opts.onSent != nil {
			opts.onSent(i+1, path)
		}
	}

	linger := time.NewTimer(opts.linger)
	defer linger.Stop()
	select {
	case res := <-done:
		return res.reason, res.err
	case <-linger.C:
	case <-ctx.Done():
	}
	return closeStream(ws, done)
}

// closeStream sends a normal close and waits briefly for the server's reply.
func closeStream(ws *websocket.Conn, done <-chan readResult) (string, error) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	// fails when the server closed first; its reason is then already in done
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	select {
	case res := <-done:
		return res.reason, nil
	case <-time.After(time.Second):
		return "", nil
	}
}

// collectFrames expands args into image file paths. Directories contribute
// their image files in name order; files named explicitly are kept as given.
func collectFrames(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !frameExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			files = append(files, filepath.Join(arg, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no image files in %s", strings.Join(args, ", "))
	}
	return files, nil
}
