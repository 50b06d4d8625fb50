package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/vango-go/voicegw/pkg/gateway/auth"
	"github.com/vango-go/voicegw/pkg/gateway/live/protocol"
)

const clientSampleRateHz = 16000

type clientOptions struct {
	gateway   string
	token     string
	subject   string
	text      string
	audioFile string
	frameMS   int
	outFile   string
	timeout   time.Duration
}

func newClientCmd() *cobra.Command {
	opt := clientOptions{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Send one text or audio turn to a running gateway",
		Long: `Open a live session, send one turn and print the reply.

Audio input is raw pcm_s16le at 16kHz mono and is paced in real time.
Reply audio is written as raw PCM to --out.

Examples:
  voicegw client --gateway localhost:8080 --subject alice --text "hello"
  voicegw client --gateway https://gw.example.com --token $TOKEN --audio-file in.pcm --out reply.pcm`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if opt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opt.timeout)
				defer cancel()
			}
			return runClient(ctx, opt, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opt.gateway, "gateway", "localhost:8080", "gateway base URL (host:port, http(s):// or ws(s)://)")
	flags.StringVar(&opt.token, "token", "", "session token; minted from VOICEGW_JWT_SECRET and --subject when empty")
	flags.StringVar(&opt.subject, "subject", "voicegw-client", "subject for a locally minted token")
	flags.StringVar(&opt.text, "text", "", "text prompt to send")
	flags.StringVar(&opt.audioFile, "audio-file", "", "raw pcm_s16le 16kHz mono file to stream")
	flags.IntVar(&opt.frameMS, "frame-ms", 20, "audio frame duration in ms")
	flags.StringVar(&opt.outFile, "out", "", "write reply audio (raw PCM) to this file")
	flags.DurationVar(&opt.timeout, "timeout", 2*time.Minute, "overall deadline")
	return cmd
}

func runClient(ctx context.Context, opt clientOptions, stdout io.Writer) error {
	if (opt.text == "") == (opt.audioFile == "") {
		return errors.New("exactly one of --text or --audio-file is required")
	}
	wsURL, err := liveWSURL(opt.gateway)
	if err != nil {
		return fmt.Errorf("gateway url: %w", err)
	}
	token := strings.TrimSpace(opt.token)
	if token == "" {
		token, err = auth.IssueToken(envDefault("VOICEGW_JWT_SECRET", ""), auth.IssueOptions{
			Subject:  opt.subject,
			TTL:      10 * time.Minute,
			Issuer:   envDefault("VOICEGW_JWT_ISSUER", ""),
			Audience: envDefault("VOICEGW_JWT_AUDIENCE", ""),
		})
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
	}

	var pcm []byte
	if opt.audioFile != "" {
		pcm, err = os.ReadFile(opt.audioFile)
		if err != nil {
			return err
		}
	}
	var out io.Writer = io.Discard
	if opt.outFile != "" {
		f, err := os.Create(opt.outFile)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var writeMu sync.Mutex
	send := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(messageType, data)
	}

	ready, err := readServerFrame(conn)
	if err != nil {
		return err
	}
	if ready.Type != "ready" {
		return fmt.Errorf("unexpected first frame %q", ready.Type)
	}
	fmt.Fprintf(stdout, "[ready] session=%s model=%s\n", ready.SessionID, ready.Model)

	sendErr := make(chan error, 1)
	go func() {
		if opt.text != "" {
			payload, _ := json.Marshal(protocol.ClientText{Type: protocol.TypeText, Text: opt.text})
			sendErr <- send(websocket.TextMessage, payload)
			return
		}
		sendErr <- streamPCM(ctx, pcm, opt.frameMS, send)
	}()

	var audioBytes int
	for {
		frame, err := readServerFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch {
		case frame.Error != "":
			return fmt.Errorf("gateway error: %s", frame.Error)
		case frame.Type == "response" && frame.Text != nil:
			fmt.Fprintf(stdout, "[text] %s\n", *frame.Text)
		case frame.Type == "response" && frame.Audio != nil:
			chunk, err := base64.StdEncoding.DecodeString(*frame.Audio)
			if err != nil {
				return fmt.Errorf("decode reply audio: %w", err)
			}
			audioBytes += len(chunk)
			if _, err := out.Write(chunk); err != nil {
				return err
			}
		case frame.Type == "notice" && frame.Text != nil:
			fmt.Fprintf(stdout, "[notice] %s\n", *frame.Text)
		case frame.Type == "warning":
			fmt.Fprintf(stdout, "[warning] %s: %s\n", frame.Code, frame.Message)
		case frame.Type == "turn_complete":
			fmt.Fprintf(stdout, "[turn_complete] audio_bytes=%d\n", audioBytes)
			if err := <-sendErr; err != nil {
				return fmt.Errorf("send: %w", err)
			}
			_ = send(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}

// serverFrame is the union of every frame the gateway sends. Text is null on
// audio responses.
type serverFrame struct {
	Type      string  `json:"type"`
	Error     string  `json:"error"`
	SessionID string  `json:"session_id"`
	Model     string  `json:"model"`
	Text      *string `json:"text"`
	Audio     *string `json:"audio"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
}

func readServerFrame(conn *websocket.Conn) (serverFrame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return serverFrame{}, err
	}
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return serverFrame{}, fmt.Errorf("invalid server frame: %w", err)
	}
	return f, nil
}

// streamPCM sends start, paced binary frames, then stop.
func streamPCM(ctx context.Context, pcm []byte, frameMS int, send func(int, []byte) error) error {
	if frameMS <= 0 {
		return errors.New("frame ms must be > 0")
	}
	frameBytes := clientSampleRateHz * frameMS / 1000 * 2
	control := func(typ string) error {
		payload, _ := json.Marshal(protocol.ClientControl{Type: typ})
		return send(websocket.TextMessage, payload)
	}

	if err := control(protocol.TypeStart); err != nil {
		return err
	}
	ticker := time.NewTicker(time.Duration(frameMS) * time.Millisecond)
	defer ticker.Stop()
	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		if err := send(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return control(protocol.TypeStop)
}

func liveWSURL(gateway string) (string, error) {
	raw := strings.TrimSpace(gateway)
	if raw == "" {
		return "", fmt.Errorf("empty gateway")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	// Preserve any base path, but always route to /ws.
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
