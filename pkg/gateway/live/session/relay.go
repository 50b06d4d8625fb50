// Package session runs one live voice session: it relays client audio and
// text to a backend link and streams the backend's replies back.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/voicegw/pkg/gateway/audit"
	"github.com/vango-go/voicegw/pkg/gateway/credpool"
	"github.com/vango-go/voicegw/pkg/gateway/live/backend"
	"github.com/vango-go/voicegw/pkg/gateway/live/protocol"
	"github.com/vango-go/voicegw/pkg/gateway/live/sessions"
	"github.com/vango-go/voicegw/pkg/gateway/metrics"
)

const outboundPriorityQueueSize = 8

var (
	// ErrTerminated is the cancellation cause when a session is ended through
	// its registry handle.
	ErrTerminated = errors.New("session terminated")
	// ErrSessionExpired is the cancellation cause when MaxSessionDuration elapses.
	ErrSessionExpired = errors.New("max session duration reached")

	errClientClosed = errors.New("client closed connection")
	errBackpressure = errors.New("outbound queue full")
)

// Link is the backend connection a relay drives. *backend.Link implements it.
type Link interface {
	Open(ctx context.Context, model string) (backend.Handshake, error)
	SendAudio(pcm []byte) error
	SendText(text string) error
	Events(ctx context.Context) iter.Seq2[backend.Event, error]
	Close() error
}

// LinkFactory builds an unopened link authenticated with apiKey.
type LinkFactory func(apiKey string) Link

type CredentialSource interface {
	Acquire(ctx context.Context) (credpool.Credential, error)
	ReportFailure(c credpool.Credential)
}

type Auditor interface {
	Record(rec audit.Record) bool
}

// ClientConn is the client side of the session. *websocket.Conn implements it.
type ClientConn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type Config struct {
	Model               string
	MinChunkBytes       int
	AcquireTimeout      time.Duration
	MaxMessageBytes     int64
	ReadTimeout         time.Duration
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	MaxSessionDuration  time.Duration
	InboundMaxFPS       int
	InboundMaxBPS       int64
	InboundBurstSeconds int
	OutboundQueueSize   int
}

type Dependencies struct {
	Conn        ClientConn
	Credentials CredentialSource
	NewLink     LinkFactory
	Registry    *sessions.Registry
	Audit       Auditor
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	SessionID   string
	Identity    string
	Config      Config
	// Draining reports whether the server is shutting down; sessions ended
	// while it returns true close with 1001.
	Draining func() bool
	Now      func() time.Time
}

type Relay struct {
	conn     ClientConn
	creds    CredentialSource
	newLink  LinkFactory
	registry *sessions.Registry
	auditor  Auditor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	id       string
	identity string
	cfg      Config
	draining func() bool
	now      func() time.Time

	turn      *TurnController
	limiter   *inboundAudioLimiter
	assembler *chunkAssembler
	utter     utterance

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	credential   credpool.Credential
	warnedInRate bool

	// backend pump state for the current turn
	turnText  strings.Builder
	turnAudio int
	// set after an interrupted completion until the next content event
	interruptedTurn bool
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*Relay, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Credentials == nil {
		return nil, fmt.Errorf("credential source is required")
	}
	if deps.NewLink == nil {
		return nil, fmt.Errorf("link factory is required")
	}
	if strings.TrimSpace(deps.Config.Model) == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if deps.SessionID == "" {
		deps.SessionID = uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Draining == nil {
		deps.Draining = func() bool { return false }
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.MinChunkBytes <= 0 {
		deps.Config.MinChunkBytes = DefaultMinChunkBytes
	}

	return &Relay{
		conn:             deps.Conn,
		creds:            deps.Credentials,
		newLink:          deps.NewLink,
		registry:         deps.Registry,
		auditor:          deps.Audit,
		metrics:          deps.Metrics,
		logger:           deps.Logger.With("session_id", deps.SessionID, "identity", deps.Identity),
		id:               deps.SessionID,
		identity:         deps.Identity,
		cfg:              deps.Config,
		draining:         deps.Draining,
		now:              deps.Now,
		turn:             NewTurnController(),
		limiter:          newInboundAudioLimiter(deps.Now, deps.Config.InboundMaxFPS, deps.Config.InboundMaxBPS, deps.Config.InboundBurstSeconds),
		assembler:        newChunkAssembler(deps.Config.MinChunkBytes),
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}, nil
}

func (r *Relay) SessionID() string { return r.id }

// Turn exposes the session's turn controller for inspection.
func (r *Relay) Turn() *TurnController { return r.turn }

// Run drives the session until the client leaves, the backend fails, the
// session is cancelled or ctx ends. It returns nil for every normal ending.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if r.cfg.MaxSessionDuration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, r.cfg.MaxSessionDuration, ErrSessionExpired)
		defer stop()
	}

	if r.cfg.MaxMessageBytes > 0 {
		r.conn.SetReadLimit(r.cfg.MaxMessageBytes)
	}
	if r.cfg.ReadTimeout > 0 {
		_ = r.conn.SetReadDeadline(r.now().Add(r.cfg.ReadTimeout))
		r.conn.SetPongHandler(func(string) error {
			return r.conn.SetReadDeadline(r.now().Add(r.cfg.ReadTimeout))
		})
	}

	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	writerDone := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:       r.conn,
			ctx:      writerCtx,
			cfg:      r.cfg,
			priority: r.outboundPriority,
			normal:   r.outboundNormal,
		}
		err := w.Run()
		if err != nil {
			cancel(errClientClosed)
		}
		writerDone <- err
	}()

	started := r.now()
	r.metrics.RecordLiveSessionStart()
	unregister := r.registry.Register(r.id, sessions.Handle{
		Identity:  r.identity,
		StartedAt: started,
		Send:      r.trySendJSON,
		Warn: func(code, message string) error {
			return r.trySendJSON(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
		},
		Cancel: func() { cancel(ErrTerminated) },
	})
	r.record(audit.ActionLogin, "", 0)
	r.logger.Info("live session started")

	err := r.serve(ctx)

	end := r.classify(ctx, err)
	if end.message != "" {
		r.record(audit.ActionError, end.message+": "+errString(err), 0)
		r.metrics.RecordError("relay", end.outcome)
	}
	r.enqueuePriority(end.frame())
	stopWriter()

	unregister()
	r.record(audit.ActionLogout, end.outcome, 0)

	// The writer drains queued replies before the final frame; give it one
	// write timeout before forcing the socket shut.
	wait := r.cfg.WriteTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	timer := time.NewTimer(wait)
	select {
	case <-writerDone:
	case <-timer.C:
	}
	timer.Stop()
	_ = r.conn.Close()

	duration := r.now().Sub(started)
	r.metrics.RecordLiveSessionEnd(end.outcome, duration)
	logAttrs := []any{"outcome", end.outcome, "close_code", end.code, "duration_ms", duration.Milliseconds()}
	if end.fatal {
		r.logger.Warn("live session ended", append(logAttrs, "err", err)...)
		return err
	}
	r.logger.Info("live session ended", logAttrs...)
	return nil
}

// serve acquires a credential, opens the backend link and runs both pumps.
func (r *Relay) serve(ctx context.Context) error {
	acquireCtx := ctx
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	acquireStart := r.now()
	cred, err := r.creds.Acquire(acquireCtx)
	r.metrics.RecordCredentialAcquire(r.now().Sub(acquireStart))
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return credpool.ErrCredentialsExhausted
		}
		return err
	}
	r.credential = cred

	link := r.newLink(cred.Key())
	defer func() { _ = link.Close() }()

	hs, err := link.Open(ctx, r.cfg.Model)
	if err != nil {
		r.reportIfQuota(err)
		return err
	}
	r.logger.Info("backend link open", "credential", cred.Suffix(), "model", hs.Model)

	model := hs.Model
	if model == "" {
		model = r.cfg.Model
	}
	if err := r.sendJSON(ctx, protocol.ServerReady{Type: "ready", SessionID: r.id, Model: model}); err != nil {
		r.logger.Debug("ready frame not queued", "err", err)
		return context.Cause(ctx)
	}

	readCh := make(chan inboundFrame, 64)
	go r.readLoop(ctx, readCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.clientPump(gctx, link, readCh) })
	g.Go(func() error { return r.backendPump(gctx, link) })
	if err := g.Wait(); err != nil {
		r.reportIfQuota(err)
		return err
	}
	return nil
}

func (r *Relay) reportIfQuota(err error) {
	if r.credential.IsZero() || !backend.IsQuotaError(err) {
		return
	}
	r.creds.ReportFailure(r.credential)
	r.metrics.RecordCredentialFailure(r.credential.Suffix())
}

func (r *Relay) readLoop(ctx context.Context, out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) clientPump(ctx context.Context, link Link, in <-chan inboundFrame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-in:
			if !ok {
				return errClientClosed
			}
			if frame.err != nil {
				if !websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					r.logger.Debug("client read ended", "err", frame.err)
				}
				return errClientClosed
			}

			var err error
			switch frame.messageType {
			case websocket.BinaryMessage:
				err = r.handleAudio(ctx, link, frame.data)
			case websocket.TextMessage:
				err = r.handleText(ctx, link, frame.data)
			}
			if err != nil {
				return err
			}
		}
	}
}

func (r *Relay) handleText(ctx context.Context, link Link, data []byte) error {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		message := err.Error()
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			message = de.Message
		}
		r.logger.Debug("undecodable client frame", "err", err)
		_ = r.sendJSON(ctx, protocol.ServerError{Error: message})
		return nil
	}

	switch m := msg.(type) {
	case protocol.ClientControl:
		switch m.Type {
		case protocol.TypeStart:
			r.logger.Debug("client speech start")
			r.record(audit.ActionSpeechStart, "", 0)
		case protocol.TypeStop:
			r.logger.Debug("client speech stop")
			r.endUtterance(r.now())
			r.record(audit.ActionSpeechStop, "", 0)
		}
		return nil
	case protocol.ClientAudio:
		return r.handleAudio(ctx, link, m.Data)
	case protocol.ClientText:
		if err := link.SendText(m.Text); err != nil {
			return err
		}
		r.utter.markInputEnded(r.now())
		r.record(audit.ActionChatInput, m.Text, 0)
		return nil
	}
	return nil
}

func (r *Relay) handleAudio(ctx context.Context, link Link, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if !r.limiter.Allow(len(pcm)) {
		r.metrics.RecordDroppedFrame("rate_limited")
		r.metrics.RecordRateLimitHit("inbound_audio")
		if !r.warnedInRate {
			r.warnedInRate = true
			_ = r.trySendJSON(protocol.ServerWarning{Type: "warning", Code: "rate_limited", Message: "inbound audio rate exceeded; frames dropped"})
		}
		return nil
	}
	if !r.turn.Admit() {
		r.metrics.RecordDroppedFrame("half_duplex")
		return nil
	}
	if err := link.SendAudio(pcm); err != nil {
		return err
	}
	r.utter.add(len(pcm), r.now())
	r.metrics.RecordLiveAudio("input", len(pcm))
	return nil
}

func (r *Relay) backendPump(ctx context.Context, link Link) error {
	for {
		sawTurnComplete := false
		for ev, err := range link.Events(ctx) {
			if err != nil {
				return err
			}
			if err := r.handleEvent(ctx, ev); err != nil {
				return nil
			}
			if ev.Kind == backend.EventTurnComplete {
				sawTurnComplete = true
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if !sawTurnComplete {
			return &backend.LinkError{Op: "read", Err: backend.ErrClosed}
		}
	}
}

// handleEvent forwards one backend event. A returned error means the session
// context ended while sending.
func (r *Relay) handleEvent(ctx context.Context, ev backend.Event) error {
	r.metrics.RecordBackendEvent(ev.Kind.String())
	if state, changed := r.turn.Observe(ev.Kind); changed && state == BackendSpeaking {
		r.endUtterance(r.utter.lastFrameAt())
	}

	if ev.Kind != backend.EventTurnComplete {
		r.interruptedTurn = false
	}

	switch ev.Kind {
	case backend.EventText:
		r.turnText.WriteString(ev.Text)
		return r.sendJSON(ctx, protocol.TextResponse(ev.Text))
	case backend.EventAudio:
		r.turnAudio += len(ev.Audio)
		if chunk := r.assembler.Push(ev.Audio); chunk != nil {
			return r.sendAudio(ctx, chunk)
		}
		return nil
	case backend.EventTurnComplete:
		// A bare completion right after an interrupted one closes the same turn.
		if r.interruptedTurn && !ev.Interrupted && r.turnText.Len() == 0 && r.turnAudio == 0 {
			r.interruptedTurn = false
			return nil
		}
		r.interruptedTurn = ev.Interrupted
		if rest := r.assembler.Flush(); rest != nil {
			if err := r.sendAudio(ctx, rest); err != nil {
				return err
			}
		}
		r.completeTurn(ev.Interrupted)
		return r.sendJSON(ctx, protocol.ServerTurnComplete{Type: "turn_complete", Interrupted: ev.Interrupted})
	}
	return nil
}

func (r *Relay) sendAudio(ctx context.Context, chunk []byte) error {
	r.metrics.RecordLiveAudio("output", len(chunk))
	return r.sendJSON(ctx, protocol.AudioResponse(chunk))
}

func (r *Relay) completeTurn(interrupted bool) {
	var processing time.Duration
	if endedAt, ok := r.utter.takeInputEnded(); ok {
		processing = r.now().Sub(endedAt)
		r.metrics.RecordTurnLatency(processing)
	}

	content := r.turnText.String()
	if content == "" && r.turnAudio > 0 {
		content = fmt.Sprintf("[audio %d bytes]", r.turnAudio)
	}
	if interrupted {
		content = "[interrupted] " + content
	}
	r.record(audit.ActionResponse, content, processing)
	r.turnText.Reset()
	r.turnAudio = 0
}

func (r *Relay) endUtterance(at time.Time) {
	frames, bytes, ok := r.utter.end(at)
	if !ok {
		return
	}
	r.record(audit.ActionSpeechInput, fmt.Sprintf("%d frames, %d bytes", frames, bytes), 0)
}

func (r *Relay) record(action audit.Action, content string, processing time.Duration) {
	if r.auditor == nil {
		return
	}
	rec := audit.Record{
		Time:           r.now(),
		SessionID:      r.id,
		Identity:       r.identity,
		Action:         action,
		Content:        content,
		ProcessingTime: processing,
	}
	if action == audit.ActionResponse && !r.credential.IsZero() {
		rec.Credential = r.credential.Suffix()
	}
	r.auditor.Record(rec)
}

// sendJSON queues a reply on the normal lane, waiting for room so replies are
// never dropped or reordered.
func (r *Relay) sendJSON(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case r.outboundNormal <- outboundFrame{textPayload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySendJSON queues an out-of-band frame without blocking.
func (r *Relay) trySendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case r.outboundNormal <- outboundFrame{textPayload: payload}:
		return nil
	default:
		return errBackpressure
	}
}

func (r *Relay) enqueuePriority(frame outboundFrame) {
	select {
	case r.outboundPriority <- frame:
	default:
		r.logger.Debug("priority queue full; dropping final frame")
	}
}

type sessionEnd struct {
	outcome string
	message string
	code    int
	reason  string
	fatal   bool
}

func (e sessionEnd) frame() outboundFrame {
	f := outboundFrame{close: &closeFrame{code: e.code, reason: e.reason}}
	if e.message != "" {
		f.textPayload, _ = json.Marshal(protocol.ServerError{Error: e.message})
	}
	return f
}

// classify maps how the session ended to its outcome label, client error
// message and close code.
func (r *Relay) classify(ctx context.Context, err error) sessionEnd {
	var (
		hsErr   *backend.HandshakeError
		linkErr *backend.LinkError
	)
	switch {
	case errors.As(err, &hsErr):
		return sessionEnd{outcome: "backend_handshake", message: "backend handshake failed", code: websocket.CloseInternalServerErr, reason: "backend handshake failed", fatal: true}
	case errors.As(err, &linkErr):
		return sessionEnd{outcome: "backend_link", message: "backend connection lost", code: websocket.CloseInternalServerErr, reason: "backend failure", fatal: true}
	case errors.Is(err, credpool.ErrCredentialsExhausted), errors.Is(err, credpool.ErrNoCredentials):
		return sessionEnd{outcome: "credentials_exhausted", message: "no backend capacity available, try again later", code: websocket.CloseTryAgainLater, reason: "credentials exhausted", fatal: true}
	case errors.Is(err, errClientClosed):
		return sessionEnd{outcome: "client_closed", code: websocket.CloseNormalClosure}
	}

	if r.draining() {
		return sessionEnd{outcome: "draining", code: websocket.CloseGoingAway, reason: "server shutting down"}
	}
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrSessionExpired):
		return sessionEnd{outcome: "expired", code: websocket.CloseNormalClosure, reason: "max session duration reached"}
	case errors.Is(cause, ErrTerminated):
		return sessionEnd{outcome: "terminated", code: websocket.CloseNormalClosure, reason: "session terminated"}
	case errors.Is(cause, errClientClosed):
		return sessionEnd{outcome: "client_closed", code: websocket.CloseNormalClosure}
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return sessionEnd{outcome: "error", message: "internal error", code: websocket.CloseInternalServerErr, reason: "internal error", fatal: true}
	}
	return sessionEnd{outcome: "normal", code: websocket.CloseNormalClosure}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// utterance tracks the user's current spoken input. The client pump adds
// frames; either pump may end it.
type utterance struct {
	mu           sync.Mutex
	active       bool
	frames       int
	bytes        int
	lastAt       time.Time
	inputEndedAt time.Time
}

func (u *utterance) add(n int, at time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.active {
		u.active = true
		u.frames = 0
		u.bytes = 0
	}
	u.frames++
	u.bytes += n
	u.lastAt = at
}

func (u *utterance) end(at time.Time) (frames, bytes int, ok bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.active {
		return 0, 0, false
	}
	u.active = false
	if at.IsZero() {
		at = u.lastAt
	}
	u.inputEndedAt = at
	return u.frames, u.bytes, true
}

func (u *utterance) lastFrameAt() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastAt
}

func (u *utterance) markInputEnded(at time.Time) {
	u.mu.Lock()
	u.inputEndedAt = at
	u.mu.Unlock()
}

func (u *utterance) takeInputEnded() (time.Time, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.inputEndedAt.IsZero() {
		return time.Time{}, false
	}
	at := u.inputEndedAt
	u.inputEndedAt = time.Time{}
	return at, true
}
