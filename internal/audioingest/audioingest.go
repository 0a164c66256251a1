// Package audioingest implements the audio-ingest boundary of spec §6:
// a bidirectional /audio/stream endpoint that accepts binary audio
// frames from a client and forwards them back as TranscriptAudioChunk
// frames. Concrete codec decoding is out of scope (spec §1 Non-goals);
// this package owns the protocol, chunking, sequencing and rate limit,
// grounded on the teacher's internal/websocket.DAGStreamer upgrade and
// read-loop shape.
package audioingest

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Codec names a client-declared audio encoding on the start control
// frame (spec §6 "WebM/Opus or PCM s16le").
type Codec string

const (
	CodecWebMOpus Codec = "webm_opus"
	CodecPCMS16LE Codec = "pcm_s16le"
)

// AudioDecoder turns one raw binary frame into decoded PCM samples.
// Concrete codec handling is stubbed: the boundary contract (framing,
// sequencing, the every-10th-chunk log) is implemented regardless of
// what a real decoder would do with the bytes.
type AudioDecoder interface {
	Decode(codec Codec, frame []byte) (pcm []byte, durationMs int64, err error)
}

// PassthroughDecoder treats every frame as already-decoded PCM, useful
// for tests and for codecs the worker does not transcode itself.
type PassthroughDecoder struct{}

func (PassthroughDecoder) Decode(codec Codec, frame []byte) ([]byte, int64, error) {
	return frame, 0, nil
}

// startFrame is the client's control frame #2 (spec §6 step 2).
type startFrame struct {
	Type           string `json:"type"`
	Client         string `json:"client"`
	Codec          Codec  `json:"codec"`
	EventID        string `json:"event_id"`
	SampleRate     int    `json:"sample_rate,omitempty"`
	BytesPerSample int    `json:"bytes_per_sample,omitempty"`
	Speaker        string `json:"speaker,omitempty"`
}

// stopFrame is the client's control frame #4 (spec §6 step 4).
type stopFrame struct {
	Type string `json:"type"`
}

type controlAck struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// transcriptAudioChunk is the server's outbound binary-frame response
// (spec §6 step 3).
type transcriptAudioChunk struct {
	AudioBase64    string `json:"audio_base64"`
	Seq            uint64 `json:"seq"`
	IsFinal        bool   `json:"is_final"`
	SampleRate     int    `json:"sample_rate"`
	BytesPerSample int    `json:"bytes_per_sample"`
	Encoding       Codec  `json:"encoding"`
	DurationMs     int64  `json:"duration_ms"`
	Speaker        string `json:"speaker,omitempty"`
}

// Handler upgrades HTTP connections to the /audio/stream protocol.
type Handler struct {
	upgrader        websocket.Upgrader
	decoder         AudioDecoder
	maxFramesPerSec int
	maxFrameBytes   int
	writeDeadline   time.Duration
	logEveryN       int
}

// Config carries the subset of config.AudioConfig the handler needs,
// kept local to avoid an import of internal/config from this package.
type Config struct {
	MaxFramesPerSec int
	MaxFrameBytes   int
	WriteDeadlineMs int
	LogEveryNChunks int
}

// NewHandler builds a Handler. decoder may be nil, in which case
// PassthroughDecoder is used.
func NewHandler(decoder AudioDecoder, cfg Config) *Handler {
	if decoder == nil {
		decoder = PassthroughDecoder{}
	}
	if cfg.MaxFramesPerSec <= 0 {
		cfg.MaxFramesPerSec = 50
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 64 * 1024
	}
	if cfg.WriteDeadlineMs <= 0 {
		cfg.WriteDeadlineMs = 5_000
	}
	if cfg.LogEveryNChunks <= 0 {
		cfg.LogEveryNChunks = 10
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		decoder:         decoder,
		maxFramesPerSec: cfg.MaxFramesPerSec,
		maxFrameBytes:   cfg.MaxFrameBytes,
		writeDeadline:   time.Duration(cfg.WriteDeadlineMs) * time.Millisecond,
		logEveryN:       cfg.LogEveryNChunks,
	}
}

// ServeHTTP runs the four-step protocol of spec §6 for one connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("audioingest: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	if err := h.writeJSON(conn, controlAck{OK: true, Message: "Connected to audio stream"}); err != nil {
		return
	}

	session, err := h.awaitStart(conn)
	if err != nil {
		return
	}
	log := slog.With("event_id", session.EventID, "codec", session.Codec, "client", session.Client)
	log.Info("audioingest: session started")

	limiter := rate.NewLimiter(rate.Limit(h.maxFramesPerSec), h.maxFramesPerSec)
	var seq uint64

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Info("audioingest: client disconnected", "err", err)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			var stop stopFrame
			if err := json.Unmarshal(data, &stop); err != nil || stop.Type != "stop" {
				h.writeJSON(conn, controlAck{OK: false, Error: "unknown message type"})
				continue
			}
			seq++
			h.emitChunk(conn, session, nil, 0, seq, true, log)
			log.Info("audioingest: session stopped", "chunks", seq)
			return

		case websocket.BinaryMessage:
			if len(data) > h.maxFrameBytes {
				h.writeJSON(conn, controlAck{OK: false, Error: "frame too large"})
				continue
			}
			if !limiter.Allow() {
				h.writeJSON(conn, controlAck{OK: false, Error: "frame rate exceeded"})
				continue
			}
			pcm, durationMs, err := h.decoder.Decode(session.Codec, data)
			if err != nil {
				log.Warn("audioingest: decode failed", "err", err)
				h.writeJSON(conn, controlAck{OK: false, Error: "decode failed"})
				continue
			}
			seq++
			if seq%uint64(h.logEveryN) == 0 {
				log.Info("audioingest: chunk forwarded", "seq", seq, "bytes", len(pcm))
			}
			h.emitChunk(conn, session, pcm, durationMs, seq, false, log)

		default:
			h.writeJSON(conn, controlAck{OK: false, Error: "unknown message type"})
		}
	}
}

func (h *Handler) awaitStart(conn *websocket.Conn) (startFrame, error) {
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return startFrame{}, err
	}
	if msgType != websocket.TextMessage {
		h.writeJSON(conn, controlAck{OK: false, Error: "expected start control frame"})
		return startFrame{}, websocket.ErrBadHandshake
	}

	var start startFrame
	if err := json.Unmarshal(data, &start); err != nil || start.Type != "start" || start.EventID == "" {
		h.writeJSON(conn, controlAck{OK: false, Error: "invalid start frame"})
		return startFrame{}, err
	}
	if start.SampleRate == 0 {
		start.SampleRate = 16000
	}
	if start.BytesPerSample == 0 {
		start.BytesPerSample = 2
	}
	if err := h.writeJSON(conn, controlAck{OK: true, Message: "Session started"}); err != nil {
		return startFrame{}, err
	}
	return start, nil
}

func (h *Handler) emitChunk(conn *websocket.Conn, session startFrame, pcm []byte, durationMs int64, seq uint64, final bool, log *slog.Logger) {
	chunk := transcriptAudioChunk{
		AudioBase64:    base64.StdEncoding.EncodeToString(pcm),
		Seq:            seq,
		IsFinal:        final,
		SampleRate:     session.SampleRate,
		BytesPerSample: session.BytesPerSample,
		Encoding:       session.Codec,
		DurationMs:     durationMs,
		Speaker:        session.Speaker,
	}
	if err := h.writeJSON(conn, chunk); err != nil {
		log.Warn("audioingest: write failed", "err", err)
	}
}

func (h *Handler) writeJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(h.writeDeadline))
	return conn.WriteJSON(v)
}
