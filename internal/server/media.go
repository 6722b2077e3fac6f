package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/caredial/caredial/internal/bridge"
	"github.com/caredial/caredial/pkg/telephony"
)

// maxMediaMessage bounds one inbound websocket message. Providers chunk audio
// well below this; anything larger is a protocol violation.
const maxMediaMessage = 1 << 20

// wsSink writes paced outbound frames to the media websocket in the
// configured encoding.
type wsSink struct {
	conn   *websocket.Conn
	format telephony.OutboundFormat
}

func (s *wsSink) WriteFrame(ctx context.Context, pcm []byte) error {
	payload, text, err := telephony.EncodeOutbound(s.format, pcm)
	if err != nil {
		return err
	}
	msgType := websocket.MessageBinary
	if text {
		msgType = websocket.MessageText
	}
	return s.conn.Write(ctx, msgType, payload)
}

// handleMedia accepts the provider's media websocket, acks it, attaches a
// bridge session, and pumps inbound messages until the socket closes.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	// The provider must hear its offered subprotocol echoed back or it drops
	// the connection.
	var subprotocols []string
	if offered := r.Header.Get("Sec-WebSocket-Protocol"); offered != "" {
		for _, p := range strings.Split(offered, ",") {
			subprotocols = append(subprotocols, strings.TrimSpace(p))
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       subprotocols,
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("media websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxMediaMessage)

	ctx := r.Context()

	// Ack before anything else: the provider holds audio until it arrives.
	if err := conn.Write(ctx, websocket.MessageText, telephony.Ack()); err != nil {
		conn.Close(websocket.StatusInternalError, "ack failed")
		return
	}

	sess, err := s.manager.Attach(ctx, token, &wsSink{conn: conn, format: s.format})
	if err != nil {
		s.log.Warn("media attach rejected", "err", err)
		conn.Close(websocket.StatusPolicyViolation, "unknown media token")
		return
	}

	s.readLoop(ctx, conn, sess)
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// readLoop decodes inbound media messages into fixed-size frames and feeds
// them to the session. It returns when the socket or the session dies.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *bridge.Session) {
	split := bridge.NewSplitter(s.frameBytes())

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			sess.Drain("media transport closed")
			return
		}

		var in telephony.Inbound
		if msgType == websocket.MessageBinary {
			in = telephony.DecodeBinary(data)
		} else {
			in = telephony.DecodeText(data)
		}
		switch in.Kind {
		case telephony.KindMetadata:
			// Control events carry no audio but still count as traffic for
			// the idle timer.
			sess.Touch()
			continue
		case telephony.KindAudio:
		default:
			continue
		}

		for _, frame := range split.Split(in.PCM) {
			if err := sess.HandleInbound(frame); err != nil {
				if errors.Is(err, bridge.ErrSessionClosed) {
					return
				}
				// Malformed frames are counted by the session; keep reading.
			}
		}
	}
}

func (s *Server) frameBytes() int {
	if s.cfg.Media.FrameBytes > 0 {
		return s.cfg.Media.FrameBytes
	}
	return bridge.DefaultFrameBytes
}
