package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"guardian-node/internal/custody"
	"guardian-node/internal/logger"
)

// Contributions receives guardian contributions arriving over the wire.
type Contributions interface {
	SubmitNonceCommitment(ctx context.Context, sessionID, participant, commitment string) (*custody.SigningSession, error)
	SubmitPartialSignature(ctx context.Context, sessionID, participant, partial string) (*custody.SigningSession, error)
	DeclineSession(ctx context.Context, sessionID, participant string) (*custody.SigningSession, error)
	ProvideShare(ctx context.Context, requestID, guardianID string, shareIndices []int) (*custody.ReconstructionRequest, error)
}

// Inbox receives frames addressed to guardians and relays: notifications and artifacts.
type Inbox interface {
	Receive(ctx context.Context, msg *WireMessage) *Reply
}

// Server accepts guardian frames over TCP. Either collaborator may be nil, in which case
// the frames it would handle are refused.
type Server struct {
	contributions  Contributions
	inbox          Inbox
	requestTimeout time.Duration
}

// NewServer creates a new TCP server instance.
func NewServer(contributions Contributions, inbox Inbox) *Server {
	return &Server{
		contributions:  contributions,
		inbox:          inbox,
		requestTimeout: 30 * time.Second,
	}
}

// Start listens on listenAddr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}
	logger.Log.Infof("TCP server listening on %s", ln.Addr())
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Log.Errorf("TCP accept error: %v", err)
			continue
		}
		go s.handleTCPConnection(ctx, conn)
	}
}

func (s *Server) handleTCPConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.requestTimeout))

	var msg WireMessage
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		logger.Log.Errorf("Failed to decode wire message from %s: %v", conn.RemoteAddr(), err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	reply := s.dispatch(reqCtx, &msg)

	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		logger.Log.Errorf("Failed to send reply to %s: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) dispatch(ctx context.Context, msg *WireMessage) *Reply {
	log := logger.Log.WithFields(logrus.Fields{
		"type":    msg.MessageType,
		"from":    msg.From,
		"subject": msg.SubjectID,
	})
	log.Debug("Handling wire message")

	switch msg.MessageType {
	case NonceCommitment, PartialSignature, DeclineSigning, ShareResponse:
		if s.contributions == nil {
			return &Reply{Kind: "InvalidState", Error: "this node does not accept contributions"}
		}
		reply, err := s.handleContribution(ctx, msg)
		if err != nil {
			log.Warnf("Contribution rejected: %v", err)
			return errorReply(err)
		}
		return reply

	case DirectNotification, PublishArtifact:
		if s.inbox == nil {
			return &Reply{Kind: "InvalidState", Error: "this node has no inbox"}
		}
		return s.inbox.Receive(ctx, msg)
	}
	log.Errorf("Unknown message type received: %s", msg.MessageType)
	return &Reply{Kind: "InvalidConfiguration", Error: fmt.Sprintf("unknown message type %q", msg.MessageType)}
}

func (s *Server) handleContribution(ctx context.Context, msg *WireMessage) (*Reply, error) {
	if msg.From == "" || msg.SubjectID == "" {
		return nil, fmt.Errorf("%w: frame needs a sender and a subject", custody.ErrInvalidConfiguration)
	}
	switch msg.MessageType {
	case NonceCommitment:
		var p NonceCommitmentPayload
		if err := msg.Decode(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", custody.ErrMalformedShare, err)
		}
		sess, err := s.contributions.SubmitNonceCommitment(ctx, msg.SubjectID, msg.From, p.Commitment)
		if err != nil {
			return nil, err
		}
		return &Reply{OK: true, Status: string(sess.Status)}, nil

	case PartialSignature:
		var p PartialSignaturePayload
		if err := msg.Decode(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", custody.ErrMalformedShare, err)
		}
		sess, err := s.contributions.SubmitPartialSignature(ctx, msg.SubjectID, msg.From, p.Signature)
		if err != nil {
			return nil, err
		}
		return &Reply{OK: true, Status: string(sess.Status), ArtifactID: sess.ArtifactID}, nil

	case DeclineSigning:
		sess, err := s.contributions.DeclineSession(ctx, msg.SubjectID, msg.From)
		if err != nil {
			return nil, err
		}
		return &Reply{OK: true, Status: string(sess.Status)}, nil

	default:
		var p ShareResponsePayload
		if err := msg.Decode(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", custody.ErrMalformedShare, err)
		}
		req, err := s.contributions.ProvideShare(ctx, msg.SubjectID, msg.From, p.ShareIndices)
		if err != nil {
			return nil, err
		}
		return &Reply{OK: true, Status: string(req.Status)}, nil
	}
}

func errorReply(err error) *Reply {
	return &Reply{Kind: custody.KindOf(err), Error: err.Error()}
}
