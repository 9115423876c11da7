package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"

	"foreman/pkg/protocol"
	"foreman/pkg/taskstore"
)

// ServerStore is the store surface the observer server needs beyond the
// runtime's: resolving a followup's working directory requires the task
// and its project.
type ServerStore interface {
	TaskStore
	GetProject(ctx context.Context, id string) (*taskstore.Project, error)
}

// Server exposes sessions to observers over a Unix domain socket. Each
// connection speaks line-delimited JSON: the client attaches to a task,
// receives a replay frame followed by live block frames, and may send
// followup and stop frames back.
type Server struct {
	runtime *Runtime
	store   ServerStore
	path    string
	log     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates an observer server bound to the given socket path.
func NewServer(runtime *Runtime, store ServerStore, socketPath string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{runtime: runtime, store: store, path: socketPath, log: log}
}

// Run binds the socket and serves until ctx is canceled. A stale socket
// file from a previous run is removed before binding.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}

	ln, err := net.Listen("unix", s.path) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		_ = os.Remove(s.path)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads line-delimited JSON frames from an observer connection.
// One connection observes at most one task; the attach detaches when the
// connection drops.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	enc := &connEncoder{enc: json.NewEncoder(conn)}
	scanner := bufio.NewScanner(conn)
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	var detach func()
	defer func() {
		_ = conn.Close()
		if detach != nil {
			detach()
		}
	}()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var msg protocol.ClientMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			enc.sendError("", "malformed message")
			continue
		}

		switch msg.Type {
		case protocol.MsgAttach:
			if detach != nil {
				detach()
			}
			obs := &connObserver{taskID: msg.TaskID, enc: enc}
			d, err := s.runtime.Attach(ctx, msg.TaskID, obs)
			if err != nil {
				enc.sendError(msg.TaskID, err.Error())
				continue
			}
			detach = d

		case protocol.MsgFollowup:
			if err := s.followup(ctx, msg); err != nil {
				enc.sendError(msg.TaskID, err.Error())
			}

		case protocol.MsgStop:
			if err := s.runtime.Stop(msg.TaskID); err != nil {
				enc.sendError(msg.TaskID, err.Error())
			}

		default:
			enc.sendError(msg.TaskID, fmt.Sprintf("unknown message type %q", msg.Type))
		}
	}
}

// followup resolves the working directory for a continuation (the task's
// worktree when one exists, the project root otherwise) and dispatches it.
func (s *Server) followup(ctx context.Context, msg protocol.ClientMessage) error {
	task, err := s.store.GetTask(ctx, msg.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	dir := task.WorktreePath
	if dir == "" {
		project, err := s.store.GetProject(ctx, task.ProjectID)
		if err != nil {
			return fmt.Errorf("load project: %w", err)
		}
		dir = project.Path
	}

	_, err = s.runtime.Continue(ctx, ContinueOpts{
		TaskID:      msg.TaskID,
		ProjectID:   task.ProjectID,
		Text:        msg.Text,
		Dir:         dir,
		Attachments: msg.Attachments,
	})
	return err
}

// connEncoder serializes writes to one connection; replay and live block
// frames may come from different goroutines.
type connEncoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (c *connEncoder) send(msg protocol.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.enc.Encode(msg)
}

func (c *connEncoder) sendError(taskID, text string) {
	c.send(protocol.ServerMessage{Type: protocol.MsgError, TaskID: taskID, Error: text})
}

// connObserver forwards a session's block log to one connection.
type connObserver struct {
	taskID string
	enc    *connEncoder
}

func (o *connObserver) OnReplay(blocks []protocol.Block) {
	if blocks == nil {
		blocks = []protocol.Block{}
	}
	o.enc.send(protocol.ServerMessage{Type: protocol.MsgReplay, TaskID: o.taskID, Blocks: blocks})
}

func (o *connObserver) OnBlock(block protocol.Block) {
	b := block
	o.enc.send(protocol.ServerMessage{Type: protocol.MsgBlock, TaskID: o.taskID, Block: &b})
}
