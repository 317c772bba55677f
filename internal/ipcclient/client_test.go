package ipcclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"telereach/internal/protocol"
)

func TestSendRequestSocketNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := SendRequest(context.Background(), filepath.Join(dir, "nope.sock"), protocol.IpcRequest{RequestID: "r1"}, time.Second)
	if !errors.Is(err, ErrSocketNotFound) {
		t.Fatalf("expected ErrSocketNotFound, got %v", err)
	}
}

func TestSendRequestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req protocol.IpcRequest
		json.Unmarshal(line, &req)

		resp := protocol.AllowResponse(req.RequestID)
		data, _ := json.Marshal(resp)
		data = append(data, '\n')
		conn.Write(data)
	}()

	req := protocol.IpcRequest{RequestID: "r1", ToolName: "Bash"}
	resp, err := SendRequest(context.Background(), sockPath, req, 2*time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.RequestID != "r1" || resp.Decision != protocol.DecisionAllow {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSendRequestTimesOutWhenServerNeverResponds(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "stall.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Accept but never respond; hold the connection open.
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	req := protocol.IpcRequest{RequestID: "r1"}
	_, err = SendRequest(context.Background(), sockPath, req, 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestSendRequestRejectsUnterminatedLine(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "garbled.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		reader.ReadBytes('\n')
		// Write a response with no trailing newline and close.
		conn.Write([]byte(`{"request_id":"r1","decision":"Allow"}`))
	}()

	req := protocol.IpcRequest{RequestID: "r1"}
	_, err = SendRequest(context.Background(), sockPath, req, time.Second)
	if err == nil {
		t.Fatal("expected an error for a line missing its trailing newline")
	}
}
