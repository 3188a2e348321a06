package mcpapi

import (
	"bufio"
	"context"
	"io"
)

// ServeStdio runs the default MCP transport: newline-delimited JSON-RPC
// messages read from r, responses written to w — one line in, at most one
// line out, matching mcp.server.stdio.stdio_server's framing.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	writer := bufio.NewWriter(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.HandleMessage(ctx, append([]byte(nil), line...))
		if resp == nil {
			continue
		}
		if _, err := writer.Write(resp); err != nil {
			return err
		}
		if err := writer.WriteByte('\n'); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}
