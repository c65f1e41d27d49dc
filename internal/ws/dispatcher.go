package ws

import (
	"log"
	"time"

	"github.com/burrow/social-app/internal/protocol"
)

// PacketHandler is the callback signature for handling a parsed client
// packet. The pkt parameter is the concrete struct returned by
// protocol.ParseClientPacket (e.g., protocol.AuthenticatePkt,
// protocol.PostHomePkt, etc.).
type PacketHandler func(conn *Connection, pkt interface{})

// PacketDispatcher routes incoming WebSocket packets to registered handlers
// based on the command. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or
// unsupported packets.
type PacketDispatcher struct {
	handlers map[string]PacketHandler
	server   *Server
}

// NewPacketDispatcher creates a PacketDispatcher bound to the given server.
// The server reference is used to send responses back to clients.
func NewPacketDispatcher(server *Server) *PacketDispatcher {
	return &PacketDispatcher{
		handlers: make(map[string]PacketHandler),
		server:   server,
	}
}

// SetServer assigns the Server reference on the dispatcher. This supports the
// initialization pattern where the dispatcher is created before the server
// (since NewServer requires the Dispatch callback).
func (d *PacketDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a PacketHandler with a command. If a handler was
// already registered for the given command, it is silently replaced.
func (d *PacketDispatcher) Register(cmd string, handler PacketHandler) {
	d.handlers[cmd] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed packet, handles ping internally, and routes all other commands
// to the registered handler. Parse errors and unregistered commands result in
// an error packet sent back to the client.
func (d *PacketDispatcher) Dispatch(conn *Connection, data []byte) {
	cmd, pkt, err := protocol.ParseClientPacket(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid packet format")
		return
	}

	// Built-in ping handler, no registration required.
	if cmd == protocol.CmdPing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[cmd]
	if !ok {
		log.Printf("ws: unsupported command=%q conn=%s", cmd, conn.ID)
		d.sendError(conn, "unsupported_command", "unsupported command")
		return
	}

	handler(conn, pkt)
}

// sendError sends a structured error packet back to the client. Errors during
// packet construction or transmission are logged but not propagated.
func (d *PacketDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerPacket(protocol.CmdError, protocol.ErrorPkt{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error packet conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error packet conn=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong packet and updates the
// connection's LastPing timestamp to reflect the most recent keepalive.
func (d *PacketDispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()

	data, err := protocol.NewServerPacket(protocol.CmdPong, protocol.PongPkt{})
	if err != nil {
		log.Printf("ws: failed to build pong packet conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong packet conn=%s: %v", conn.ID, err)
	}
}
