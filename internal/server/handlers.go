// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// WebSocketHandler handles WebSocket upgrade requests. It validates that the
// request uses the GET method, reads the optional peer identity, upgrades the
// connection, and hands it to the hub with a fresh chat session attached.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	peer, err := s.identity.peer(r)
	if err != nil {
		s.log.Debug("ignoring identity token", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	s.accept(conn, r.RemoteAddr, peer)
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Carpool chat server is running!")
}

// TestPageHandler serves an HTML page that joins a carpool room and sends
// chat messages over the WebSocket endpoint.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPageHTML)
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Carpool Chat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Carpool Chat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="roomInput" placeholder="Carpool id">
        <input type="text" id="nameInput" placeholder="Your name">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
        <button id="joinButton" onclick="joinRoom()" disabled>Join</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const roomInput = document.getElementById('roomInput');
        const nameInput = document.getElementById('nameInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const joinButton = document.getElementById('joinButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            joinButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = function() {
                addMessage('Connected to carpool chat server');
                updateStatus(true);
            };
            ws.onmessage = function(event) {
                const msg = JSON.parse(event.data);
                addMessage(msg.name + ': ' + msg.message, 'green');
            };
            ws.onclose = function() {
                addMessage('Connection closed');
                updateStatus(false);
                ws = null;
            };
            ws.onerror = function() {
                addMessage('Connection error');
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function joinRoom() {
            const room = roomInput.value.trim();
            if (room && ws) {
                ws.send(JSON.stringify({ type: 'join', carpoolId: room }));
                addMessage('Joined ' + room);
            }
        }

        function sendMessage() {
            const message = messageInput.value.trim();
            if (message && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({
                    type: 'chat',
                    carpoolId: roomInput.value.trim(),
                    name: nameInput.value.trim(),
                    message: message
                }));
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
