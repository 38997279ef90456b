package monitor

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// handleKeyboard upgrades to a websocket and feeds every whitespace
// separated word of each text message to the key input. Each message is
// acknowledged with "ok" or "ignored".
func (ws *WebServer) handleKeyboard(w http.ResponseWriter, r *http.Request) {
	if ws.keys == nil {
		ws.writeJSONError(w, http.StatusNotFound, "keyboard input disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("keyboard websocket upgrade failed: %v", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("warning: failed to close websocket: %v", err)
		}
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("keyboard websocket read: %v", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		keys := strings.Fields(string(msg))
		if string(msg) == " " {
			keys = []string{" "}
		}
		handled := false
		for _, key := range keys {
			if ws.keys.HandleKey(key) {
				handled = true
			}
		}
		reply := "ignored"
		if handled {
			reply = "ok"
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
			return
		}
	}
}
