package dispatcher

import "encoding/json"

// Envelope is one WebSocket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound event names.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Outbound event names. "message" is also the inbound chat event.
const (
	EventStatus  = "status"
	EventError   = "error"
	EventMessage = "message"
)

// SenderBot tags replies produced by the model.
const SenderBot = "bot"

// StatusPayload is sent once a connection's conversation is ready.
type StatusPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// ErrorPayload is sent on every failure path.
type ErrorPayload struct {
	Error string `json:"error"`
}

// MessagePayload carries a sanitised model reply.
type MessagePayload struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// IncomingMessage is the payload of an inbound "message" event.
type IncomingMessage struct {
	Text string `json:"text"`
}

// Client-facing texts.
const (
	msgConnected      = "Conectado com sucesso!"
	msgInitFailed     = "Falha ao inicializar a sessão de chat no servidor."
	msgEmptyMessage   = "Mensagem não pode ser vazia."
	msgKeyRotated     = "Chave trocada automaticamente, tente novamente."
	msgQuotaExhausted = "Limite de uso atingido e não há outra chave disponível. Tente novamente mais tarde."
	msgServerError    = "Ocorreu um erro no servidor: %s"
)
