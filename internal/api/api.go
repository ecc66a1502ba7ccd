// Package api holds the JSON bodies exchanged between the front ends and the
// API service.
package api

import (
	"encoding/json"

	"ChatPortal/internal/session"
)

// Endpoint paths
const (
	PathLogin      = "/api/auth/login"
	PathRAGQuery   = "/api/rag/query"
	PathRAGModels  = "/api/rag/models"
	PathChat       = "/api/chat/message"
	PathChatModels = "/api/chat/models"
	PathChatSocket = "/api/chat/ws"

	// PathMockAuth is the stand-in remote auth service the login flow probes
	PathMockAuth = "/mock/auth"
)

// LoginRequest carries user credentials
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is returned by a successful login
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Username    string `json:"username"`
}

// RAGRequest asks a question against the document corpus
type RAGRequest struct {
	Query string `json:"query"`
	Model string `json:"model,omitempty"`
}

// RAGResponse carries the answer and the documents it was grounded on
type RAGResponse struct {
	Query            string   `json:"query"`
	Answer           string   `json:"answer"`
	ContextDocuments []string `json:"context_documents"`
	Model            string   `json:"model"`
}

// ChatRequest sends a message with the prior transcript
type ChatRequest struct {
	Message string            `json:"message"`
	History []session.Message `json:"history"`
	Model   string            `json:"model,omitempty"`
}

// ChatResponse returns the reply and the updated transcript
type ChatResponse struct {
	Message string            `json:"message"`
	Model   string            `json:"model"`
	History []session.Message `json:"history"`
}

// ModelsResponse lists the models an endpoint accepts
type ModelsResponse struct {
	Models  []string `json:"models"`
	Default string   `json:"default"`
}

// SocketError is sent on the chat socket in place of a ChatResponse when a
// message fails. Status carries the HTTP status the same failure gets on PathChat.
type SocketError struct {
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Detail json.RawMessage `json:"detail,omitempty"`
}

// NewError builds an ErrorResponse with a string detail
func NewError(detail string) ErrorResponse {
	raw, _ := json.Marshal(detail)
	return ErrorResponse{Detail: raw}
}

// DetailText returns the detail as display text. String details are
// unquoted; structured details (validation errors) are returned as compact JSON.
func (e ErrorResponse) DetailText() string {
	if len(e.Detail) == 0 || string(e.Detail) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Detail, &s); err == nil {
		return s
	}
	return string(e.Detail)
}
