package relay

// Wire types for the relay RPC. Three actions are multiplexed on one
// endpoint; all bodies are JSON, binary fields base64 via encoding/json.

const (
	actionSend        = "send"
	actionFetch       = "fetch"
	actionAcknowledge = "acknowledge"
)

type rpcRequest struct {
	Action             string `json:"action"`
	SenderPublicKey    string `json:"senderPublicKey,omitempty"`
	RecipientPublicKey string `json:"recipientPublicKey,omitempty"`
	EncryptedContent   []byte `json:"encryptedContent,omitempty"`
	IV                 []byte `json:"iv,omitempty"`
	Signature          []byte `json:"signature,omitempty"`
	MessageID          string `json:"messageId,omitempty"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

type fetchResponse struct {
	Messages []Envelope `json:"messages"`
}

type ackResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}
