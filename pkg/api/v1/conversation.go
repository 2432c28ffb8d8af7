package v1

import "time"

// MessageKind identifies the payload type of an inbound message
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindAudio MessageKind = "audio"
	MessageKindImage MessageKind = "image"
)

// NeedsPreparation reports whether the kind requires an async side-job
// (transcription or media preparation) before the content is usable.
func (k MessageKind) NeedsPreparation() bool {
	return k == MessageKindAudio || k == MessageKindImage
}

// MessageDirection distinguishes user messages from bot replies
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageStatus tracks the delivery state of an outbound message
type MessageStatus string

const (
	MessageStatusPending MessageStatus = "PENDING"
	MessageStatusSent    MessageStatus = "SENT"
	MessageStatusFailed  MessageStatus = "FAILED"
)

// Message represents one message in a conversation.
//
// ArrivedAt is when the message entered the system; OriginalTimestamp is
// when the user actually sent it. The two differ for audio/image messages
// whose content materializes asynchronously. Batches fed to the model are
// ordered by OriginalTimestamp, never by arrival order.
type Message struct {
	ID                string           `json:"id"`
	ConversationID    string           `json:"conversation_id"`
	Direction         MessageDirection `json:"direction"`
	Kind              MessageKind      `json:"kind"`
	Content           string           `json:"content"`
	MediaURL          string           `json:"media_url,omitempty"`
	QuotedMessageID   string           `json:"quoted_message_id,omitempty"`
	Pending           bool             `json:"pending"` // preprocessing in progress
	Degraded          bool             `json:"degraded"` // preprocessing failed, Content is a fallback
	Status            MessageStatus    `json:"status,omitempty"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	ArrivedAt         time.Time        `json:"arrived_at"`
	OriginalTimestamp time.Time        `json:"original_timestamp"`
}

// RequestStatus represents the lifecycle state of a tracked AI turn
type RequestStatus string

const (
	RequestStatusQueued     RequestStatus = "QUEUED"
	RequestStatusProcessing RequestStatus = "PROCESSING"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusCancelled  RequestStatus = "CANCELLED"
	RequestStatusFailed     RequestStatus = "FAILED"
)

// CancelStage records where in the turn an abort was detected
type CancelStage string

const (
	CancelStageBeforeModel CancelStage = "before_model"
	CancelStageDuringModel CancelStage = "during_model"
	CancelStageAfterModel  CancelStage = "after_model"
)

// ProcessingStage is the lifecycle stage of an executing turn
type ProcessingStage string

const (
	StageInitializing   ProcessingStage = "initializing"
	StagePreparing      ProcessingStage = "preparing"
	StageCallingModel   ProcessingStage = "calling_model"
	StageMessageSaved   ProcessingStage = "message_saved"
	StageSendingMessage ProcessingStage = "sending_message"
	StageDone           ProcessingStage = "done"
)

// TrackedRequest is the audit record of one AI turn: which messages fed it,
// how it ended, and what it cost.
type TrackedRequest struct {
	ID              string        `json:"id"`
	ConversationID  string        `json:"conversation_id"`
	MessageIDs      []string      `json:"message_ids"`
	Status          RequestStatus `json:"status"`
	CancelStage     CancelStage   `json:"cancel_stage,omitempty"`
	Error           string        `json:"error,omitempty"`
	ReplyMessageID  string        `json:"reply_message_id,omitempty"`
	Model           string        `json:"model,omitempty"`
	InputTokens     int           `json:"input_tokens"`
	OutputTokens    int           `json:"output_tokens"`
	CostMicroUSD    int64         `json:"cost_micro_usd"`
	CreatedAt       time.Time     `json:"created_at"`
	ModelStartedAt  *time.Time    `json:"model_started_at,omitempty"`
	ModelFinishedAt *time.Time    `json:"model_finished_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
}

// Terminal reports whether the request reached a final state.
func (r *TrackedRequest) Terminal() bool {
	switch r.Status {
	case RequestStatusCompleted, RequestStatusCancelled, RequestStatusFailed:
		return true
	}
	return false
}

// Conversation binds a chat thread to an agent profile and carries the
// human-takeover marker.
type Conversation struct {
	ID               string     `json:"id"`
	ContactID        string     `json:"contact_id"`
	AgentID          string     `json:"agent_id"`
	LastHumanReplyAt *time.Time `json:"last_human_reply_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AgentProfile configures how the model is invoked for a conversation
type AgentProfile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model"`
	MaxTokens    int       `json:"max_tokens"`
	Temperature  float64   `json:"temperature"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SideJobKind identifies the async preprocessing a message needs
type SideJobKind string

const (
	SideJobAudio SideJobKind = "audio"
	SideJobImage SideJobKind = "image"
)

// SideJobForKind maps a message kind to its side-job kind.
func SideJobForKind(k MessageKind) SideJobKind {
	if k == MessageKindImage {
		return SideJobImage
	}
	return SideJobAudio
}

// SideJobResult is what a completed (or failed, or timed-out) side-job
// hands back for the message it was preparing.
type SideJobResult struct {
	Content string `json:"content"`
	Failed  bool   `json:"failed"`
	Err     string `json:"error,omitempty"`
}
