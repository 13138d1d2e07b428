package persistence

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExchangeRecord stores one prompt/response round trip with the provider
type ExchangeRecord struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Model            string         `gorm:"type:varchar(255);not null;index" json:"model"`
	RequestData      string         `gorm:"type:text;not null" json:"request_data"`
	ResponseText     string         `gorm:"type:text" json:"response_text,omitempty"`
	IsStreaming      bool           `gorm:"default:false" json:"is_streaming"`
	Status           ExchangeStatus `gorm:"type:varchar(50);not null;default:'pending';index" json:"status"`
	Error            string         `gorm:"type:text" json:"error,omitempty"`
	PromptTokens     int            `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int            `gorm:"default:0" json:"completion_tokens"`
	TotalTokens      int            `gorm:"default:0" json:"total_tokens"`
	Cost             float64        `gorm:"default:0" json:"cost"`
	LatencyMs        int64          `gorm:"default:0" json:"latency_ms"`
	CreatedAt        time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// ExchangeStatus represents the lifecycle position of an exchange
type ExchangeStatus string

const (
	ExchangeStatusPending   ExchangeStatus = "pending"
	ExchangeStatusCompleted ExchangeStatus = "completed"
	ExchangeStatusFailed    ExchangeStatus = "failed"
	ExchangeStatusCancelled ExchangeStatus = "cancelled"
)

// BeforeCreate hook for ExchangeRecord
func (r *ExchangeRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = ExchangeStatusPending
	}
	return nil
}

// TableName returns the table name for ExchangeRecord
func (ExchangeRecord) TableName() string {
	return "exchanges"
}

// Keys of the client_state table.
const (
	StateKeyConversation  = "conversation"
	StateKeySelectedModel = "selected_model"
)

// StateEntry is one key/value pair of client-visible state, such as the
// serialized conversation or the selected model label.
type StateEntry struct {
	Key       string    `gorm:"column:state_key;type:varchar(64);primaryKey" json:"key"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for StateEntry
func (StateEntry) TableName() string {
	return "client_state"
}

// PersistenceEvent represents events that can be processed asynchronously
type PersistenceEvent[T any] struct {
	Type EventType `json:"type"`
	Data T         `json:"data"`
}

// EventType represents the type of persistence event
type EventType string

const (
	EventTypeCreateExchange   EventType = "create_exchange"
	EventTypeCompleteExchange EventType = "complete_exchange"
	EventTypeFailExchange     EventType = "fail_exchange"
)

// CreateExchangeEvent data for opening an exchange record
type CreateExchangeEvent struct {
	ExchangeID  uuid.UUID `json:"exchange_id"`
	RequestData string    `json:"request_data"`
	Model       string    `json:"model"`
	IsStreaming bool      `json:"is_streaming"`
}

// CompleteExchangeEvent data for a successful exchange
type CompleteExchangeEvent struct {
	ExchangeID uuid.UUID      `json:"exchange_id"`
	Result     ExchangeResult `json:"result"`
}

// FailExchangeEvent data for a failed or abandoned exchange
type FailExchangeEvent struct {
	ExchangeID uuid.UUID      `json:"exchange_id"`
	Status     ExchangeStatus `json:"status"`
	Error      string         `json:"error"`
	LatencyMs  int64          `json:"latency_ms"`
}

// ExchangeResult carries what the provider returned for a finished exchange
type ExchangeResult struct {
	ResponseText     string  `json:"response_text"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	LatencyMs        int64   `json:"latency_ms"`
}

// ExchangeStats aggregates recorded exchanges
type ExchangeStats struct {
	TotalExchanges   int64   `json:"total_exchanges"`
	Completed        int64   `json:"completed"`
	Failed           int64   `json:"failed"`
	Cancelled        int64   `json:"cancelled"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}
