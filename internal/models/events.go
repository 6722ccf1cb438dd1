package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeMirrorFailed       = "MIRROR_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when both copies of an order were written
type OrderCreatedEvent struct {
	BaseEvent
	OrderID        string          `json:"order_id"`
	ProductID      string          `json:"product_id"`
	FarmerID       string          `json:"farmer_id"`
	OrganizationID string          `json:"organization_id"`
	Quantity       int             `json:"quantity"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
}

// OrderStatusChangedEvent published when the seller copy changed status
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID        string      `json:"order_id"`
	FarmerID       string      `json:"farmer_id"`
	OrganizationID string      `json:"organization_id"`
	From           OrderStatus `json:"from"`
	To             OrderStatus `json:"to"`
	Mirrored       bool        `json:"mirrored"`
}

// MirrorFailedEvent published when the buyer copy could not be written
type MirrorFailedEvent struct {
	BaseEvent
	OrderID        string `json:"order_id"`
	FarmerID       string `json:"farmer_id"`
	OrganizationID string `json:"organization_id"`
	Operation      string `json:"operation"`
	Reason         string `json:"reason"`
}

// Mirror operations reported in MirrorFailedEvent
const (
	MirrorOpCreate = "create"
	MirrorOpStatus = "status"
)
