package models

import (
	"errors"
	"strings"
)

type OrderStatus string

// remember to add new statuses to the validNext map
const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusInTransit OrderStatus = "in_transit"
	OrderStatusDelivered OrderStatus = "delivered"
)

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending:   {OrderStatusConfirmed: true, OrderStatusRejected: true},
	OrderStatusConfirmed: {OrderStatusInTransit: true},
	OrderStatusInTransit: {OrderStatusDelivered: true},
	OrderStatusRejected:  {},
	OrderStatusDelivered: {},
}

// ToOrderStatus parses a status, accepting any letter case
func ToOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := validNext[status]; ok {
		return status, nil
	}

	return "", errors.New("invalid order status")
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

// Terminal reports whether no transition leaves s
func (s OrderStatus) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// Active reports whether an order in status s still needs work
func (s OrderStatus) Active() bool {
	return !s.Terminal()
}

func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusConfirmed,
		OrderStatusRejected,
		OrderStatusInTransit,
		OrderStatusDelivered,
	}
}
