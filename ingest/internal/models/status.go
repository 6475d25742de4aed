package models

import "strings"

type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusPreparing OrderStatus = "PREPARING"
	OrderStatusOnTheWay  OrderStatus = "ON_THE_WAY"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:       {OrderStatusConfirmed, OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusPreparing, OrderStatusOnTheWay, OrderStatusCancelled},
	OrderStatusPreparing: {OrderStatusOnTheWay, OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusOnTheWay:  {OrderStatusDelivered, OrderStatusCancelled},
}

func NormalizeOrderStatus(status string) OrderStatus {
	return OrderStatus(strings.ToUpper(strings.TrimSpace(status)))
}

func CanTransition(from OrderStatus, to OrderStatus) bool {
	if from == to {
		return true
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActiveStatuses are the states the drift sweep re-checks against the
// platform; terminal orders are left alone.
func ActiveStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusNew,
		OrderStatusConfirmed,
		OrderStatusPreparing,
		OrderStatusOnTheWay,
	}
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}
