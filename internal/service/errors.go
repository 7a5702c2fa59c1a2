package service

import "errors"

// 服务层错误分类。校验/鉴权类错误保证无副作用；
// 转移类错误由路由层转成对用户可见的提示或触发投影刷新。
var (
	ErrUnauthenticated = errors.New("actor not authenticated")
	ErrForbidden       = errors.New("actor not allowed to perform this action")

	ErrEmptyCart       = errors.New("cart is empty")
	ErrInvalidAddress  = errors.New("delivery address invalid")
	ErrInvalidQuantity = errors.New("line quantity must be positive")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPaymentRequired   = errors.New("payment not settled")

	ErrUnknownReference = errors.New("unknown payment reference")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrAlreadyPaid      = errors.New("order already paid")
	ErrCashOrder        = errors.New("cash order does not use the gateway")
	ErrOrderClosed      = errors.New("order already closed")
)
