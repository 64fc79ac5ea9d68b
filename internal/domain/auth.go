package domain

// Role — роль пользователя из таблицы профилей.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Action — действие, на которое проверяются права.
type Action string

const (
	ActionCreateOrder  Action = "orders:create"
	ActionReadOwnOrder Action = "orders:read-own"
	ActionReadAllOrder Action = "orders:read-all"
)

// Principal — аутентифицированный пользователь запроса.
type Principal struct {
	UserID string
	Email  string
}
