package core

import "context"

// Response описывает унифицированный результат выполнения команды.
type Response struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// OK оборачивает данные успешного ответа.
func OK(data interface{}) Response {
	return Response{Status: "ok", Data: data}
}

// Fail формирует ответ с кодом ошибки для транспорта.
func Fail(code string, err error) Response {
	resp := Response{Status: "error", ErrorCode: code}
	if err != nil {
		resp.Message = err.Error()
	}
	return resp
}

// CommandProvider определяет контракт для модулей.
type CommandProvider interface {
	Name() string
	Init(ctx context.Context) error
	Execute(ctx context.Context, cmd string, args []string) (Response, error)
}
